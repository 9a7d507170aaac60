// Package crawlapi is the HTTP client for the crawler status API, used
// as a fallback source of truth when event payloads are incomplete.
package crawlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobSummary is the crawler's own view of a finished job.
type JobSummary struct {
	JobID       uuid.UUID `json:"jobId"`
	DerivedName string    `json:"derivedName"`
	Status      string    `json:"status"`
	ItemsCount  int       `json:"itemsCount"`
	FinalURL    string    `json:"finalUrl"`
}

// JobDetails carries the crawler's per-step diagnostics for a job.
type JobDetails struct {
	JobID       uuid.UUID       `json:"jobId"`
	Steps       json.RawMessage `json:"steps"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt"`
}

// Client talks to the crawler status API over HTTP/JSON.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient builds a Client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// GetJobSummary fetches the summary for one job.
func (c *Client) GetJobSummary(ctx context.Context, jobID uuid.UUID) (JobSummary, error) {
	var summary JobSummary
	endpoint := fmt.Sprintf("%s/v1/jobs/%s/summary", c.baseURL, jobID)
	if err := c.getJSON(ctx, endpoint, &summary); err != nil {
		return JobSummary{}, err
	}
	return summary, nil
}

// GetJobDetails fetches the per-step details for one job.
func (c *Client) GetJobDetails(ctx context.Context, jobID uuid.UUID) (JobDetails, error) {
	var details JobDetails
	endpoint := fmt.Sprintf("%s/v1/jobs/%s/details", c.baseURL, jobID)
	if err := c.getJSON(ctx, endpoint, &details); err != nil {
		return JobDetails{}, err
	}
	return details, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crawler api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("crawler api returned status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode crawler api response: %w", err)
	}
	return nil
}
