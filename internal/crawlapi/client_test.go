package crawlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGetJobSummary(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/jobs/"+jobID.String()+"/summary", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(JobSummary{
			JobID:       jobID,
			DerivedName: "Math homework research",
			Status:      "completed",
			ItemsCount:  12,
			FinalURL:    "https://example.com/results",
		}))
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, time.Second)
	summary, err := client.GetJobSummary(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, jobID, summary.JobID)
	require.Equal(t, "Math homework research", summary.DerivedName)
	require.Equal(t, 12, summary.ItemsCount)
}

func TestGetJobDetails(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/jobs/"+jobID.String()+"/details", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(JobDetails{
			JobID:     jobID,
			Steps:     json.RawMessage(`[{"step":1}]`),
			StartedAt: started,
		}))
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, time.Second)
	details, err := client.GetJobDetails(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, jobID, details.JobID)
	require.JSONEq(t, `[{"step":1}]`, string(details.Steps))
	require.Nil(t, details.CompletedAt)
}

func TestGetJobSummaryErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "job not found", http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, time.Second)
	_, err := client.GetJobSummary(context.Background(), uuid.New())
	require.Error(t, err)
	require.Contains(t, err.Error(), "status=404")
}

func TestGetJobSummaryBadJSON(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, time.Second)
	_, err := client.GetJobSummary(context.Background(), uuid.New())
	require.Error(t, err)
}
