package event

// routes is the fixed dispatch table from upstream event type strings to
// handling strategies. New upstream types land in Unknown and are
// silently ignored so a producer upgrade never crashes this consumer.
var routes = map[string]Category{
	"CrawlJobStarted":                JobStarted,
	"CrawlJobProgress":               JobProgress,
	"CrawlJobCompleted":              JobCompleted,
	"CrawlJobCompletedWithEmbedding": JobCompletedWithEmbedding,
	"CrawlJobFailed":                 JobFailed,
	"CrawlJobStatusChanged":          StatusChanged,

	// Fine-grained navigation/extraction steps all share one passthrough
	// strategy.
	"CrawlNavigationStarted":  DetailEvent,
	"CrawlNavigationFinished": DetailEvent,
	"CrawlPageExtracted":      DetailEvent,
	"CrawlStepCompleted":      DetailEvent,
	"CrawlDetail":             DetailEvent,
}

// Route maps an event type string to its handling strategy. It is total:
// unrecognized types map to Unknown.
func Route(eventType string) Category {
	if cat, ok := routes[eventType]; ok {
		return cat
	}
	return Unknown
}
