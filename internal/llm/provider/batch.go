package provider

import (
	"context"
)

// Batch processing statuses as reported by GetBatch.
const (
	BatchInProgress = "in_progress"
	BatchCanceling  = "canceling"
	BatchEnded      = "ended"
)

// BatchProvider is implemented by providers that can run many completion
// requests server-side as a single batch. The research pool prefers this path:
// one submission, polled until ended, results fetched in one pass.
type BatchProvider interface {
	// CreateBatch submits the requests and returns the provider's batch ID.
	CreateBatch(ctx context.Context, requests []BatchRequest) (string, error)

	// GetBatch reports the current processing status of a batch.
	GetBatch(ctx context.Context, id string) (*BatchStatus, error)

	// BatchResults fetches per-request results for an ended batch.
	BatchResults(ctx context.Context, id string) ([]BatchResult, error)
}

// BatchRequest pairs a caller-chosen ID with a completion request. The ID
// comes back on the matching BatchResult.
type BatchRequest struct {
	CustomID string
	Request  CompletionRequest
}

// BatchRequestCounts breaks a batch down by request disposition.
type BatchRequestCounts struct {
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Errored    int `json:"errored"`
	Canceled   int `json:"canceled"`
	Expired    int `json:"expired"`
}

// BatchStatus is a point-in-time view of a submitted batch.
type BatchStatus struct {
	ID               string             `json:"id"`
	ProcessingStatus string             `json:"processing_status"`
	Counts           BatchRequestCounts `json:"request_counts"`
}

// Done reports whether the provider has finished processing the batch.
// A done batch may still contain errored or expired requests.
func (s *BatchStatus) Done() bool {
	return s.ProcessingStatus == BatchEnded
}

// Total returns the number of requests in the batch.
func (s *BatchStatus) Total() int {
	c := s.Counts
	return c.Processing + c.Succeeded + c.Errored + c.Canceled + c.Expired
}

// BatchResult is the outcome of one request in a batch. Exactly one of
// Response or Err is set.
type BatchResult struct {
	CustomID string
	Response *CompletionResponse
	Err      error
}

// AsBatchProvider reports whether p supports batch submission, looking
// through instrumentation wrappers.
func AsBatchProvider(p Provider) (BatchProvider, bool) {
	if ip, ok := p.(*InstrumentedProvider); ok {
		p = ip.Unwrap()
	}
	bp, ok := p.(BatchProvider)
	return bp, ok
}
