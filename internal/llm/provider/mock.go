package provider

import (
	"context"
	"fmt"
	"sync"
)

func init() {
	RegisterFactory("mock", func(config map[string]any) (Provider, error) {
		return NewMockProvider("mock"), nil
	})
}

// MockProvider is a scripted provider for tests, dry runs, and offline mode.
// All methods are safe for concurrent use; the research pool fans out to it
// from multiple goroutines.
type MockProvider struct {
	mu   sync.Mutex
	name string

	// Responses and errors to return, consumed in order. When exhausted,
	// CreateCompletion returns a default response.
	CompletionResponses []*CompletionResponse
	Errors              []error

	// RespondWith, when set, overrides the scripted responses entirely.
	RespondWith func(CompletionRequest) (*CompletionResponse, error)

	// CompletionCalls records every request received.
	CompletionCalls []CompletionRequest

	currentIndex int

	// Batch scripting. Statuses are returned by successive GetBatch calls
	// with the last one sticky; results override the synthesized defaults.
	batchStatuses []*BatchStatus
	batchResults  []BatchResult
	batchErr      error

	batches       map[string][]BatchRequest
	nextBatchID   int
	statusIndex   int
	getBatchCalls int
}

// NewMockProvider creates a new mock provider
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:    name,
		batches: make(map[string][]BatchRequest),
	}
}

// Name implements Provider
func (m *MockProvider) Name() string {
	return m.name
}

// CreateCompletion implements Provider
func (m *MockProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompletionCalls = append(m.CompletionCalls, request)
	return m.nextResponse(request)
}

// nextResponse consumes the next scripted response or error. Callers hold mu.
func (m *MockProvider) nextResponse(request CompletionRequest) (*CompletionResponse, error) {
	if m.RespondWith != nil {
		return m.RespondWith(request)
	}

	idx := m.currentIndex
	if idx < len(m.Errors) && m.Errors[idx] != nil {
		m.currentIndex++
		return nil, m.Errors[idx]
	}
	if idx < len(m.CompletionResponses) && m.CompletionResponses[idx] != nil {
		m.currentIndex++
		return m.CompletionResponses[idx], nil
	}

	return &CompletionResponse{
		Content:      "Mock response",
		FinishReason: "stop",
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: 5,
			TotalTokens:      15,
		},
	}, nil
}

// AddCompletionResponse adds a completion response to return
func (m *MockProvider) AddCompletionResponse(response *CompletionResponse) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompletionResponses = append(m.CompletionResponses, response)
	m.Errors = append(m.Errors, nil)
	return m
}

// AddError adds an error to return
func (m *MockProvider) AddError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors = append(m.Errors, err)
	m.CompletionResponses = append(m.CompletionResponses, nil)
	return m
}

// CompletionCallCount returns how many completion calls were received.
func (m *MockProvider) CompletionCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompletionCalls)
}

// LastCall returns the most recent completion request, if any.
func (m *MockProvider) LastCall() (CompletionRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.CompletionCalls) == 0 {
		return CompletionRequest{}, false
	}
	return m.CompletionCalls[len(m.CompletionCalls)-1], true
}

// Reset resets the mock provider
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompletionResponses = nil
	m.Errors = nil
	m.RespondWith = nil
	m.CompletionCalls = nil
	m.currentIndex = 0
	m.batchStatuses = nil
	m.batchResults = nil
	m.batchErr = nil
	m.batches = make(map[string][]BatchRequest)
	m.nextBatchID = 0
	m.statusIndex = 0
	m.getBatchCalls = 0
}

// Batch scripting

// QueueBatchStatus appends a status for GetBatch to return. Successive calls
// walk the queue; the final status repeats.
func (m *MockProvider) QueueBatchStatus(status *BatchStatus) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchStatuses = append(m.batchStatuses, status)
	return m
}

// SetBatchResults fixes the results BatchResults returns.
func (m *MockProvider) SetBatchResults(results []BatchResult) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchResults = results
	return m
}

// SetBatchError makes every batch method fail with err.
func (m *MockProvider) SetBatchError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchErr = err
	return m
}

// GetBatchCallCount returns how many times GetBatch was polled.
func (m *MockProvider) GetBatchCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getBatchCalls
}

// SubmittedBatch returns the requests submitted under a batch ID.
func (m *MockProvider) SubmittedBatch(id string) ([]BatchRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqs, ok := m.batches[id]
	return reqs, ok
}

// CreateBatch implements BatchProvider
func (m *MockProvider) CreateBatch(ctx context.Context, requests []BatchRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.batchErr != nil {
		return "", m.batchErr
	}

	m.nextBatchID++
	id := fmt.Sprintf("mockbatch_%d", m.nextBatchID)
	m.batches[id] = append([]BatchRequest(nil), requests...)
	return id, nil
}

// GetBatch implements BatchProvider
func (m *MockProvider) GetBatch(ctx context.Context, id string) (*BatchStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getBatchCalls++

	if m.batchErr != nil {
		return nil, m.batchErr
	}

	requests, ok := m.batches[id]
	if !ok {
		return nil, NewProviderError(m.name, ErrorCodeModelNotFound, "no such batch "+id, nil)
	}

	if len(m.batchStatuses) > 0 {
		idx := m.statusIndex
		if idx >= len(m.batchStatuses) {
			idx = len(m.batchStatuses) - 1
		} else {
			m.statusIndex++
		}
		status := *m.batchStatuses[idx]
		status.ID = id
		return &status, nil
	}

	// Unscripted batches end immediately with everything succeeded.
	return &BatchStatus{
		ID:               id,
		ProcessingStatus: BatchEnded,
		Counts:           BatchRequestCounts{Succeeded: len(requests)},
	}, nil
}

// BatchResults implements BatchProvider. Without scripted results it answers
// each submitted request through the completion script, so a plain mock
// behaves like a batch where every request succeeded.
func (m *MockProvider) BatchResults(ctx context.Context, id string) ([]BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.batchErr != nil {
		return nil, m.batchErr
	}

	requests, ok := m.batches[id]
	if !ok {
		return nil, NewProviderError(m.name, ErrorCodeModelNotFound, "no such batch "+id, nil)
	}

	if m.batchResults != nil {
		return m.batchResults, nil
	}

	results := make([]BatchResult, 0, len(requests))
	for _, r := range requests {
		resp, err := m.nextResponse(r.Request)
		results = append(results, BatchResult{CustomID: r.CustomID, Response: resp, Err: err})
	}
	return results, nil
}

// MockCompletionResponse creates a mock completion response
func MockCompletionResponse(content string) *CompletionResponse {
	return &CompletionResponse{
		Content:      content,
		FinishReason: "stop",
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: len(content) / 4,
			TotalTokens:      10 + len(content)/4,
		},
	}
}
