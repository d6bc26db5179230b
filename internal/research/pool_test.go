package research

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/epigraph-dev/epigraph/internal/llm/provider"
)

// directOnly hides the mock's batch methods so the pool takes the
// fan-out path.
type directOnly struct {
	mock *provider.MockProvider
}

func (d *directOnly) CreateCompletion(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	return d.mock.CreateCompletion(ctx, req)
}

func (d *directOnly) Name() string { return d.mock.Name() }

func echoByFocus(req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	switch {
	case strings.Contains(req.System, "academic"):
		return provider.MockCompletionResponse("Findings from the literature."), nil
	case strings.Contains(req.System, "industry"):
		return provider.MockCompletionResponse("Findings from production systems."), nil
	case strings.Contains(req.System, "tools researcher"):
		return provider.MockCompletionResponse("Findings about frameworks."), nil
	default:
		return provider.MockCompletionResponse("Synthesis of all findings."), nil
	}
}

func fastConfig() Config {
	return Config{
		PollInterval:  time.Millisecond,
		ProgressEvery: time.Hour,
		Deadline:      2 * time.Second,
	}
}

func TestPoolRun_BatchCompleted(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.RespondWith = echoByFocus

	pool := NewPool(mock, fastConfig())
	outcome, err := pool.Run(context.Background(), "temporal knowledge graphs")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.Status != StatusCompleted {
		t.Errorf("status = %v, want %v", outcome.Status, StatusCompleted)
	}
	if len(outcome.Outputs) != 4 {
		t.Fatalf("outputs = %d, want 4 (three workers plus synthesis)", len(outcome.Outputs))
	}
	if len(outcome.Missing) != 0 {
		t.Errorf("missing = %v, want none", outcome.Missing)
	}

	for _, name := range []string{"academic_research", "industry_intel", "tool_evaluation", "critical_synthesis"} {
		out, ok := outcome.Outputs[name]
		if !ok {
			t.Fatalf("missing output for %s", name)
		}
		if out.Text == "" {
			t.Errorf("%s output is empty", name)
		}
		if out.Tokens == 0 {
			t.Errorf("%s tokens = 0, want estimate", name)
		}
	}

	// The synthesis prompt must carry the first-wave findings.
	last, ok := mock.LastCall()
	if !ok {
		t.Fatal("no completion calls recorded")
	}
	userMsg := last.Messages[0].Content
	for _, fragment := range []string{
		"ACADEMIC RESEARCH FINDINGS:",
		"Findings from the literature.",
		"INDUSTRY INTELLIGENCE FINDINGS:",
		"TOOL EVALUATION FINDINGS:",
	} {
		if !strings.Contains(userMsg, fragment) {
			t.Errorf("synthesis prompt missing %q", fragment)
		}
	}
}

func TestPoolRun_BatchRequestShape(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.RespondWith = echoByFocus

	cfg := fastConfig()
	cfg.MaxWorkerTokens = 1234
	cfg.Model = "claude-sonnet-4-5"
	pool := NewPool(mock, cfg)

	if _, err := pool.Run(context.Background(), "graph RAG"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	requests, ok := mock.SubmittedBatch("mockbatch_1")
	if !ok {
		t.Fatal("no batch submitted")
	}
	if len(requests) != 3 {
		t.Fatalf("batch size = %d, want 3", len(requests))
	}

	wantOrder := []string{"academic_research", "industry_intel", "tool_evaluation"}
	for i, req := range requests {
		if req.CustomID != wantOrder[i] {
			t.Errorf("request %d custom id = %q, want %q", i, req.CustomID, wantOrder[i])
		}
		if req.Request.System == "" {
			t.Errorf("request %d has no system prompt", i)
		}
		if req.Request.MaxTokens != 1234 {
			t.Errorf("request %d max tokens = %d, want 1234", i, req.Request.MaxTokens)
		}
		if req.Request.Model != "claude-sonnet-4-5" {
			t.Errorf("request %d model = %q", i, req.Request.Model)
		}
		if req.Request.Temperature != workerTemperature {
			t.Errorf("request %d temperature = %v, want %v", i, req.Request.Temperature, workerTemperature)
		}
		if !strings.Contains(req.Request.Messages[0].Content, "graph RAG") {
			t.Errorf("request %d prompt does not carry the topic", i)
		}
	}
}

func TestPoolRun_PollsUntilEnded(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.RespondWith = echoByFocus
	mock.QueueBatchStatus(&provider.BatchStatus{
		ProcessingStatus: provider.BatchInProgress,
		Counts:           provider.BatchRequestCounts{Processing: 3},
	})
	mock.QueueBatchStatus(&provider.BatchStatus{
		ProcessingStatus: provider.BatchInProgress,
		Counts:           provider.BatchRequestCounts{Processing: 1, Succeeded: 2},
	})
	mock.QueueBatchStatus(&provider.BatchStatus{
		ProcessingStatus: provider.BatchEnded,
		Counts:           provider.BatchRequestCounts{Succeeded: 3},
	})

	pool := NewPool(mock, fastConfig())
	outcome, err := pool.Run(context.Background(), "entity resolution")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.Status != StatusCompleted {
		t.Errorf("status = %v, want completed", outcome.Status)
	}
	if calls := mock.GetBatchCallCount(); calls < 3 {
		t.Errorf("GetBatch calls = %d, want at least 3", calls)
	}
}

func TestPoolRun_PartialTimeout(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.RespondWith = echoByFocus
	// The batch never ends; two workers finish before the deadline.
	mock.QueueBatchStatus(&provider.BatchStatus{
		ProcessingStatus: provider.BatchInProgress,
		Counts:           provider.BatchRequestCounts{Processing: 1, Succeeded: 2},
	})
	mock.SetBatchResults([]provider.BatchResult{
		{CustomID: "academic_research", Response: provider.MockCompletionResponse("Papers on the topic.")},
		{CustomID: "industry_intel", Response: provider.MockCompletionResponse("Production deployments.")},
	})

	cfg := fastConfig()
	cfg.Deadline = 50 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	pool := NewPool(mock, cfg)

	outcome, err := pool.Run(context.Background(), "graph maintenance")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.Status != StatusPartiallyCompleted {
		t.Errorf("status = %v, want partially completed", outcome.Status)
	}
	if _, ok := outcome.Outputs["academic_research"]; !ok {
		t.Error("completed worker academic_research dropped")
	}
	if _, ok := outcome.Outputs["critical_synthesis"]; !ok {
		t.Error("synthesis should still run over the partial outputs")
	}
	if len(outcome.Missing) != 1 || outcome.Missing[0] != "tool_evaluation" {
		t.Errorf("missing = %v, want [tool_evaluation]", outcome.Missing)
	}
}

func TestPoolRun_FullTimeout(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.QueueBatchStatus(&provider.BatchStatus{
		ProcessingStatus: provider.BatchInProgress,
		Counts:           provider.BatchRequestCounts{Processing: 3},
	})
	mock.SetBatchResults([]provider.BatchResult{})

	cfg := fastConfig()
	cfg.Deadline = 30 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	pool := NewPool(mock, cfg)

	outcome, err := pool.Run(context.Background(), "stalled upstream")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.Status != StatusTimedOut {
		t.Errorf("status = %v, want timed out", outcome.Status)
	}
	if len(outcome.Outputs) != 0 {
		t.Errorf("outputs = %v, want none", outcome.Outputs)
	}
	if len(outcome.Missing) != 4 {
		t.Errorf("missing = %v, want all four roles", outcome.Missing)
	}
	if mock.CompletionCallCount() != 0 {
		t.Error("synthesis ran with nothing to synthesize")
	}
}

func TestPoolRun_ErroredWorkerReported(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.RespondWith = echoByFocus
	mock.SetBatchResults([]provider.BatchResult{
		{CustomID: "academic_research", Response: provider.MockCompletionResponse("Papers.")},
		{CustomID: "industry_intel", Err: provider.NewProviderError("mock", provider.ErrorCodeRateLimit, "rate limited", nil)},
		{CustomID: "tool_evaluation", Response: provider.MockCompletionResponse("Tools.")},
	})

	pool := NewPool(mock, fastConfig())
	outcome, err := pool.Run(context.Background(), "agent memory")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.Status != StatusPartiallyCompleted {
		t.Errorf("status = %v, want partially completed", outcome.Status)
	}
	if len(outcome.Missing) != 1 || outcome.Missing[0] != "industry_intel" {
		t.Errorf("missing = %v, want [industry_intel]", outcome.Missing)
	}
}

func TestPoolRun_EmptyOutputIsLegal(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.RespondWith = echoByFocus
	mock.SetBatchResults([]provider.BatchResult{
		{CustomID: "academic_research", Response: provider.MockCompletionResponse("")},
		{CustomID: "industry_intel", Response: provider.MockCompletionResponse("Real usage.")},
		{CustomID: "tool_evaluation", Response: provider.MockCompletionResponse("Trade-offs.")},
	})

	pool := NewPool(mock, fastConfig())
	outcome, err := pool.Run(context.Background(), "sparse topic")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	out, ok := outcome.Outputs["academic_research"]
	if !ok {
		t.Fatal("empty output dropped; a zero-token worker still completed")
	}
	if out.Text != "" {
		t.Errorf("text = %q, want empty", out.Text)
	}
	for _, name := range outcome.Missing {
		if name == "academic_research" {
			t.Error("empty output reported as missing")
		}
	}
}

func TestPoolRun_Direct(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.RespondWith = echoByFocus

	pool := NewPool(&directOnly{mock: mock}, fastConfig())
	outcome, err := pool.Run(context.Background(), "direct fan-out")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.Status != StatusCompleted {
		t.Errorf("status = %v, want completed", outcome.Status)
	}
	if len(outcome.Outputs) != 4 {
		t.Errorf("outputs = %d, want 4", len(outcome.Outputs))
	}
	// Three workers plus one synthesis call.
	if calls := mock.CompletionCallCount(); calls != 4 {
		t.Errorf("completion calls = %d, want 4", calls)
	}
}

func TestPoolRun_DirectWorkerFailure(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.RespondWith = func(req provider.CompletionRequest) (*provider.CompletionResponse, error) {
		if strings.Contains(req.System, "tools researcher") {
			return nil, provider.NewProviderError("mock", provider.ErrorCodeServerError, "boom", nil)
		}
		return echoByFocus(req)
	}

	pool := NewPool(&directOnly{mock: mock}, fastConfig())
	outcome, err := pool.Run(context.Background(), "resilience")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.Status != StatusPartiallyCompleted {
		t.Errorf("status = %v, want partially completed", outcome.Status)
	}
	if len(outcome.Missing) != 1 || outcome.Missing[0] != "tool_evaluation" {
		t.Errorf("missing = %v, want [tool_evaluation]", outcome.Missing)
	}
	if _, ok := outcome.Outputs["critical_synthesis"]; !ok {
		t.Error("synthesis missing despite two completed workers")
	}
}

func TestPoolRun_EmptyTopic(t *testing.T) {
	pool := NewPool(provider.NewMockProvider("mock"), fastConfig())
	if _, err := pool.Run(context.Background(), "   "); err == nil {
		t.Fatal("expected error for empty topic")
	}
}

func TestPollBatch_DeadlineTagged(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	id, err := mock.CreateBatch(context.Background(), []provider.BatchRequest{
		{CustomID: "academic_research"},
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	mock.QueueBatchStatus(&provider.BatchStatus{
		ProcessingStatus: provider.BatchInProgress,
		Counts:           provider.BatchRequestCounts{Processing: 1},
	})
	res, err := pollBatch(context.Background(), mock, id, 5*time.Millisecond, time.Hour, 25*time.Millisecond)
	if err != nil {
		t.Fatalf("pollBatch: %v", err)
	}
	if res.state != batchTimedOut {
		t.Errorf("state = %v, want batchTimedOut", res.state)
	}

	// With successes on the board the same deadline tags partial.
	mock.Reset()
	id, _ = mock.CreateBatch(context.Background(), []provider.BatchRequest{{CustomID: "a"}, {CustomID: "b"}})
	mock.QueueBatchStatus(&provider.BatchStatus{
		ProcessingStatus: provider.BatchInProgress,
		Counts:           provider.BatchRequestCounts{Processing: 1, Succeeded: 1},
	})
	res, err = pollBatch(context.Background(), mock, id, 5*time.Millisecond, time.Hour, 25*time.Millisecond)
	if err != nil {
		t.Fatalf("pollBatch: %v", err)
	}
	if res.state != batchPartial {
		t.Errorf("state = %v, want batchPartial", res.state)
	}
	if res.counts.Succeeded != 1 {
		t.Errorf("succeeded = %d, want 1", res.counts.Succeeded)
	}
}

func TestPollBatch_ContextCanceled(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	id, _ := mock.CreateBatch(context.Background(), []provider.BatchRequest{{CustomID: "a"}})
	mock.QueueBatchStatus(&provider.BatchStatus{
		ProcessingStatus: provider.BatchInProgress,
		Counts:           provider.BatchRequestCounts{Processing: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pollBatch(ctx, mock, id, time.Millisecond, time.Hour, time.Hour); err == nil {
		t.Fatal("expected context error")
	}
}

func TestSynthesisPrompt_NoFindingsFallback(t *testing.T) {
	roster := DefaultRoster()
	outputs := map[string]Output{
		"academic_research": {Role: "academic_research", Text: "Dense findings."},
	}

	prompt := synthesisPrompt("topic X", roster, outputs)

	if !strings.Contains(prompt, "topic X") {
		t.Error("prompt missing topic")
	}
	if !strings.Contains(prompt, "Dense findings.") {
		t.Error("prompt missing the completed worker's text")
	}
	if strings.Count(prompt, "No findings.") != 2 {
		t.Errorf("want two roles marked with no findings, got:\n%s", prompt)
	}
}
