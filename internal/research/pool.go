// Package research fans a topic out to a roster of specialist workers,
// preferring one batch submission over per-worker calls, and polls the
// batch with a hard deadline. Timeouts surface whatever completed rather
// than blocking or discarding.
package research

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/epigraph-dev/epigraph/internal/llm/provider"
	"github.com/epigraph-dev/epigraph/pkg/observability"
)

const (
	DefaultPollInterval    = 10 * time.Second
	DefaultProgressEvery   = 30 * time.Second
	DefaultDeadline        = 15 * time.Minute
	DefaultMaxWorkerTokens = 4000
	DefaultConcurrency     = 3

	workerTemperature  = 0.3
	synthesisMaxTokens = 2000
)

// Status classifies how a research run ended.
type Status string

const (
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusTimedOut           Status = "timed_out"
)

// Output is one worker's raw prose. Empty text is legal: a worker that
// returned nothing still completed.
type Output struct {
	Role   string
	Title  string
	Text   string
	Tokens int
}

// Outcome is the result of one research run. Missing names roles that
// produced no output, in roster order, synthesis last.
type Outcome struct {
	Status  Status
	Outputs map[string]Output
	Missing []string
	Elapsed time.Duration
}

// Config tunes the pool. Zero values take the defaults above.
type Config struct {
	Roster          []Role
	PollInterval    time.Duration
	ProgressEvery   time.Duration
	Deadline        time.Duration
	MaxWorkerTokens int
	Concurrency     int
	Model           string
}

// Pool runs the worker roster against a provider.
type Pool struct {
	provider        provider.Provider
	roster          []Role
	synthesis       Role
	byName          map[string]Role
	pollInterval    time.Duration
	progressEvery   time.Duration
	deadline        time.Duration
	maxWorkerTokens int
	concurrency     int
	model           string
}

// NewPool creates a pool over the given provider.
func NewPool(p provider.Provider, cfg Config) *Pool {
	roster := append([]Role(nil), cfg.Roster...)
	if len(roster) == 0 {
		roster = DefaultRoster()
	}
	for i := range roster {
		if roster[i].Prompt == nil {
			roster[i].Prompt = workerPrompt
		}
	}
	pool := &Pool{
		provider:        p,
		roster:          roster,
		synthesis:       SynthesisRole(),
		byName:          make(map[string]Role, len(roster)),
		pollInterval:    cfg.PollInterval,
		progressEvery:   cfg.ProgressEvery,
		deadline:        cfg.Deadline,
		maxWorkerTokens: cfg.MaxWorkerTokens,
		concurrency:     cfg.Concurrency,
		model:           cfg.Model,
	}
	for _, role := range roster {
		pool.byName[role.Name] = role
	}
	if pool.pollInterval <= 0 {
		pool.pollInterval = DefaultPollInterval
	}
	if pool.progressEvery <= 0 {
		pool.progressEvery = DefaultProgressEvery
	}
	if pool.deadline <= 0 {
		pool.deadline = DefaultDeadline
	}
	if pool.maxWorkerTokens <= 0 {
		pool.maxWorkerTokens = DefaultMaxWorkerTokens
	}
	if pool.concurrency <= 0 {
		pool.concurrency = DefaultConcurrency
	}
	return pool
}

// Roster returns the first-wave roles in commit order.
func (p *Pool) Roster() []Role {
	return p.roster
}

// Run executes one research pass: the first wave as a batch when the
// provider supports it (direct fan-out otherwise), then critical synthesis
// over whatever completed.
func (p *Pool) Run(ctx context.Context, topic string) (*Outcome, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("research: empty topic")
	}

	start := time.Now()
	log.Printf("[Research] Starting research: %s", topic)

	var (
		outputs  map[string]Output
		timedOut bool
		err      error
	)
	if batcher, ok := provider.AsBatchProvider(p.provider); ok {
		outputs, timedOut, err = p.runBatch(ctx, batcher, topic)
	} else {
		outputs, timedOut, err = p.runDirect(ctx, topic)
	}
	if err != nil {
		observability.RecordResearchBatch("failed", time.Since(start))
		return nil, err
	}

	if len(outputs) > 0 {
		if out, synthErr := p.runSynthesis(ctx, topic, outputs); synthErr != nil {
			log.Printf("[Research] Critical synthesis failed: %v", synthErr)
			observability.RecordWorkerOutput(p.synthesis.Name, "errored")
		} else {
			outputs[p.synthesis.Name] = out
			observability.RecordWorkerOutput(p.synthesis.Name, "succeeded")
		}
	}

	outcome := &Outcome{
		Outputs: outputs,
		Missing: p.missingRoles(outputs),
		Elapsed: time.Since(start),
	}
	switch {
	case timedOut && len(outputs) == 0:
		outcome.Status = StatusTimedOut
	case len(outcome.Missing) > 0:
		outcome.Status = StatusPartiallyCompleted
	default:
		outcome.Status = StatusCompleted
	}

	observability.RecordResearchBatch(string(outcome.Status), outcome.Elapsed)
	log.Printf("[Research] Finished in %s: %d/%d outputs (%s)",
		outcome.Elapsed.Round(time.Second), len(outputs), len(p.roster)+1, outcome.Status)
	return outcome, nil
}

func (p *Pool) runBatch(ctx context.Context, client provider.BatchProvider, topic string) (map[string]Output, bool, error) {
	requests := make([]provider.BatchRequest, 0, len(p.roster))
	for _, role := range p.roster {
		requests = append(requests, provider.BatchRequest{
			CustomID: role.Name,
			Request:  p.workerRequest(role, topic),
		})
	}

	id, err := client.CreateBatch(ctx, requests)
	if err != nil {
		return nil, false, fmt.Errorf("create research batch: %w", err)
	}
	log.Printf("[Research] Submitted batch %s (%d workers)", id, len(requests))

	poll, err := pollBatch(ctx, client, id, p.pollInterval, p.progressEvery, p.deadline)
	if err != nil {
		return nil, false, err
	}

	results, err := client.BatchResults(ctx, id)
	if err != nil {
		if poll.state != batchCompleted {
			// An unfinished batch has no results to fetch.
			log.Printf("[Research] Batch %s timed out after %s with no retrievable results",
				id, poll.elapsed.Round(time.Second))
			return map[string]Output{}, true, nil
		}
		return nil, false, fmt.Errorf("fetch batch results: %w", err)
	}

	outputs := make(map[string]Output, len(results))
	for _, res := range results {
		role, ok := p.byName[res.CustomID]
		if !ok {
			log.Printf("[Research] Ignoring result for unknown worker %q", res.CustomID)
			continue
		}
		if res.Err != nil {
			log.Printf("[Research] Worker %s failed: %v", role.Name, res.Err)
			observability.RecordWorkerOutput(role.Name, "errored")
			continue
		}
		outputs[role.Name] = p.workerOutput(role, res.Response)
		observability.RecordWorkerOutput(role.Name, "succeeded")
	}
	return outputs, poll.state != batchCompleted, nil
}

// runDirect is the fallback for providers without a batch API: bounded
// concurrent completions under the same deadline. Worker failures are
// recorded, never propagated, so one bad role cannot sink the wave.
func (p *Pool) runDirect(ctx context.Context, topic string) (map[string]Output, bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	var mu sync.Mutex
	outputs := make(map[string]Output, len(p.roster))

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(p.concurrency)
	for _, role := range p.roster {
		g.Go(func() error {
			resp, err := p.provider.CreateCompletion(gctx, p.workerRequest(role, topic))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("[Research] Worker %s failed: %v", role.Name, err)
				observability.RecordWorkerOutput(role.Name, "errored")
				return nil
			}
			outputs[role.Name] = p.workerOutput(role, resp)
			observability.RecordWorkerOutput(role.Name, "succeeded")
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	return outputs, runCtx.Err() != nil, nil
}

func (p *Pool) runSynthesis(ctx context.Context, topic string, outputs map[string]Output) (Output, error) {
	req := provider.CompletionRequest{
		System:      p.synthesis.Focus,
		Messages:    []provider.Message{{Role: "user", Content: synthesisPrompt(topic, p.roster, outputs)}},
		Model:       p.model,
		Temperature: workerTemperature,
		MaxTokens:   synthesisMaxTokens,
	}
	resp, err := p.provider.CreateCompletion(ctx, req)
	if err != nil {
		return Output{}, err
	}
	return p.workerOutput(p.synthesis, resp), nil
}

func (p *Pool) workerRequest(role Role, topic string) provider.CompletionRequest {
	return provider.CompletionRequest{
		System:      role.Focus,
		Messages:    []provider.Message{{Role: "user", Content: role.Prompt(topic)}},
		Model:       p.model,
		Temperature: workerTemperature,
		MaxTokens:   p.maxWorkerTokens,
	}
}

func (p *Pool) workerOutput(role Role, resp *provider.CompletionResponse) Output {
	out := Output{Role: role.Name, Title: role.Title, Text: resp.Content}
	out.Tokens = resp.Usage.CompletionTokens
	if out.Tokens == 0 {
		out.Tokens = len(out.Text) / 4
	}
	return out
}

func (p *Pool) missingRoles(outputs map[string]Output) []string {
	var missing []string
	for _, role := range p.roster {
		if _, ok := outputs[role.Name]; !ok {
			missing = append(missing, role.Name)
		}
	}
	if _, ok := outputs[p.synthesis.Name]; !ok {
		missing = append(missing, p.synthesis.Name)
	}
	return missing
}

type batchPoll int

const (
	batchCompleted batchPoll = iota
	batchPartial
	batchTimedOut
)

type pollResult struct {
	state   batchPoll
	counts  provider.BatchRequestCounts
	elapsed time.Duration
}

// pollBatch waits for a batch with a hard ceiling. It checks status on
// every interval tick, reports progress on the progress cadence, and
// returns a tagged result at the deadline instead of looping on.
func pollBatch(ctx context.Context, client provider.BatchProvider, id string, interval, progressEvery, deadline time.Duration) (pollResult, error) {
	start := time.Now()
	nextProgress := progressEvery

	expire := time.NewTimer(deadline)
	defer expire.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		status, err := client.GetBatch(ctx, id)
		if err != nil {
			return pollResult{}, fmt.Errorf("poll batch %s: %w", id, err)
		}

		elapsed := time.Since(start)
		if status.Done() {
			return pollResult{state: batchCompleted, counts: status.Counts, elapsed: elapsed}, nil
		}

		if elapsed >= nextProgress {
			log.Printf("[Research] %s elapsed: %d/%d workers complete",
				elapsed.Round(time.Second), status.Counts.Succeeded, status.Total())
			nextProgress += progressEvery
		}

		select {
		case <-ctx.Done():
			return pollResult{}, ctx.Err()
		case <-expire.C:
			state := batchTimedOut
			if status.Counts.Succeeded > 0 {
				state = batchPartial
			}
			return pollResult{state: state, counts: status.Counts, elapsed: time.Since(start)}, nil
		case <-tick.C:
		}
	}
}
