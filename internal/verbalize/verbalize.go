// Package verbalize is the second stage of the two-stage pipeline: the
// research pool produces unconstrained prose, and this package rewrites it
// so abstract strategic concepts become named entities the graph store's
// extractor can see. The raw prose is never modified; both forms are kept.
package verbalize

import (
	"context"
	"fmt"
	"strings"

	"github.com/epigraph-dev/epigraph/internal/llm/provider"
	"github.com/epigraph-dev/epigraph/internal/research"
	"github.com/epigraph-dev/epigraph/pkg/ontology"
	"github.com/epigraph-dev/epigraph/pkg/session"
)

// Episode bodies in this range extract best. Outside it the commit
// pipeline warns but never truncates: losing content to fit a budget is
// a defect, a degraded extraction is not.
const (
	TargetMinTokens = 1400
	TargetMaxTokens = 2600
)

const (
	structureTemperature = 0.2
	structureMaxTokens   = 8000
	distillTemperature   = 0.2
	distillMaxTokens     = 2000
	narrativeTemperature = 0.4
	narrativeMaxTokens   = 2000
)

// Config selects the models used for each operation. Empty strings take
// the provider's default model.
type Config struct {
	Model string
	// NarrativeModel may name a stronger model: the narrative is the one
	// output written for the user rather than the extractor.
	NarrativeModel string
}

// Structurer rewrites research prose into its graph-extractable form and
// distills refinement dialogue. One instance serves a whole session.
type Structurer struct {
	provider       provider.Provider
	registry       *ontology.Registry
	model          string
	narrativeModel string
}

// NewStructurer creates a structurer over the given provider. A nil
// registry uses the default ontology.
func NewStructurer(p provider.Provider, registry *ontology.Registry, cfg Config) *Structurer {
	if registry == nil {
		registry = ontology.Default()
	}
	return &Structurer{
		provider:       p,
		registry:       registry,
		model:          cfg.Model,
		narrativeModel: cfg.NarrativeModel,
	}
}

// Structure rewrites one worker's prose so tier-2 and tier-3 concepts are
// explicitly named entities and relationships use the registry's verbs.
// The contract is zero information loss: the prompt demands preservation
// of every insight, and expansion over compression. Empty prose returns
// empty without a model call.
func (s *Structurer) Structure(ctx context.Context, role, prose string) (string, error) {
	if strings.TrimSpace(prose) == "" {
		return "", nil
	}

	resp, err := s.provider.CreateCompletion(ctx, provider.CompletionRequest{
		System:      structureSystem(s.registry),
		Messages:    []provider.Message{{Role: "user", Content: structureMessage(role, prose)}},
		Model:       s.model,
		Temperature: structureTemperature,
		MaxTokens:   structureMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("structure %s output: %w", role, err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// Distill extracts the strategic signal from a refinement dialogue:
// mental models, corrections, hard constraints, priority ordering, and
// synthesis instructions. Conversational filler is dropped. An empty log
// distills to empty without a model call, and the caller skips the
// refinement episode entirely.
func (s *Structurer) Distill(ctx context.Context, log []session.Exchange) (string, error) {
	if len(log) == 0 {
		return "", nil
	}

	resp, err := s.provider.CreateCompletion(ctx, provider.CompletionRequest{
		System:      distillSystem,
		Messages:    []provider.Message{{Role: "user", Content: distillMessage(log)}},
		Model:       s.model,
		Temperature: distillTemperature,
		MaxTokens:   distillMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("distill refinement log: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// Narrative synthesizes the cycle's outputs into prose for the user. It
// is saved as a session artifact and never committed to the graph.
func (s *Structurer) Narrative(ctx context.Context, topic string, outputs []research.Output) (string, error) {
	if len(outputs) == 0 {
		return "", nil
	}

	model := s.narrativeModel
	if model == "" {
		model = s.model
	}
	resp, err := s.provider.CreateCompletion(ctx, provider.CompletionRequest{
		System:      narrativeSystem,
		Messages:    []provider.Message{{Role: "user", Content: narrativeMessage(topic, outputs)}},
		Model:       model,
		Temperature: narrativeTemperature,
		MaxTokens:   narrativeMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("synthesize narrative: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// EstimateTokens is the 4-bytes-per-token heuristic used for size
// advisories. It is reporting only; nothing is ever truncated to fit.
func EstimateTokens(s string) int {
	return len(s) / 4
}
