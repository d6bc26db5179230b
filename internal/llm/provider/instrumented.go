package provider

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/epigraph-dev/epigraph/internal/llm/cost"
	"github.com/epigraph-dev/epigraph/pkg/observability"
)

// InstrumentedProvider wraps a Provider with tracing. Every completion call
// gets a span carrying model, token usage, estimated cost, duration, and
// error state; usage also feeds the token and spend counters.
type InstrumentedProvider struct {
	provider Provider
	enabled  bool
}

// NewInstrumentedProvider wraps a provider with tracing
func NewInstrumentedProvider(provider Provider, enabled bool) *InstrumentedProvider {
	return &InstrumentedProvider{provider: provider, enabled: enabled}
}

// WrapProvider wraps a provider with instrumentation if not already wrapped
func WrapProvider(provider Provider) Provider {
	if _, ok := provider.(*InstrumentedProvider); ok {
		return provider
	}
	return NewInstrumentedProvider(provider, true)
}

// Unwrap returns the underlying provider
func (p *InstrumentedProvider) Unwrap() Provider {
	return p.provider
}

// Name returns the underlying provider name
func (p *InstrumentedProvider) Name() string {
	return p.provider.Name()
}

// CreateCompletion creates a completion with automatic instrumentation
func (p *InstrumentedProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	if !p.enabled {
		return p.provider.CreateCompletion(ctx, request)
	}

	ctx, span := observability.StartSpanWithOtel(ctx, fmt.Sprintf("llm.%s.completion", p.provider.Name()),
		trace.WithAttributes(
			attribute.String("llm.provider", p.provider.Name()),
			attribute.String("llm.model", request.Model),
			attribute.Float64("llm.temperature", request.Temperature),
			attribute.Int("llm.max_tokens", request.MaxTokens),
			attribute.Int("llm.messages_count", len(request.Messages)),
		),
	)
	defer span.End()

	startTime := time.Now()
	response, err := p.provider.CreateCompletion(ctx, request)
	duration := time.Since(startTime)

	span.SetAttributes(
		attribute.Int64("llm.duration_ms", duration.Milliseconds()),
		attribute.Bool("llm.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("llm.error", err.Error()))
		return nil, err
	}

	if response != nil {
		span.SetAttributes(
			attribute.Int("llm.usage.prompt_tokens", response.Usage.PromptTokens),
			attribute.Int("llm.usage.completion_tokens", response.Usage.CompletionTokens),
			attribute.Int("llm.usage.total_tokens", response.Usage.TotalTokens),
			attribute.String("llm.finish_reason", response.FinishReason),
		)

		observability.RecordLLMTokens(p.provider.Name(), response.Usage.PromptTokens, response.Usage.CompletionTokens)
		if c, ok := cost.Estimate(request.Model, response.Usage.PromptTokens, response.Usage.CompletionTokens); ok {
			span.SetAttributes(attribute.Float64("llm.cost_usd", c.Total))
			observability.RecordLLMCost(p.provider.Name(), request.Model, c.Total)
		}
	}

	return response, nil
}
