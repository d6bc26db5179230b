// Package cost estimates the dollar cost of LLM calls from token counts.
// Prices are USD per million tokens and cover the models the registered
// providers default to. Unknown models estimate to nothing rather than
// guessing; local models price at zero.
package cost

import (
	"sort"
	"strings"
	"sync"
)

// Pricing is per-token pricing for one model family, in USD per million
// tokens. The Model field is matched as a prefix, so one entry covers
// dated releases of the same family.
type Pricing struct {
	Model       string
	InputPer1M  float64
	OutputPer1M float64
}

// Cost is an estimated spend in USD.
type Cost struct {
	Input  float64
	Output float64
	Total  float64
}

// Add accumulates another estimate into c.
func (c *Cost) Add(other Cost) {
	c.Input += other.Input
	c.Output += other.Output
	c.Total += other.Total
}

// Prices as of mid 2026. Bedrock model IDs carry the vendor prefix and
// price the same as the direct API.
var defaultPricing = []Pricing{
	{Model: "claude-opus-4", InputPer1M: 15.0, OutputPer1M: 75.0},
	{Model: "claude-sonnet-4", InputPer1M: 3.0, OutputPer1M: 15.0},
	{Model: "claude-haiku-4", InputPer1M: 1.0, OutputPer1M: 5.0},
	{Model: "claude-3-5-haiku", InputPer1M: 0.8, OutputPer1M: 4.0},

	{Model: "gpt-4o", InputPer1M: 2.5, OutputPer1M: 10.0},
	{Model: "gpt-4o-mini", InputPer1M: 0.15, OutputPer1M: 0.6},
	{Model: "gpt-4.1", InputPer1M: 2.0, OutputPer1M: 8.0},
	{Model: "gpt-4.1-mini", InputPer1M: 0.4, OutputPer1M: 1.6},
	{Model: "o3", InputPer1M: 2.0, OutputPer1M: 8.0},

	{Model: "gemini-2.5-pro", InputPer1M: 1.25, OutputPer1M: 10.0},
	{Model: "gemini-2.5-flash", InputPer1M: 0.3, OutputPer1M: 2.5},
	{Model: "gemini-2.0-flash", InputPer1M: 0.1, OutputPer1M: 0.4},

	{Model: "anthropic.claude-3-5-sonnet", InputPer1M: 3.0, OutputPer1M: 15.0},
	{Model: "anthropic.claude-3-5-haiku", InputPer1M: 0.8, OutputPer1M: 4.0},

	// Local models run on the caller's hardware.
	{Model: "llama", InputPer1M: 0, OutputPer1M: 0},
	{Model: "qwen", InputPer1M: 0, OutputPer1M: 0},
	{Model: "mistral", InputPer1M: 0, OutputPer1M: 0},
	{Model: "phi", InputPer1M: 0, OutputPer1M: 0},
	{Model: "gemma", InputPer1M: 0, OutputPer1M: 0},
}

// Calculator maps model names to pricing. Lookup tries an exact match
// first, then the longest matching prefix, so "claude-sonnet-4-5-20250929"
// prices as its family rather than missing the table.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]Pricing
}

// NewCalculator returns a calculator loaded with the default price table.
func NewCalculator() *Calculator {
	c := &Calculator{pricing: make(map[string]Pricing, len(defaultPricing))}
	for _, p := range defaultPricing {
		c.pricing[p.Model] = p
	}
	return c
}

// AddPricing adds or replaces pricing for a model family.
func (c *Calculator) AddPricing(p Pricing) {
	if p.Model == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[p.Model] = p
}

// PricingFor returns the pricing entry that would price the given model.
func (c *Calculator) PricingFor(model string) (Pricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.pricing[model]; ok {
		return p, true
	}

	// Longest prefix wins so a dated release never falls through to a
	// shorter, differently priced family.
	keys := make([]string, 0, len(c.pricing))
	for k := range c.pricing {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		if strings.HasPrefix(model, k) {
			return c.pricing[k], true
		}
	}
	return Pricing{}, false
}

// Estimate prices a single completion call. The bool reports whether the
// model was found in the price table; callers should skip reporting when
// it is false instead of treating the call as free.
func (c *Calculator) Estimate(model string, promptTokens, completionTokens int) (Cost, bool) {
	p, ok := c.PricingFor(model)
	if !ok {
		return Cost{}, false
	}
	cost := Cost{
		Input:  float64(promptTokens) / 1_000_000 * p.InputPer1M,
		Output: float64(completionTokens) / 1_000_000 * p.OutputPer1M,
	}
	cost.Total = cost.Input + cost.Output
	return cost, true
}

// Models returns the model families with pricing, sorted.
func (c *Calculator) Models() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	models := make([]string, 0, len(c.pricing))
	for model := range c.pricing {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// Default is the shared calculator used by provider instrumentation.
var Default = NewCalculator()

// Estimate prices a call against the default calculator.
func Estimate(model string, promptTokens, completionTokens int) (Cost, bool) {
	return Default.Estimate(model, promptTokens, completionTokens)
}
