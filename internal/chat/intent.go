package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/epigraph-dev/epigraph/internal/llm/provider"
	"github.com/epigraph-dev/epigraph/pkg/session"
)

// Intent is the classified meaning of a refinement-phase input.
type Intent string

const (
	IntentRefine       Intent = "refine"
	IntentDeepResearch Intent = "deep_research"
	IntentCommit       Intent = "commit"
	IntentEndSession   Intent = "end_session"
	IntentUnclear      Intent = "unclear"
)

const (
	classifierTemperature = 0.3
	classifierMaxTokens   = 100

	mentorTemperature = 0.7
	mentorMaxTokens   = 1000

	refineQueryTemperature = 0.3
	refineQueryMaxTokens   = 500

	episodeNameMaxTokens = 100

	answerTemperature = 0.3
	answerMaxTokens   = 2000
)

// Verdict is the classifier's reply. Topic is set only for deep-research
// intents.
type Verdict struct {
	Intent Intent `json:"intent"`
	Topic  string `json:"topic,omitempty"`
}

// classifier runs the small structured-output calls the loop leans on:
// intent detection, readiness checks, query refinement, episode naming.
// Intent is always detected by the model, never by keyword matching; the
// chat loop's slash commands are the only literal matches.
type classifier struct {
	provider provider.Provider
	model    string
}

// Classify returns the intent behind one refinement-phase input.
// Replies the model mangles beyond parsing come back as IntentUnclear
// rather than an error: the loop asks the user instead of guessing.
func (c *classifier) Classify(ctx context.Context, input string, recent []session.Exchange) (Verdict, error) {
	resp, err := c.provider.CreateCompletion(ctx, provider.CompletionRequest{
		Messages:    []provider.Message{{Role: "user", Content: classifyMessage(input, recent)}},
		Model:       c.model,
		Temperature: classifierTemperature,
		MaxTokens:   classifierMaxTokens,
	})
	if err != nil {
		return Verdict{Intent: IntentUnclear}, fmt.Errorf("classify intent: %w", err)
	}
	return parseVerdict(resp.Content), nil
}

// Ready reports whether a tasking-phase input means "start the research".
func (c *classifier) Ready(ctx context.Context, input string) (bool, error) {
	resp, err := c.provider.CreateCompletion(ctx, provider.CompletionRequest{
		Messages:    []provider.Message{{Role: "user", Content: readyMessage(input)}},
		Model:       c.model,
		Temperature: classifierTemperature,
		MaxTokens:   classifierMaxTokens,
	})
	if err != nil {
		return false, fmt.Errorf("check readiness: %w", err)
	}
	return parseReady(resp.Content), nil
}

// RefineQuery folds the tasking conversation back into a single
// self-contained research question.
func (c *classifier) RefineQuery(ctx context.Context, query string, dialogue []session.Exchange) (string, error) {
	resp, err := c.provider.CreateCompletion(ctx, provider.CompletionRequest{
		Messages:    []provider.Message{{Role: "user", Content: refineQueryMessage(query, dialogue)}},
		Model:       c.model,
		Temperature: refineQueryTemperature,
		MaxTokens:   refineQueryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("refine query: %w", err)
	}
	refined := strings.TrimSpace(resp.Content)
	if refined == "" {
		return query, nil
	}
	return refined, nil
}

// ProposeEpisodeName suggests the 3-6 word name episodes will carry.
func (c *classifier) ProposeEpisodeName(ctx context.Context, query string) (string, error) {
	resp, err := c.provider.CreateCompletion(ctx, provider.CompletionRequest{
		Messages:    []provider.Message{{Role: "user", Content: episodeNameMessage(query)}},
		Model:       c.model,
		Temperature: classifierTemperature,
		MaxTokens:   episodeNameMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("propose episode name: %w", err)
	}
	name := strings.Trim(strings.TrimSpace(resp.Content), `"'`)
	if name == "" {
		return "", fmt.Errorf("model proposed an empty episode name")
	}
	return name, nil
}

// parseVerdict extracts the JSON verdict from a model reply, tolerating
// fenced code blocks and surrounding prose. Anything unparseable or outside
// the known intents collapses to unclear.
func parseVerdict(raw string) Verdict {
	text := jsonSpan(raw)
	var v Verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return Verdict{Intent: IntentUnclear}
	}
	v.Intent = Intent(strings.ToLower(strings.TrimSpace(string(v.Intent))))
	switch v.Intent {
	case IntentRefine, IntentDeepResearch, IntentCommit, IntentEndSession:
	default:
		v.Intent = IntentUnclear
	}
	v.Topic = strings.TrimSpace(v.Topic)
	return v
}

// parseReady reads the tasking readiness verdict. A mangled reply counts as
// "keep talking", the safe direction.
func parseReady(raw string) bool {
	var r struct {
		Proceed bool `json:"proceed"`
	}
	if err := json.Unmarshal([]byte(jsonSpan(raw)), &r); err != nil {
		return false
	}
	return r.Proceed
}

// jsonSpan trims a reply down to its outermost JSON object, which strips
// markdown fences and any prose the model wrapped around the verdict.
func jsonSpan(raw string) string {
	text := strings.TrimSpace(raw)
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			return text[i : j+1]
		}
	}
	return text
}
