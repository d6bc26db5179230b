package graph

import (
	"fmt"
	"time"

	"github.com/epigraph-dev/epigraph/pkg/ontology"
)

// Episode is one immutable unit of text committed to the graph store.
// Corrections are made by writing new, later-stamped episodes, never by
// editing in place.
type Episode struct {
	// Name identifies the episode, e.g. "Downmarket Strategy - Academic Research".
	Name string `json:"name"`

	// Body is the text payload. Target density is 1,400-2,600 tokens; the
	// store extracts sparsely from far larger payloads and per-call
	// overhead dominates far smaller ones. Size is advisory, never
	// enforced: an oversized body still commits unmodified.
	Body string `json:"episode_body"`

	// GroupID is the namespace the episode lands in. Restricted to
	// [A-Za-z0-9_-]; the store rejects anything else, path separators
	// included.
	GroupID string `json:"group_id"`

	// SourceDescription carries metadata the store has no structured field
	// for: cycle type, session name, timestamps, cross-references.
	SourceDescription string `json:"source_description"`

	// Reference is the episode's validity timestamp. It must carry a
	// timezone: the store records a null validity time for naive values,
	// which makes the episode invisible to time-bounded retrieval.
	Reference time.Time `json:"reference_time"`
}

// TokenEstimate is the rough token count of the body (4 bytes per token
// heuristic), used for size advisories in logs.
func (e Episode) TokenEstimate() int {
	return len(e.Body) / 4
}

// Validate checks the invariants the store enforces server-side, so a
// malformed episode fails here with a clear message instead of burning a
// network round trip and an extraction attempt.
func (e Episode) Validate() error {
	if e.Name == "" {
		return &StoreError{Code: ErrCodeValidation, Message: "episode name is empty"}
	}
	if e.Body == "" {
		return &StoreError{Code: ErrCodeValidation, Message: fmt.Sprintf("episode %q has an empty body", e.Name)}
	}
	if err := ontology.ValidateGroupID(e.GroupID); err != nil {
		return &StoreError{Code: ErrCodeValidation, Message: fmt.Sprintf("episode %q: %v", e.Name, err)}
	}
	if e.Reference.IsZero() {
		return &StoreError{Code: ErrCodeValidation, Message: fmt.Sprintf("episode %q has no reference time", e.Name)}
	}
	return nil
}

// NormalizeReference returns the episode with its reference time converted
// to UTC. Backends serialize the reference as RFC3339, which always carries
// the offset, so a normalized episode can never produce the null validity
// timestamp the store records for zoneless values.
func (e Episode) NormalizeReference() Episode {
	e.Reference = e.Reference.UTC()
	return e
}
