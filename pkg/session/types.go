// Package session tracks the lifecycle of a research session and persists it
// across process restarts. A session moves through a fixed set of states
// (tasking, research, refinement, commit, complete); every accepted input
// mutates the record and is written to the storage backend before the next
// input is considered, so a crashed process resumes from the persisted record
// alone.
package session

import (
	"time"
)

// State is a research session lifecycle state.
type State string

const (
	// StateTasking is the initial dialogue where the query is refined and an
	// episode name is agreed.
	StateTasking State = "TASKING"
	// StateResearch covers an in-flight research cycle.
	StateResearch State = "RESEARCH"
	// StateRefinement is the post-research dialogue over the findings.
	StateRefinement State = "REFINEMENT"
	// StateCommit covers episode construction and graph ingestion.
	StateCommit State = "COMMIT"
	// StateComplete is terminal.
	StateComplete State = "COMPLETE"
)

// transitions is the complete set of legal state changes. Refinement may loop
// back into research (deep-research cycles) and a failed commit returns to
// refinement so the session is never stranded.
var transitions = map[State][]State{
	StateTasking:    {StateResearch},
	StateResearch:   {StateRefinement},
	StateRefinement: {StateResearch, StateCommit},
	StateCommit:     {StateRefinement, StateComplete},
	StateComplete:   {},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the state machine permits moving to next.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Speaker labels for refinement exchanges.
const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Cycle kinds. The first cycle of a session is "initial"; cycles spawned from
// refinement are "deep".
const (
	CycleInitial = "initial"
	CycleDeep    = "deep"
)

// Exchange is a single turn of the refinement dialogue.
type Exchange struct {
	Speaker string    `json:"speaker" firestore:"speaker"`
	Text    string    `json:"text" firestore:"text"`
	At      time.Time `json:"at" firestore:"at"`
}

// CycleRecord tracks one research cycle from fan-out through graph commit.
// Committed maps episode keys to store-assigned episode IDs so an interrupted
// commit can resume without duplicating episodes.
type CycleRecord struct {
	// Index is 1-based and matches the cycle's artifact directory.
	Index     int       `json:"index" firestore:"index"`
	Topic     string    `json:"topic" firestore:"topic"`
	Kind      string    `json:"kind" firestore:"kind"`
	StartedAt time.Time `json:"startedAt" firestore:"started_at"`
	// FinishedAt is zero while the cycle's research is still running.
	FinishedAt time.Time `json:"finishedAt,omitempty" firestore:"finished_at"`
	// Roles lists the worker roles that produced output this cycle.
	Roles []string `json:"roles,omitempty" firestore:"roles"`
	// Missing lists roles that produced nothing before the deadline.
	Missing   []string          `json:"missing,omitempty" firestore:"missing"`
	Committed map[string]string `json:"committed,omitempty" firestore:"committed"`
	// CommittedAt is set once every episode of the cycle reached the store.
	CommittedAt time.Time `json:"committedAt,omitempty" firestore:"committed_at"`
}

// Finished reports whether the cycle's research phase has ended.
func (c *CycleRecord) Finished() bool {
	return !c.FinishedAt.IsZero()
}

// FullyCommitted reports whether the cycle's commit was finalized.
func (c *CycleRecord) FullyCommitted() bool {
	return !c.CommittedAt.IsZero()
}

// Record is the persisted form of a session. It is the single source of truth
// for crash recovery: everything needed to resume lives here or in the cycle
// artifacts stored next to it.
type Record struct {
	ID       string `json:"id" firestore:"id"`
	Name     string `json:"name" firestore:"name"`
	SafeName string `json:"safeName" firestore:"safe_name"`
	State    State  `json:"state" firestore:"state"`
	// Query is the current research query; OriginalQuery preserves what the
	// user first asked before tasking refined it.
	Query         string        `json:"query" firestore:"query"`
	OriginalQuery string        `json:"originalQuery" firestore:"original_query"`
	EpisodeName   string        `json:"episodeName,omitempty" firestore:"episode_name"`
	RefinementLog []Exchange    `json:"refinementLog,omitempty" firestore:"refinement_log"`
	Cycles        []CycleRecord `json:"cycles,omitempty" firestore:"cycles"`
	CreatedAt     time.Time     `json:"createdAt" firestore:"created_at"`
	UpdatedAt     time.Time     `json:"updatedAt" firestore:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	if r.RefinementLog != nil {
		out.RefinementLog = make([]Exchange, len(r.RefinementLog))
		copy(out.RefinementLog, r.RefinementLog)
	}
	if r.Cycles != nil {
		out.Cycles = make([]CycleRecord, len(r.Cycles))
		for i, c := range r.Cycles {
			cc := c
			if c.Roles != nil {
				cc.Roles = append([]string(nil), c.Roles...)
			}
			if c.Missing != nil {
				cc.Missing = append([]string(nil), c.Missing...)
			}
			if c.Committed != nil {
				cc.Committed = make(map[string]string, len(c.Committed))
				for k, v := range c.Committed {
					cc.Committed[k] = v
				}
			}
			out.Cycles[i] = cc
		}
	}
	return &out
}

// Cycle returns the cycle with the given 1-based index.
func (r *Record) Cycle(index int) (*CycleRecord, bool) {
	if index < 1 || index > len(r.Cycles) {
		return nil, false
	}
	return &r.Cycles[index-1], true
}

// ActiveCycle returns the index of the cycle whose research is still running,
// if any. At most one cycle is active at a time.
func (r *Record) ActiveCycle() (int, bool) {
	if n := len(r.Cycles); n > 0 && !r.Cycles[n-1].Finished() {
		return r.Cycles[n-1].Index, true
	}
	return 0, false
}
