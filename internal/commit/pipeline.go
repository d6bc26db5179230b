// Package commit turns finished research cycles into graph episodes and
// writes them to the store.
//
// Chunking follows a fixed policy: one episode per worker role plus one
// distilled refinement episode, committed serially with the workers first so
// the interpretive episode never lands before the facts it refers to. The
// store performs several internal LLM calls per episode, so writes are never
// parallelized and retriable failures back off hard (a minute, doubling).
// Every successful write is recorded on the session before the next begins,
// which is what makes an interrupted commit resumable: a rerun skips episode
// keys that already carry a store ID and resubmits only the remainder.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/epigraph-dev/epigraph/internal/research"
	"github.com/epigraph-dev/epigraph/internal/verbalize"
	"github.com/epigraph-dev/epigraph/pkg/graph"
	"github.com/epigraph-dev/epigraph/pkg/graph/memory"
	"github.com/epigraph-dev/epigraph/pkg/observability"
	"github.com/epigraph-dev/epigraph/pkg/ontology"
	"github.com/epigraph-dev/epigraph/pkg/session"
)

const (
	// DefaultGroup is the graph namespace episodes land in when the config
	// names none. A single global namespace is deliberate: cross-session
	// retrieval is the whole point of the graph.
	DefaultGroup = "epigraph_research"

	// DefaultAttempts bounds the per-episode retry loop.
	DefaultAttempts = 3

	// DefaultInitialBackoff is the first retry delay. The store's rate
	// limits come from its backing LLM account, so short waits never help.
	DefaultInitialBackoff = 60 * time.Second
)

// Artifact names shared with the layer that stores research outputs. Worker
// artifacts are keyed by role name; the structured form carries the suffix.
const (
	// StructuredSuffix marks a worker artifact rewritten for graph
	// extraction. "academic_research_structured" is the committable form of
	// "academic_research".
	StructuredSuffix = "_structured"

	// ArtifactRefinementContext is the raw refinement-log snapshot taken
	// when a cycle finishes, kept for audit.
	ArtifactRefinementContext = "refinement_context"

	// ArtifactRefinementDistilled is the distilled refinement dialogue, the
	// body of the cycle's final episode.
	ArtifactRefinementDistilled = "refinement_distilled"

	// ArtifactNarrative is the human-readable synthesis written for the
	// user. It is never committed to the graph.
	ArtifactNarrative = "narrative"
)

// refinementKey is the episode key for the distilled-context episode; the
// worker episodes use their role names.
const (
	refinementKey   = "refinement"
	refinementTitle = "Refinement"
)

// ErrNothingToCommit is returned by Retroactive when no finished cycle has
// uncommitted artifacts left.
var ErrNothingToCommit = errors.New("no finished cycle with uncommitted artifacts")

// Config tunes the pipeline. Zero values take the defaults above.
type Config struct {
	// Group is the graph namespace. Sanitized into [A-Za-z0-9_-] at
	// construction so a session name with spaces can never poison it.
	Group string

	// Roster is the first-wave worker roster, in commit order. The
	// critical-synthesis role is always appended.
	Roster []research.Role

	// Attempts bounds retries per episode for retriable store errors.
	Attempts int

	// InitialBackoff is the first retry delay; it doubles per attempt.
	InitialBackoff time.Duration

	// DryRun routes writes to an in-memory store that applies full episode
	// validation. The session record is left untouched.
	DryRun bool
}

// CommittedEpisode records one episode that reached the store.
type CommittedEpisode struct {
	// Key is the episode's key within the cycle (role name, or
	// "refinement").
	Key string
	// Name is the full episode name sent to the store.
	Name string
	// ID is the store-assigned identifier.
	ID string
}

// Result reports what one pipeline invocation did. Outstanding names the
// episode keys that still have no store ID, in commit order, so a retry
// resubmits exactly the remainder. Err carries the first store failure;
// partial commits are normal operation, not a function error.
type Result struct {
	Cycle       int
	Committed   []CommittedEpisode
	Outstanding []string
	Err         error
}

// Pipeline commits research cycles to a graph store. One instance serves
// all sessions; per-cycle state lives on the session record.
type Pipeline struct {
	store          graph.Store
	backend        session.StorageBackend
	structurer     *verbalize.Structurer
	roles          []research.Role
	group          string
	attempts       int
	initialBackoff time.Duration
	dryRun         bool
}

// NewPipeline creates a pipeline over the given store and session storage.
// The structurer covers the fallback paths: structuring raw worker text when
// no structured artifact was stored, and distilling a live refinement log.
// In dry-run mode the store argument is ignored (it may be nil) and writes
// go to a fresh in-memory store instead.
func NewPipeline(store graph.Store, backend session.StorageBackend, structurer *verbalize.Structurer, cfg Config) (*Pipeline, error) {
	if cfg.DryRun {
		store = memory.New()
	}
	if store == nil {
		return nil, fmt.Errorf("commit pipeline requires a graph store")
	}
	if backend == nil {
		return nil, fmt.Errorf("commit pipeline requires session storage")
	}
	if structurer == nil {
		return nil, fmt.Errorf("commit pipeline requires a structurer")
	}

	rawGroup := cfg.Group
	if rawGroup == "" {
		rawGroup = DefaultGroup
	}
	group, err := ontology.SanitizeGroupID(rawGroup)
	if err != nil {
		return nil, fmt.Errorf("commit group: %w", err)
	}

	roster := cfg.Roster
	if len(roster) == 0 {
		roster = research.DefaultRoster()
	}
	roles := append(append([]research.Role(nil), roster...), research.SynthesisRole())

	p := &Pipeline{
		store:          store,
		backend:        backend,
		structurer:     structurer,
		roles:          roles,
		group:          group,
		attempts:       cfg.Attempts,
		initialBackoff: cfg.InitialBackoff,
		dryRun:         cfg.DryRun,
	}
	if p.attempts <= 0 {
		p.attempts = DefaultAttempts
	}
	if p.initialBackoff <= 0 {
		p.initialBackoff = DefaultInitialBackoff
	}
	return p, nil
}

// Group returns the sanitized graph namespace episodes are committed under.
func (p *Pipeline) Group() string {
	return p.group
}

// plannedEpisode pairs an episode key with the episode built for it.
type plannedEpisode struct {
	key     string
	episode graph.Episode
}

// CommitCycle commits one finished cycle's episodes to the store.
//
// Keys already present in the cycle's committed map are skipped, so calling
// it on a fully committed cycle is a no-op and calling it on a partially
// committed one resubmits only what is missing. Store failures do not abort
// the run: the remaining episodes are still attempted and the failures are
// reported through Result.Err and Result.Outstanding. The returned error is
// reserved for failures of the pipeline itself (unknown cycle, artifact
// storage, session persistence); when it is non-nil alongside a non-nil
// Result, the Result describes what had already reached the store.
func (p *Pipeline) CommitCycle(ctx context.Context, sess session.Session, index int) (*Result, error) {
	rec := sess.Record()
	cycle, ok := rec.Cycle(index)
	if !ok {
		return nil, fmt.Errorf("%w: %d", session.ErrNoSuchCycle, index)
	}
	if !cycle.Finished() {
		return nil, fmt.Errorf("cycle %d research is still running", index)
	}

	res := &Result{Cycle: index}
	if cycle.FullyCommitted() {
		log.Printf("[Commit] cycle %d of %s already committed, nothing to do", index, rec.SafeName)
		return res, nil
	}

	plan, err := p.buildPlan(ctx, &rec, cycle)
	if err != nil {
		return nil, err
	}
	if len(plan) == 0 && len(cycle.Committed) == 0 {
		return nil, fmt.Errorf("cycle %d of %s has no content to commit", index, rec.SafeName)
	}

	mode := "committing"
	if p.dryRun {
		mode = "dry run for"
	}
	log.Printf("[Commit] %s cycle %d of %s: %d episodes to write, %d already in the store",
		mode, index, rec.SafeName, len(plan), len(cycle.Committed))

	for i, item := range plan {
		if est := item.episode.TokenEstimate(); est < verbalize.TargetMinTokens || est > verbalize.TargetMaxTokens {
			log.Printf("[Commit] %s: body is ~%d tokens, outside the %d-%d target; committing unmodified",
				item.episode.Name, est, verbalize.TargetMinTokens, verbalize.TargetMaxTokens)
		}

		spanCtx, span := observability.StartSpan(ctx, "commit.episode", map[string]any{
			"episode.key":  item.key,
			"episode.name": item.episode.Name,
			"cycle.index":  index,
		})
		start := time.Now()
		stored, err := p.commitEpisode(spanCtx, item.episode)
		elapsed := time.Since(start)
		if err != nil {
			span.SetError(err)
			span.End()
			observability.RecordEpisodeCommit(item.key, "failed", elapsed)
			log.Printf("[Commit] episode %q failed: %v", item.episode.Name, err)
			res.Outstanding = append(res.Outstanding, item.key)
			if res.Err == nil {
				res.Err = fmt.Errorf("commit episode %q: %w", item.episode.Name, err)
			}
			if ctx.Err() != nil {
				for _, rest := range plan[i+1:] {
					res.Outstanding = append(res.Outstanding, rest.key)
				}
				break
			}
			continue
		}
		span.End()
		observability.RecordEpisodeCommit(item.key, "committed", elapsed)

		if p.dryRun {
			log.Printf("[Commit] dry run: validated %q (~%d tokens)", item.episode.Name, item.episode.TokenEstimate())
		} else {
			if err := sess.MarkCommitted(ctx, index, item.key, stored.EpisodeID); err != nil {
				res.Committed = append(res.Committed, CommittedEpisode{Key: item.key, Name: item.episode.Name, ID: stored.EpisodeID})
				return res, fmt.Errorf("record episode %q: %w", item.episode.Name, err)
			}
			log.Printf("[Commit] committed %q as %s in %s", item.episode.Name, stored.EpisodeID, elapsed.Round(time.Millisecond))
		}
		res.Committed = append(res.Committed, CommittedEpisode{Key: item.key, Name: item.episode.Name, ID: stored.EpisodeID})
	}

	if len(res.Outstanding) > 0 {
		log.Printf("[Commit] cycle %d incomplete: %d committed this run, outstanding %v",
			index, len(res.Committed), res.Outstanding)
		return res, nil
	}
	if p.dryRun {
		log.Printf("[Commit] dry run complete for cycle %d: %d episodes validated", index, len(res.Committed))
		return res, nil
	}

	// Order matters: drop the dialogue first, then stamp. If the stamp
	// fails the rerun sees every key already committed and only repeats
	// this step.
	if err := sess.ClearRefinementLog(ctx); err != nil {
		return res, fmt.Errorf("clear refinement log: %w", err)
	}
	if err := sess.FinalizeCommit(ctx, index); err != nil {
		return res, fmt.Errorf("finalize cycle %d: %w", index, err)
	}
	log.Printf("[Commit] cycle %d of %s fully committed: %d episodes this run, %d total",
		index, rec.SafeName, len(res.Committed), len(res.Committed)+len(cycle.Committed))
	return res, nil
}

// Retroactive finds the most recent finished cycle whose episodes never all
// reached the store and commits it from stored artifacts. Sessions written
// before commit bookkeeping existed resume cleanly: their cycles carry no
// committed IDs, so every stored episode is treated as outstanding.
func (p *Pipeline) Retroactive(ctx context.Context, sess session.Session) (*Result, error) {
	rec := sess.Record()
	for i := len(rec.Cycles) - 1; i >= 0; i-- {
		cycle := &rec.Cycles[i]
		if !cycle.Finished() || cycle.FullyCommitted() {
			continue
		}
		names, err := p.backend.ListArtifacts(ctx, rec.SafeName, cycle.Index)
		if err != nil {
			return nil, fmt.Errorf("list cycle %d artifacts: %w", cycle.Index, err)
		}
		if len(names) == 0 && len(cycle.Committed) == 0 {
			continue
		}
		log.Printf("[Commit] retroactive commit: session %s cycle %d", rec.SafeName, cycle.Index)
		return p.CommitCycle(ctx, sess, cycle.Index)
	}
	return nil, ErrNothingToCommit
}

// buildPlan assembles the cycle's episodes in commit order: workers in
// roster order, critical synthesis, refinement last. Keys already committed
// are skipped before any artifact is read, so a resumed commit does no
// redundant loading or structuring.
func (p *Pipeline) buildPlan(ctx context.Context, rec *session.Record, cycle *session.CycleRecord) ([]plannedEpisode, error) {
	prefix := rec.EpisodeName
	if prefix == "" {
		prefix = rec.Name
	}
	now := time.Now().UTC()

	var plan []plannedEpisode
	for _, role := range p.roles {
		if _, done := cycle.Committed[role.Name]; done {
			continue
		}
		body, err := p.workerBody(ctx, rec.SafeName, cycle.Index, role)
		if err != nil {
			return nil, err
		}
		if body == "" {
			log.Printf("[Commit] skipping %s for cycle %d: no output stored", role.Name, cycle.Index)
			continue
		}
		plan = append(plan, plannedEpisode{
			key: role.Name,
			episode: graph.Episode{
				Name:              prefix + " - " + role.Title,
				Body:              body,
				GroupID:           p.group,
				SourceDescription: workerSourceDescription(rec.Name, prefix, cycle, role.Title, p.group, now),
				Reference:         now,
			},
		})
	}

	if _, done := cycle.Committed[refinementKey]; !done {
		distilled, err := p.refinementContext(ctx, rec, cycle.Index)
		if err != nil {
			return nil, err
		}
		if distilled != "" {
			plan = append(plan, plannedEpisode{
				key: refinementKey,
				episode: graph.Episode{
					Name:              prefix + " - " + refinementTitle,
					Body:              refinementEpisodeBody(cycle.Topic, distilled),
					GroupID:           p.group,
					SourceDescription: refinementSourceDescription(rec.Name, prefix, cycle, p.group, now),
					Reference:         now,
				},
			})
		}
	}
	return plan, nil
}

// workerBody returns the committable text for one role: the stored
// structured artifact when present, otherwise the raw artifact structured on
// the spot. An absent or blank artifact returns empty, which the caller
// treats as a role that produced nothing this cycle.
func (p *Pipeline) workerBody(ctx context.Context, safeName string, cycle int, role research.Role) (string, error) {
	structured, err := p.backend.LoadArtifact(ctx, safeName, cycle, role.Name+StructuredSuffix)
	if err == nil {
		return strings.TrimSpace(structured), nil
	}
	if !errors.Is(err, session.ErrArtifactNotFound) {
		return "", fmt.Errorf("load %s artifact: %w", role.Name, err)
	}

	raw, err := p.backend.LoadArtifact(ctx, safeName, cycle, role.Name)
	if errors.Is(err, session.ErrArtifactNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load %s artifact: %w", role.Name, err)
	}
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}

	log.Printf("[Commit] structuring raw %s output for cycle %d", role.Name, cycle)
	structured, err = p.structurer.Structure(ctx, role.Title, raw)
	if err != nil {
		return "", err
	}
	if !p.dryRun {
		if err := p.backend.SaveArtifact(ctx, safeName, cycle, role.Name+StructuredSuffix, structured); err != nil {
			log.Printf("[Commit] could not store structured %s output: %v", role.Name, err)
		}
	}
	return structured, nil
}

// refinementContext returns the distilled dialogue for the cycle's final
// episode: the stored artifact when present, otherwise a live distillation
// of the session's refinement log. Empty means the cycle has no refinement
// episode, which is legal.
func (p *Pipeline) refinementContext(ctx context.Context, rec *session.Record, cycle int) (string, error) {
	stored, err := p.backend.LoadArtifact(ctx, rec.SafeName, cycle, ArtifactRefinementDistilled)
	if err == nil {
		return strings.TrimSpace(stored), nil
	}
	if !errors.Is(err, session.ErrArtifactNotFound) {
		return "", fmt.Errorf("load refinement artifact: %w", err)
	}
	if len(rec.RefinementLog) == 0 {
		return "", nil
	}

	log.Printf("[Commit] distilling refinement log for cycle %d (%d exchanges)", cycle, len(rec.RefinementLog))
	distilled, err := p.structurer.Distill(ctx, rec.RefinementLog)
	if err != nil {
		return "", err
	}
	if distilled != "" && !p.dryRun {
		if err := p.backend.SaveArtifact(ctx, rec.SafeName, cycle, ArtifactRefinementDistilled, distilled); err != nil {
			log.Printf("[Commit] could not store distilled refinement context: %v", err)
		}
	}
	return distilled, nil
}

// commitEpisode writes one episode, backing off on retriable store errors.
// The delay doubles per attempt and the wait honors cancellation. Fatal
// errors return immediately: resubmitting a rejected episode unchanged
// cannot succeed.
func (p *Pipeline) commitEpisode(ctx context.Context, ep graph.Episode) (*graph.EpisodeResult, error) {
	delay := p.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		res, err := p.store.AddEpisode(ctx, ep)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !graph.IsRetryable(err) {
			return nil, err
		}
		if attempt == p.attempts {
			break
		}
		observability.RecordCommitRetry()
		log.Printf("[Commit] %s: retriable store error, waiting %s before attempt %d/%d: %v",
			ep.Name, delay, attempt+1, p.attempts, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", p.attempts, lastErr)
}

func workerSourceDescription(sessionName, episodeName string, cycle *session.CycleRecord, title, group string, now time.Time) string {
	return fmt.Sprintf(`[METADATA]
Research Session: %s
Episode: %s
Cycle: %d (%s)
Worker: %s
Group ID: %s
Committed: %s

[CONTEXT]
%s findings for the research topic: %q.
Part of the %s research session.`,
		sessionName, episodeName, cycle.Index, cycle.Kind, title, group, now.Format(time.RFC3339),
		title, cycle.Topic, sessionName)
}

func refinementSourceDescription(sessionName, episodeName string, cycle *session.CycleRecord, group string, now time.Time) string {
	return fmt.Sprintf(`[METADATA]
Research Session: %s
Episode: %s
Cycle: %d (%s)
Type: Refinement Context
Group ID: %s
Committed: %s

[CONTEXT]
Mental models, reframings, constraints, and priorities from the dialogue that framed this research.
Records why the cycle was run, not what it found.`,
		sessionName, episodeName, cycle.Index, cycle.Kind, group, now.Format(time.RFC3339))
}

// refinementEpisodeBody frames the distilled context so the extractor reads
// it as interpretation of the named query rather than as findings.
func refinementEpisodeBody(topic, distilled string) string {
	return fmt.Sprintf("Research Query: %s\nEpisode Type: Refinement Context\n\nDISTILLED CONTEXT:\n%s", topic, distilled)
}
