// Package epigraph wires the research loop into one engine: sessions, the
// worker pool, verbalization, graph commits, the interactive chat, and the
// background sweeper, all built from a single Config. The CLI under
// cmd/epigraph is a thin caller of this package.
package epigraph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/epigraph-dev/epigraph/internal/chat"
	"github.com/epigraph-dev/epigraph/internal/commit"
	"github.com/epigraph-dev/epigraph/internal/llm/provider"
	"github.com/epigraph-dev/epigraph/internal/research"
	"github.com/epigraph-dev/epigraph/internal/sweep"
	"github.com/epigraph-dev/epigraph/internal/verbalize"
	"github.com/epigraph-dev/epigraph/pkg/config"
	"github.com/epigraph-dev/epigraph/pkg/graph"
	"github.com/epigraph-dev/epigraph/pkg/observability"
	"github.com/epigraph-dev/epigraph/pkg/ontology"
	"github.com/epigraph-dev/epigraph/pkg/session"

	// Graph backends register themselves on import.
	_ "github.com/epigraph-dev/epigraph/pkg/graph/graphiti"
	_ "github.com/epigraph-dev/epigraph/pkg/graph/memory"
)

// Engine owns every long-lived component of the system. Build one with
// New, run sessions through it, and Close it on the way out. All methods
// are safe for use from a single goroutine per session; the engine itself
// serves many sessions.
type Engine struct {
	cfg        *config.Config
	llm        provider.Provider
	store      graph.Store // nil in dry-run mode
	backend    session.StorageBackend
	manager    *session.Manager
	pool       *research.Pool
	structurer *verbalize.Structurer
	pipeline   *commit.Pipeline
	sweeper    *sweep.Sweeper
	ops        *observability.Server
}

// New builds an engine from the configuration. A nil cfg uses defaults.
//
// In dry-run mode no graph store is constructed: the commit pipeline
// validates and logs against an in-memory store instead, so the whole
// flow runs with no graph service reachable.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if exp := cfg.Observability.TracesExporter; exp != "" && exp != "none" {
		err := observability.InitTracing(observability.TracingConfig{
			Enabled:      true,
			ExporterType: exp,
			OTLPEndpoint: cfg.Observability.TracesEndpoint,
		})
		if err != nil {
			log.Printf("Warning: tracing disabled: %v", err)
		}
	}

	base, err := provider.NewProvider(cfg.LLM.Provider, cfg.LLM.FactoryConfig())
	if err != nil {
		return nil, fmt.Errorf("build %s provider: %w", cfg.LLM.Provider, err)
	}
	llm := provider.WrapProvider(base)

	registry := ontology.Default()

	var store graph.Store
	if !cfg.Commit.DryRun {
		store, err = graph.New(cfg.Graph, registry)
		if err != nil {
			return nil, fmt.Errorf("build %s graph store: %w", cfg.Graph.Backend, err)
		}
	}

	backend, err := cfg.Session.Open(ctx)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("open %s session backend: %w", cfg.Session.Backend, err)
	}
	manager := session.NewManager(backend)

	pool := research.NewPool(llm, research.Config{
		Roster:          rosterFromConfig(cfg.Research.Roles),
		PollInterval:    cfg.Research.PollInterval,
		ProgressEvery:   cfg.Research.ProgressEvery,
		Deadline:        cfg.Research.Deadline,
		MaxWorkerTokens: cfg.Research.MaxWorkerTokens,
		Concurrency:     cfg.Research.DirectConcurrency,
		Model:           cfg.LLM.Model,
	})

	structurer := verbalize.NewStructurer(llm, registry, verbalize.Config{
		Model:          cfg.LLM.Model,
		NarrativeModel: cfg.LLM.NarrativeModel,
	})

	pipeline, err := commit.NewPipeline(store, backend, structurer, commit.Config{
		Group:          cfg.Graph.GroupID,
		Roster:         pool.Roster(),
		Attempts:       cfg.Commit.Attempts,
		InitialBackoff: cfg.Commit.InitialBackoff,
		DryRun:         cfg.Commit.DryRun,
	})
	if err != nil {
		closeAll(store, manager)
		return nil, err
	}

	minIdle := cfg.Sweep.MinIdle
	if minIdle == 0 {
		minIdle = sweep.DefaultMinIdle
	}
	sweeper, err := sweep.New(manager, pipeline, sweep.Config{
		Schedule: cfg.Sweep.Schedule,
		MinIdle:  minIdle,
	})
	if err != nil {
		closeAll(store, manager)
		return nil, err
	}

	var ops *observability.Server
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		checker := observability.NewHealthChecker()
		if store != nil {
			checker.RegisterCheck(&observability.HealthCheck{
				Name:      "graph",
				CheckFunc: store.Ping,
				Critical:  true,
			})
		}
		checker.RegisterCheck(&observability.HealthCheck{
			Name: "sessions",
			CheckFunc: func(ctx context.Context) error {
				_, err := backend.ListRecords(ctx)
				return err
			},
		})
		ops = observability.NewServer(addr, checker)
	}

	return &Engine{
		cfg:        cfg,
		llm:        llm,
		store:      store,
		backend:    backend,
		manager:    manager,
		pool:       pool,
		structurer: structurer,
		pipeline:   pipeline,
		sweeper:    sweeper,
		ops:        ops,
	}, nil
}

// StartBackground launches the sweeper schedule and the ops server and
// returns. Close stops both. Short-lived commands skip this entirely.
func (e *Engine) StartBackground() error {
	if e.cfg.Sweep.Enabled {
		if err := e.sweeper.Start(); err != nil {
			return err
		}
	}
	if e.ops != nil {
		go func() {
			if err := e.ops.Start(); err != nil {
				log.Printf("[Engine] ops server: %v", err)
			}
		}()
		log.Printf("[Engine] ops server listening on %s", e.cfg.Observability.MetricsAddr)
	}
	return nil
}

// Close stops background work and releases every component. The first
// failure is returned; the rest are logged.
func (e *Engine) Close(ctx context.Context) error {
	e.sweeper.Stop()

	var first error
	fail := func(stage string, err error) {
		if err == nil {
			return
		}
		log.Printf("[Engine] closing %s: %v", stage, err)
		if first == nil {
			first = fmt.Errorf("closing %s: %w", stage, err)
		}
	}

	if e.ops != nil {
		fail("ops server", e.ops.Shutdown(ctx))
	}
	if e.store != nil {
		fail("graph store", e.store.Close())
	}
	fail("session backend", e.manager.Close())
	fail("tracing", observability.ShutdownTracing(ctx))
	return first
}

// CreateSession starts a session in the tasking state.
func (e *Engine) CreateSession(ctx context.Context, name, query string) (session.Session, error) {
	sess, err := e.manager.Create(ctx, name, query)
	if err != nil {
		return nil, err
	}
	e.refreshActiveSessions(ctx)
	return sess, nil
}

// Session loads an existing session by name.
func (e *Engine) Session(ctx context.Context, name string) (session.Session, error) {
	return e.manager.Get(ctx, name)
}

// Sessions lists every stored session record.
func (e *Engine) Sessions(ctx context.Context) ([]*session.Record, error) {
	return e.manager.List(ctx)
}

// Chat drives the session through the interactive loop on this process's
// terminal, from whatever state the session is in.
func (e *Engine) Chat(ctx context.Context, sess session.Session) error {
	loop := chat.NewLoop(e.llm, e, chat.Config{Model: e.cfg.LLM.Model})
	return loop.Run(ctx, sess)
}

// Research runs one full cycle for the session: open a cycle, fan out the
// worker pool, persist every output raw and structured, write the
// narrative and a snapshot of the refinement dialogue, then close the
// cycle recording which roles produced nothing.
//
// Structuring failures are not fatal here: the commit pipeline structures
// from the raw artifact on demand, so the cycle stays committable.
func (e *Engine) Research(ctx context.Context, sess session.Session, topic, kind string) error {
	rec := sess.Record()
	ctx, span := observability.StartSpan(ctx, "research.cycle", map[string]any{
		"session": rec.Name,
		"kind":    kind,
	})
	defer span.End()

	index, err := sess.BeginCycle(ctx, topic, kind)
	if err != nil {
		return err
	}

	outcome, err := e.pool.Run(ctx, topic)
	if err != nil {
		// Close the cycle so the session is never stuck holding an
		// active cycle nothing will finish.
		if ferr := sess.FinishCycle(ctx, index, nil, e.episodeKeys()); ferr != nil {
			log.Printf("[Engine] closing failed cycle %d: %v", index, ferr)
		}
		span.SetError(err)
		return fmt.Errorf("research cycle %d: %w", index, err)
	}

	roles := e.rolesWithSynthesis()
	var produced []string
	for _, role := range roles {
		out, ok := outcome.Outputs[role.Name]
		if !ok || strings.TrimSpace(out.Text) == "" {
			continue
		}
		if err := e.backend.SaveArtifact(ctx, rec.SafeName, index, role.Name, out.Text); err != nil {
			return fmt.Errorf("save %s output: %w", role.Name, err)
		}
		produced = append(produced, role.Name)

		structured, err := e.structurer.Structure(ctx, role.Title, out.Text)
		if err != nil {
			log.Printf("[Engine] structuring %s output: %v", role.Name, err)
			continue
		}
		if err := e.backend.SaveArtifact(ctx, rec.SafeName, index, role.Name+commit.StructuredSuffix, structured); err != nil {
			log.Printf("[Engine] storing structured %s output: %v", role.Name, err)
		}
	}

	narrative, err := e.structurer.Narrative(ctx, topic, orderedOutputs(roles, outcome.Outputs))
	if err != nil {
		log.Printf("[Engine] narrative synthesis: %v", err)
	} else if narrative != "" {
		if err := e.backend.SaveArtifact(ctx, rec.SafeName, index, commit.ArtifactNarrative, narrative); err != nil {
			log.Printf("[Engine] storing narrative: %v", err)
		}
	}

	if len(rec.RefinementLog) > 0 {
		snapshot := formatExchanges(rec.RefinementLog)
		if err := e.backend.SaveArtifact(ctx, rec.SafeName, index, commit.ArtifactRefinementContext, snapshot); err != nil {
			log.Printf("[Engine] storing refinement snapshot: %v", err)
		}
	}

	return sess.FinishCycle(ctx, index, produced, outcome.Missing)
}

// Commit writes the latest finished cycle's episodes to the graph.
func (e *Engine) Commit(ctx context.Context, sess session.Session) (*commit.Result, error) {
	rec := sess.Record()
	index, ok := latestFinishedCycle(&rec)
	if !ok {
		return nil, fmt.Errorf("session %q has no finished research cycle", rec.Name)
	}
	return e.pipeline.CommitCycle(ctx, sess, index)
}

// Retroactive commits everything the named session still owes the graph,
// including cycles from records that predate commit bookkeeping.
func (e *Engine) Retroactive(ctx context.Context, name string) (*commit.Result, error) {
	sess, err := e.manager.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.pipeline.Retroactive(ctx, sess)
}

// Sweep runs one retroactive pass over every stored session.
func (e *Engine) Sweep(ctx context.Context) (*sweep.Report, error) {
	report, err := e.sweeper.RunOnce(ctx)
	e.refreshActiveSessions(ctx)
	return report, err
}

// ResearchContext assembles the latest finished cycle's findings for the
// refinement dialogue: the narrative first, then each worker's structured
// output, falling back to raw prose where structuring never ran. An empty
// string means the session has no findings yet.
func (e *Engine) ResearchContext(ctx context.Context, sess session.Session) (string, error) {
	rec := sess.Record()
	index, ok := latestFinishedCycle(&rec)
	if !ok {
		return "", nil
	}

	var b strings.Builder
	narrative, err := e.backend.LoadArtifact(ctx, rec.SafeName, index, commit.ArtifactNarrative)
	if err == nil && strings.TrimSpace(narrative) != "" {
		b.WriteString("=== Research Narrative ===\n")
		b.WriteString(strings.TrimSpace(narrative))
		b.WriteString("\n\n")
	}

	for _, role := range e.rolesWithSynthesis() {
		text, err := e.bestArtifact(ctx, rec.SafeName, index, role.Name)
		if err != nil {
			return "", err
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", role.Title, text)
	}
	return strings.TrimSpace(b.String()), nil
}

// bestArtifact returns the structured form of a worker's output when
// stored, the raw form otherwise, and empty when the role produced
// nothing this cycle.
func (e *Engine) bestArtifact(ctx context.Context, safeName string, cycle int, role string) (string, error) {
	structured, err := e.backend.LoadArtifact(ctx, safeName, cycle, role+commit.StructuredSuffix)
	if err == nil {
		return strings.TrimSpace(structured), nil
	}
	raw, err := e.backend.LoadArtifact(ctx, safeName, cycle, role)
	if err == nil {
		return strings.TrimSpace(raw), nil
	}
	if errors.Is(err, session.ErrArtifactNotFound) {
		return "", nil
	}
	return "", fmt.Errorf("load %s artifact: %w", role, err)
}

// refreshActiveSessions keeps the gauge in step with the store. Best
// effort: a listing failure leaves the previous value.
func (e *Engine) refreshActiveSessions(ctx context.Context) {
	recs, err := e.manager.List(ctx)
	if err != nil {
		return
	}
	active := 0
	for _, rec := range recs {
		if rec.State != session.StateComplete {
			active++
		}
	}
	observability.SetActiveSessions(active)
}

func (e *Engine) rolesWithSynthesis() []research.Role {
	roster := e.pool.Roster()
	roles := make([]research.Role, 0, len(roster)+1)
	roles = append(roles, roster...)
	return append(roles, research.SynthesisRole())
}

func (e *Engine) episodeKeys() []string {
	roles := e.rolesWithSynthesis()
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = role.Name
	}
	return names
}

func rosterFromConfig(roles []config.RoleConfig) []research.Role {
	if len(roles) == 0 {
		return nil
	}
	roster := make([]research.Role, 0, len(roles))
	for _, rc := range roles {
		role := research.Role{Name: rc.Name, Title: rc.Title, Focus: rc.Focus}
		if prompt := strings.TrimSpace(rc.Prompt); prompt != "" {
			role.Prompt = func(topic string) string {
				return fmt.Sprintf("Research topic: %s\n\n%s", topic, prompt)
			}
		}
		roster = append(roster, role)
	}
	return roster
}

// orderedOutputs lays the outputs out in roster order, synthesis last,
// dropping roles that produced nothing.
func orderedOutputs(roles []research.Role, outputs map[string]research.Output) []research.Output {
	ordered := make([]research.Output, 0, len(outputs))
	for _, role := range roles {
		if out, ok := outputs[role.Name]; ok && strings.TrimSpace(out.Text) != "" {
			ordered = append(ordered, out)
		}
	}
	return ordered
}

// latestFinishedCycle returns the index of the most recent cycle whose
// research phase has ended.
func latestFinishedCycle(rec *session.Record) (int, bool) {
	for i := len(rec.Cycles) - 1; i >= 0; i-- {
		if rec.Cycles[i].Finished() {
			return rec.Cycles[i].Index, true
		}
	}
	return 0, false
}

func formatExchanges(log []session.Exchange) string {
	var b strings.Builder
	for _, exchange := range log {
		fmt.Fprintf(&b, "%s: %s\n\n", strings.ToUpper(exchange.Speaker), exchange.Text)
	}
	return strings.TrimSpace(b.String())
}

func closeAll(store graph.Store, manager *session.Manager) {
	if store != nil {
		store.Close()
	}
	manager.Close()
}
