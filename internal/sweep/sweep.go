// Package sweep finishes what interactive sessions left behind. A crash or
// an abandoned terminal can leave a session with finished research that
// never reached the graph; the sweeper periodically finds those sessions
// and runs the same retroactive commit the CLI offers by hand.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/epigraph-dev/epigraph/internal/commit"
	"github.com/epigraph-dev/epigraph/pkg/session"
)

// DefaultSchedule runs a pass every hour.
const DefaultSchedule = "@every 1h"

// DefaultMinIdle is the idle age a session must reach before the sweeper
// touches it. Committing under a user who is still refining would distill
// and clear their dialogue mid-conversation.
const DefaultMinIdle = 30 * time.Minute

// Config tunes the sweeper.
type Config struct {
	// Schedule is a cron expression or descriptor ("@hourly", "@every 15m").
	// Empty means DefaultSchedule.
	Schedule string

	// MinIdle skips sessions updated more recently than this. Zero sweeps
	// everything immediately; wiring surfaces that want the production
	// guard pass DefaultMinIdle.
	MinIdle time.Duration

	// Timeout bounds one scheduled pass. Zero means unbounded.
	Timeout time.Duration
}

// Report summarizes one sweep pass.
type Report struct {
	// Scanned is how many session records were examined.
	Scanned int
	// Committed is how many episodes were written across all sessions.
	Committed int
	// Completed lists sessions whose cycle was fully committed this pass.
	Completed []string
	// Failed lists sessions that were tried and still need attention.
	Failed []string
}

// Sweeper runs retroactive commits on a schedule.
type Sweeper struct {
	manager  *session.Manager
	pipeline *commit.Pipeline
	schedule string
	minIdle  time.Duration
	timeout  time.Duration
	cron     *cron.Cron
}

// New validates the schedule and builds a sweeper. Start arms it.
func New(manager *session.Manager, pipeline *commit.Pipeline, cfg Config) (*Sweeper, error) {
	if manager == nil {
		return nil, errors.New("sweep: session manager is required")
	}
	if pipeline == nil {
		return nil, errors.New("sweep: commit pipeline is required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("sweep: invalid schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		manager:  manager,
		pipeline: pipeline,
		schedule: schedule,
		minIdle:  cfg.MinIdle,
		timeout:  cfg.Timeout,
	}, nil
}

// Start arms the schedule. A tick that lands while the previous pass is
// still running is skipped rather than queued.
func (s *Sweeper) Start() error {
	if s.cron != nil {
		return errors.New("sweep: already started")
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.schedule, func() {
		ctx := context.Background()
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		if _, err := s.RunOnce(ctx); err != nil {
			log.Printf("[Sweep] pass failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("sweep: schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	log.Printf("[Sweep] scheduled retroactive commits (%s)", s.schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	log.Printf("[Sweep] stopped")
}

// RunOnce executes a single pass over every session. Sessions with nothing
// committable are skipped silently; sessions that were tried and still have
// outstanding episodes are reported so the next pass retries them.
func (s *Sweeper) RunOnce(ctx context.Context) (*Report, error) {
	records, err := s.manager.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep: list sessions: %w", err)
	}

	rep := &Report{Scanned: len(records)}
	now := time.Now().UTC()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !s.needsSweep(rec, now) {
			continue
		}

		sess, err := s.manager.Get(ctx, rec.Name)
		if err != nil {
			log.Printf("[Sweep] load %s: %v", rec.Name, err)
			rep.Failed = append(rep.Failed, rec.Name)
			continue
		}

		res, err := s.pipeline.Retroactive(ctx, sess)
		switch {
		case errors.Is(err, commit.ErrNothingToCommit):
			continue
		case err != nil:
			log.Printf("[Sweep] %s: %v", rec.Name, err)
			rep.Failed = append(rep.Failed, rec.Name)
			continue
		}

		rep.Committed += len(res.Committed)
		if len(res.Outstanding) > 0 {
			log.Printf("[Sweep] %s cycle %d: %d episodes committed, %d outstanding",
				rec.Name, res.Cycle, len(res.Committed), len(res.Outstanding))
			rep.Failed = append(rep.Failed, rec.Name)
			continue
		}
		log.Printf("[Sweep] %s cycle %d: committed %d episodes", rec.Name, res.Cycle, len(res.Committed))
		rep.Completed = append(rep.Completed, rec.Name)
	}

	if rep.Committed > 0 || len(rep.Failed) > 0 {
		log.Printf("[Sweep] pass done: %d sessions scanned, %d episodes committed, %d completed, %d need attention",
			rep.Scanned, rep.Committed, len(rep.Completed), len(rep.Failed))
	}
	return rep, nil
}

// needsSweep reports whether a session has committable work: parked in the
// commit state, or carrying a finished cycle that was never fully
// committed. Recently active sessions wait out the idle guard first.
func (s *Sweeper) needsSweep(rec *session.Record, now time.Time) bool {
	if s.minIdle > 0 && now.Sub(rec.UpdatedAt) < s.minIdle {
		return false
	}
	if rec.State == session.StateCommit {
		return true
	}
	for i := range rec.Cycles {
		c := &rec.Cycles[i]
		if c.Finished() && !c.FullyCommitted() {
			return true
		}
	}
	return false
}
