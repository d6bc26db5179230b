package e2e

import (
	"testing"
	"time"

	"github.com/epigraph-dev/epigraph/internal/commit"
	"github.com/epigraph-dev/epigraph/internal/research"
	"github.com/epigraph-dev/epigraph/pkg/session"
)

// TestE2E_ResearchCommitLifecycle drives one session from creation
// through research to a fully committed cycle, checking the state that
// lands on disk at each step.
func TestE2E_ResearchCommitLifecycle(t *testing.T) {
	env := NewTestEnvironment(t)
	defer env.Cleanup()

	eng, ctx := env.Engine(), env.Context()

	sess, err := eng.CreateSession(ctx, "Deep Ocean Currents", "How do deep ocean currents shape regional climate?")
	AssertNoError(t, err, "create session")
	AssertEqual(t, session.StateTasking, sess.Record().State, "fresh session state")

	err = eng.Research(ctx, sess, "deep ocean currents and regional climate", session.CycleInitial)
	AssertNoError(t, err, "research cycle")

	rec := sess.Record()
	AssertEqual(t, 1, len(rec.Cycles), "cycle count")
	cycle := rec.Cycles[0]
	if !cycle.Finished() {
		t.Fatal("cycle should be finished after research")
	}
	AssertEqual(t, 0, len(cycle.Missing), "missing roles")

	// Every worker's raw and structured output must be on disk, plus the
	// narrative.
	roster := append(research.DefaultRoster(), research.SynthesisRole())
	for _, role := range roster {
		raw := env.LoadArtifact(rec.SafeName, 1, role.Name)
		if raw == "" {
			t.Errorf("empty raw artifact for %s", role.Name)
		}
		structured := env.LoadArtifact(rec.SafeName, 1, role.Name+commit.StructuredSuffix)
		if structured == "" {
			t.Errorf("empty structured artifact for %s", role.Name)
		}
	}
	narrative := env.LoadArtifact(rec.SafeName, 1, commit.ArtifactNarrative)
	if narrative == "" {
		t.Error("empty narrative artifact")
	}

	res, err := eng.Commit(ctx, sess)
	AssertNoError(t, err, "commit")
	AssertNoError(t, res.Err, "store failures during commit")
	AssertEqual(t, len(roster), len(res.Committed), "committed episodes")
	AssertEqual(t, 0, len(res.Outstanding), "outstanding episodes")
	for _, ep := range res.Committed {
		if ep.ID == "" {
			t.Errorf("episode %s committed without a store ID", ep.Key)
		}
	}

	stored, err := env.Backend().LoadRecord(ctx, rec.SafeName)
	AssertNoError(t, err, "load persisted record")
	if !stored.Cycles[0].FullyCommitted() {
		t.Error("persisted cycle not stamped as committed")
	}
	AssertEqual(t, len(roster), len(stored.Cycles[0].Committed), "persisted committed map")
}

// TestE2E_RefinementBecomesEpisode runs a refinement dialogue between
// cycles and checks that the distilled dialogue commits as its own
// episode and the log is cleared afterwards.
func TestE2E_RefinementBecomesEpisode(t *testing.T) {
	env := NewTestEnvironment(t)
	defer env.Cleanup()

	eng, ctx := env.Engine(), env.Context()

	sess, err := eng.CreateSession(ctx, "Fermentation", "What drives flavor development in long fermentation?")
	AssertNoError(t, err, "create session")
	AssertNoError(t, eng.Research(ctx, sess, "long fermentation flavor chemistry", session.CycleInitial), "initial cycle")

	findings, err := eng.ResearchContext(ctx, sess)
	AssertNoError(t, err, "research context")
	AssertContains(t, findings, "=== Research Narrative ===", "context narrative section")
	AssertContains(t, findings, "=== Critical Synthesis ===", "context synthesis section")

	AssertNoError(t, sess.AppendRefinement(ctx, session.SpeakerUser, "Focus on lactic acid bacteria, not yeast."), "user exchange")
	AssertNoError(t, sess.AppendRefinement(ctx, session.SpeakerAssistant, "Narrowing to LAB metabolic pathways."), "assistant exchange")

	AssertNoError(t, eng.Research(ctx, sess, "lactic acid bacteria in long fermentation", session.CycleDeep), "deep cycle")

	res, err := eng.Commit(ctx, sess)
	AssertNoError(t, err, "commit deep cycle")
	AssertNoError(t, res.Err, "store failures during commit")

	rosterLen := len(research.DefaultRoster()) + 1
	AssertEqual(t, rosterLen+1, len(res.Committed), "episodes including refinement")

	found := false
	for _, ep := range res.Committed {
		if ep.Key == "refinement" {
			found = true
		}
	}
	if !found {
		t.Error("no refinement episode in commit result")
	}

	stored, err := env.Backend().LoadRecord(ctx, sess.Record().SafeName)
	AssertNoError(t, err, "load persisted record")
	AssertEqual(t, 0, len(stored.RefinementLog), "refinement log after commit")
}

// TestE2E_SurvivesRestart checks that a freshly built engine picks up a
// previous process's session and can commit its research.
func TestE2E_SurvivesRestart(t *testing.T) {
	env := NewTestEnvironment(t)
	defer env.Cleanup()

	ctx := env.Context()

	sess, err := env.Engine().CreateSession(ctx, "Glacier Melt", "How fast are alpine glaciers retreating?")
	AssertNoError(t, err, "create session")
	AssertNoError(t, env.Engine().Research(ctx, sess, "alpine glacier retreat rates", session.CycleInitial), "research")

	env.Restart()

	resumed, err := env.Engine().Session(ctx, "Glacier Melt")
	AssertNoError(t, err, "resume session after restart")

	rec := resumed.Record()
	AssertEqual(t, 1, len(rec.Cycles), "cycles after restart")
	if !rec.Cycles[0].Finished() {
		t.Fatal("cycle lost its finish stamp across restart")
	}

	findings, err := env.Engine().ResearchContext(ctx, resumed)
	AssertNoError(t, err, "research context after restart")
	if findings == "" {
		t.Fatal("no findings after restart")
	}

	res, err := env.Engine().Commit(ctx, resumed)
	AssertNoError(t, err, "commit after restart")
	AssertEqual(t, len(research.DefaultRoster())+1, len(res.Committed), "committed episodes")
}

// TestE2E_SweepCompletesAbandonedSession ages a researched session past
// the idle guard and checks one sweep pass commits and completes it.
func TestE2E_SweepCompletesAbandonedSession(t *testing.T) {
	env := NewTestEnvironment(t)
	defer env.Cleanup()

	eng, ctx := env.Engine(), env.Context()

	sess, err := eng.CreateSession(ctx, "Tidal Power", "Is tidal power viable at grid scale?")
	AssertNoError(t, err, "create session")
	AssertNoError(t, eng.Research(ctx, sess, "grid-scale tidal power viability", session.CycleInitial), "research")

	report, err := eng.Sweep(ctx)
	AssertNoError(t, err, "first sweep")
	AssertEqual(t, 0, len(report.Completed), "fresh session must not be swept")

	env.AgeRecord(sess.Record().SafeName, 2*time.Hour)

	report, err = eng.Sweep(ctx)
	AssertNoError(t, err, "second sweep")
	AssertEqual(t, 1, len(report.Completed), "swept sessions")
	AssertEqual(t, "Tidal Power", report.Completed[0], "swept session name")
	AssertEqual(t, 0, len(report.Failed), "failed sessions")

	stored, err := env.Backend().LoadRecord(ctx, sess.Record().SafeName)
	AssertNoError(t, err, "load persisted record")
	if !stored.Cycles[0].FullyCommitted() {
		t.Error("swept cycle not stamped as committed on disk")
	}
}
