// Command benchmark pushes synthetic research sessions through the full
// pipeline (worker fan-out, structuring, narrative, graph commit) and
// reports throughput. It runs offline by default: the mock provider
// answers every completion and the memory backend stands in for the
// graph service, so the numbers isolate the pipeline itself.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/epigraph-dev/epigraph"
	"github.com/epigraph-dev/epigraph/pkg/config"
	"github.com/epigraph-dev/epigraph/pkg/graph"
	"github.com/epigraph-dev/epigraph/pkg/session"
)

func main() {
	var (
		providerName = flag.String("provider", "mock", "Registered provider name")
		modelName    = flag.String("model", "mock-model", "Model to run completions with")
		sessions     = flag.Int("sessions", 5, "Sessions to push through the pipeline")
		cycles       = flag.Int("cycles", 1, "Research cycles per session")
		outputFile   = flag.String("output", "", "Output file path (default: stdout)")
		outputFormat = flag.String("format", "text", "Output format: json, text")
		minRate      = flag.Float64("min-rate", 0, "Fail when episodes/sec drops below this (0 disables)")
		timeout      = flag.Duration("timeout", 5*time.Minute, "Overall benchmark timeout")
		verbose      = flag.Bool("v", false, "Keep engine logs on stderr")
	)
	flag.Parse()

	if !*verbose {
		log.SetOutput(io.Discard)
	}

	if err := run(*providerName, *modelName, *sessions, *cycles, *outputFile, *outputFormat, *minRate, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// report is the benchmark result. The JSON form is stable so CI can diff
// runs across commits.
type report struct {
	GeneratedAt time.Time `json:"generated_at"`
	GitCommit   string    `json:"git_commit,omitempty"`
	Environment string    `json:"environment"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`

	Sessions int `json:"sessions"`
	Cycles   int `json:"cycles"`
	Episodes int `json:"episodes"`

	ResearchSeconds float64 `json:"research_seconds"`
	CommitSeconds   float64 `json:"commit_seconds"`
	TotalSeconds    float64 `json:"total_seconds"`

	CyclesPerSecond   float64 `json:"cycles_per_second"`
	EpisodesPerSecond float64 `json:"episodes_per_second"`
}

func run(providerName, modelName string, sessions, cycles int, outputFile, outputFormat string, minRate float64, timeout time.Duration) error {
	if sessions < 1 || cycles < 1 {
		return fmt.Errorf("sessions and cycles must be at least 1")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	dir, err := os.MkdirTemp("", "epigraph-bench-*")
	if err != nil {
		return fmt.Errorf("temp session dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	cfg := config.DefaultConfig()
	cfg.LLM.Provider = providerName
	cfg.LLM.Model = modelName
	cfg.Graph = graph.Config{Backend: "memory", GroupID: "benchmark"}
	cfg.Session.Backend = "file"
	cfg.Session.Dir = dir
	cfg.Research.PollInterval = time.Millisecond
	cfg.Commit.InitialBackoff = time.Millisecond

	eng, err := epigraph.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer func() { _ = eng.Close(context.Background()) }()

	rep := &report{
		GeneratedAt: time.Now().UTC(),
		GitCommit:   gitCommit(),
		Environment: environment(),
		Provider:    providerName,
		Model:       modelName,
		Sessions:    sessions,
	}

	start := time.Now()
	for i := 0; i < sessions; i++ {
		name := fmt.Sprintf("bench-%03d", i)
		sess, err := eng.CreateSession(ctx, name, "benchmark query for "+name)
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}

		for c := 0; c < cycles; c++ {
			kind := session.CycleInitial
			if c > 0 {
				kind = session.CycleDeep
			}

			researchStart := time.Now()
			if err := eng.Research(ctx, sess, fmt.Sprintf("topic %d for %s", c+1, name), kind); err != nil {
				return fmt.Errorf("research %s cycle %d: %w", name, c+1, err)
			}
			rep.ResearchSeconds += time.Since(researchStart).Seconds()
			rep.Cycles++

			commitStart := time.Now()
			res, err := eng.Commit(ctx, sess)
			if err != nil {
				return fmt.Errorf("commit %s cycle %d: %w", name, c+1, err)
			}
			if res.Err != nil {
				return fmt.Errorf("commit %s cycle %d left %d episodes outstanding: %w",
					name, c+1, len(res.Outstanding), res.Err)
			}
			rep.CommitSeconds += time.Since(commitStart).Seconds()
			rep.Episodes += len(res.Committed)
		}
	}
	rep.TotalSeconds = time.Since(start).Seconds()
	if rep.TotalSeconds > 0 {
		rep.CyclesPerSecond = float64(rep.Cycles) / rep.TotalSeconds
		rep.EpisodesPerSecond = float64(rep.Episodes) / rep.TotalSeconds
	}

	writer := os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile) // #nosec G304 - user-provided CLI argument
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		writer = f
	}

	if err := writeReport(rep, outputFormat, writer); err != nil {
		return err
	}

	if minRate > 0 && rep.EpisodesPerSecond < minRate {
		return fmt.Errorf("throughput regression: %.2f episodes/sec is below the %.2f floor",
			rep.EpisodesPerSecond, minRate)
	}
	return nil
}

func writeReport(rep *report, format string, w io.Writer) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case "text", "":
		fmt.Fprintf(w, "Pipeline benchmark (%s/%s, %s)\n", rep.Provider, rep.Model, rep.Environment)
		if rep.GitCommit != "" {
			fmt.Fprintf(w, "  commit:    %s\n", rep.GitCommit)
		}
		fmt.Fprintf(w, "  sessions:  %d\n", rep.Sessions)
		fmt.Fprintf(w, "  cycles:    %d (%.2f/sec)\n", rep.Cycles, rep.CyclesPerSecond)
		fmt.Fprintf(w, "  episodes:  %d (%.2f/sec)\n", rep.Episodes, rep.EpisodesPerSecond)
		fmt.Fprintf(w, "  research:  %.2fs\n", rep.ResearchSeconds)
		fmt.Fprintf(w, "  commit:    %.2fs\n", rep.CommitSeconds)
		fmt.Fprintf(w, "  total:     %.2fs\n", rep.TotalSeconds)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want json or text)", format)
	}
}

func gitCommit() string {
	if commit := os.Getenv("GITHUB_SHA"); commit != "" {
		return commit
	}
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func environment() string {
	if os.Getenv("CI") != "" {
		return "ci"
	}
	return "local"
}
