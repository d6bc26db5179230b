package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/epigraph-dev/epigraph"
	"github.com/epigraph-dev/epigraph/internal/commit"
	"github.com/epigraph-dev/epigraph/internal/sweep"
	"github.com/epigraph-dev/epigraph/pkg/config"
	"github.com/epigraph-dev/epigraph/pkg/session"
)

// Version is set via ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "epigraph",
	Short: "Multi-agent research that persists into a temporal knowledge graph",
	Long: `epigraph runs research sessions: a tasking dialogue sharpens your
question, a pool of specialized workers researches it in parallel, the
findings are rewritten for graph extraction, and the committed episodes
build a temporal knowledge graph that accumulates across sessions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var startCmd = &cobra.Command{
	Use:   "start [query]",
	Short: "Start a research session and enter the interactive loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = "research-" + time.Now().Format("20060102-1504")
		}

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		return runWithEngine(cmd.Context(), cfg, true, func(ctx context.Context, eng *epigraph.Engine) error {
			sess, err := eng.CreateSession(ctx, name, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Session %q created.\n", name)
			return eng.Chat(ctx, sess)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [name]",
	Short: "Resume a session from wherever it left off",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		return runWithEngine(cmd.Context(), cfg, true, func(ctx context.Context, eng *epigraph.Engine) error {
			sess, err := eng.Session(ctx, args[0])
			if err != nil {
				return err
			}
			rec := sess.Record()
			fmt.Printf("Resuming %q in the %s state.\n", rec.Name, rec.State)
			return eng.Chat(ctx, sess)
		})
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		return runWithEngine(cmd.Context(), cfg, false, func(ctx context.Context, eng *epigraph.Engine) error {
			recs, err := eng.Sessions(ctx)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println(`No sessions yet. Start one with: epigraph start "your question"`)
				return nil
			}
			fmt.Printf("%-32s %-12s %7s  %s\n", "NAME", "STATE", "CYCLES", "UPDATED")
			for _, rec := range recs {
				fmt.Printf("%-32s %-12s %7d  %s\n",
					rec.Name, rec.State, len(rec.Cycles),
					rec.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		})
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit [name]",
	Short: "Commit a session's research episodes to the graph",
	Long: `Commit writes the latest finished research cycle to the graph store.
With --retroactive it walks back through every cycle the session still
owes, which also recovers sessions interrupted mid-commit. With
--dry-run every episode is built and validated but nothing is written.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		retroactive, _ := cmd.Flags().GetBool("retroactive")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if dryRun {
			cfg.Commit.DryRun = true
		}
		return runWithEngine(cmd.Context(), cfg, false, func(ctx context.Context, eng *epigraph.Engine) error {
			var res *commit.Result
			var err error
			if retroactive {
				res, err = eng.Retroactive(ctx, args[0])
				if errors.Is(err, commit.ErrNothingToCommit) {
					fmt.Println("Nothing to commit.")
					return nil
				}
			} else {
				sess, serr := eng.Session(ctx, args[0])
				if serr != nil {
					return serr
				}
				res, err = eng.Commit(ctx, sess)
			}
			if err != nil {
				return err
			}
			return printCommitResult(res, dryRun)
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Commit abandoned research across all sessions",
	Long: `Sweep finds sessions holding finished research that never reached the
graph and commits it. With --once it runs a single pass and exits;
without it the sweeper stays up on the configured schedule.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if !once {
			cfg.Sweep.Enabled = true
		}
		return runWithEngine(cmd.Context(), cfg, !once, func(ctx context.Context, eng *epigraph.Engine) error {
			if once {
				report, err := eng.Sweep(ctx)
				if err != nil {
					return err
				}
				printSweepReport(report)
				return nil
			}
			log.Printf("Sweeper running on schedule %q. Ctrl-C to stop.", cfg.Sweep.Schedule)
			<-ctx.Done()
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists; edit it or remove it first", path)
		}
		if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

// runWithEngine builds the engine, runs fn under signal cancellation, and
// tears everything down. Long-running commands pass background to start
// the sweeper schedule and the ops server.
func runWithEngine(parent context.Context, cfg *config.Config, background bool, fn func(context.Context, *epigraph.Engine) error) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := epigraph.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Close(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	if background {
		if err := eng.StartBackground(); err != nil {
			return err
		}
	}
	return fn(ctx, eng)
}

func printCommitResult(res *commit.Result, dryRun bool) error {
	verb := "Committed"
	if dryRun {
		verb = "Validated"
	}
	if len(res.Committed) == 0 && len(res.Outstanding) == 0 {
		fmt.Printf("Cycle %d was already fully committed.\n", res.Cycle)
		return nil
	}

	fmt.Printf("%s %d episodes from cycle %d:\n", verb, len(res.Committed), res.Cycle)
	for _, ep := range res.Committed {
		if dryRun {
			fmt.Printf("  %s\n", ep.Name)
		} else {
			fmt.Printf("  %s (%s)\n", ep.Name, ep.ID)
		}
	}
	if len(res.Outstanding) > 0 {
		fmt.Printf("Outstanding: %s\n", strings.Join(res.Outstanding, ", "))
		if res.Err != nil {
			return fmt.Errorf("%d episodes not committed: %w", len(res.Outstanding), res.Err)
		}
		return fmt.Errorf("%d episodes not committed", len(res.Outstanding))
	}
	return nil
}

func printSweepReport(report *sweep.Report) {
	fmt.Printf("Scanned %d sessions, committed %d episodes.\n", report.Scanned, report.Committed)
	for _, name := range report.Completed {
		fmt.Printf("  completed %s\n", name)
	}
	for _, name := range report.Failed {
		fmt.Printf("  needs attention: %s\n", name)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.epigraph/config.yaml)")

	startCmd.Flags().String("name", "", "session name (default derived from the date)")
	commitCmd.Flags().Bool("retroactive", false, "commit every cycle the session still owes")
	commitCmd.Flags().Bool("dry-run", false, "build and validate episodes without writing")
	sweepCmd.Flags().Bool("once", false, "run a single pass and exit")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(startCmd, resumeCmd, sessionsCmd, commitCmd, sweepCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, session.ErrSessionNotFound) {
			fmt.Fprintln(os.Stderr, "List stored sessions with: epigraph sessions")
		}
		os.Exit(1)
	}
}
