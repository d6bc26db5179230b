// Package chat drives a research session interactively: the tasking
// dialogue that sharpens the query, the research trigger, the refinement
// dialogue whose exchanges feed the graph's refinement episode, and the
// commit. Intent is detected by the model rather than keyword matching;
// the slash commands are the only literal escapes.
package chat

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"

	"github.com/epigraph-dev/epigraph/internal/commit"
	"github.com/epigraph-dev/epigraph/internal/llm/provider"
	"github.com/epigraph-dev/epigraph/pkg/session"
)

const mentorFollowupMaxTokens = 800

// Runner executes the research and commit phases on the loop's behalf.
// The engine implements it; tests script it.
type Runner interface {
	// Research runs one full cycle (fan-out, structuring, artifacts) for
	// the session.
	Research(ctx context.Context, sess session.Session, topic, kind string) error

	// Commit writes the latest finished cycle's episodes to the graph.
	Commit(ctx context.Context, sess session.Session) (*commit.Result, error)

	// ResearchContext loads the session's accumulated findings for the
	// refinement dialogue.
	ResearchContext(ctx context.Context, sess session.Session) (string, error)
}

// prompter is the slice of the line editor the loop uses, separated so
// tests can script the terminal.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// Config tunes the loop.
type Config struct {
	// Model handles both the dialogue and the intent classification.
	Model string
	// Out receives everything the loop prints. Defaults to os.Stdout.
	Out io.Writer
}

// Loop is the interactive session driver. It owns the terminal until Run
// returns.
type Loop struct {
	line     prompter
	provider provider.Provider
	intents  *classifier
	runner   Runner
	model    string
	out      io.Writer
}

// NewLoop creates a loop reading from the terminal.
func NewLoop(p provider.Provider, runner Runner, cfg Config) *Loop {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	return newLoop(line, p, runner, cfg)
}

func newLoop(line prompter, p provider.Provider, runner Runner, cfg Config) *Loop {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	return &Loop{
		line:     line,
		provider: p,
		intents:  &classifier{provider: p, model: cfg.Model},
		runner:   runner,
		model:    cfg.Model,
		out:      out,
	}
}

// action is what a refinement pass decided to do next.
type action int

const (
	actQuit action = iota
	actResearch
	actCommit
)

// Run drives the session from its current state until the user leaves or
// the session completes. Leaving mid-flight is always safe: every accepted
// input is persisted before the next one is read, so a resumed session
// picks up exactly where this one stopped.
func (l *Loop) Run(ctx context.Context, sess session.Session) error {
	defer l.line.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := sess.Record()
		switch rec.State {
		case session.StateTasking:
			proceed, err := l.tasking(ctx, sess)
			if err != nil {
				return err
			}
			if !proceed {
				fmt.Fprintln(l.out, "Leaving the session in tasking. Resume any time.")
				return nil
			}
			if err := sess.Transition(ctx, session.StateResearch); err != nil {
				return err
			}

		case session.StateResearch:
			if err := l.research(ctx, sess, rec.Query, cycleKind(&rec)); err != nil {
				if ctx.Err() != nil {
					return err
				}
				fmt.Fprintf(l.out, "Research failed: %v\n", err)
			}
			if err := sess.Transition(ctx, session.StateRefinement); err != nil {
				return err
			}

		case session.StateRefinement:
			act, topic, err := l.refinement(ctx, sess)
			if err != nil {
				return err
			}
			switch act {
			case actQuit:
				fmt.Fprintln(l.out, "Session saved. Resume any time.")
				return nil
			case actResearch:
				if err := sess.Transition(ctx, session.StateResearch); err != nil {
					return err
				}
				if err := l.research(ctx, sess, topic, session.CycleDeep); err != nil {
					if ctx.Err() != nil {
						return err
					}
					fmt.Fprintf(l.out, "Research failed: %v\n", err)
				}
				if err := sess.Transition(ctx, session.StateRefinement); err != nil {
					return err
				}
			case actCommit:
				if err := sess.Transition(ctx, session.StateCommit); err != nil {
					return err
				}
			}

		case session.StateCommit:
			done, err := l.commit(ctx, sess)
			if err != nil {
				return err
			}
			if done {
				return nil
			}

		case session.StateComplete:
			fmt.Fprintln(l.out, "This session is complete.")
			return nil

		default:
			return fmt.Errorf("session in unknown state %q", rec.State)
		}
	}
}

// tasking runs the mentor dialogue: clarify the query, fold the
// clarifications back into it, and agree on an episode name. Returns false
// when the user leaves without starting research.
func (l *Loop) tasking(ctx context.Context, sess session.Session) (bool, error) {
	rec := sess.Record()
	query := rec.Query
	fmt.Fprintf(l.out, "\nResearch query: %s\n", query)

	resp, err := l.provider.CreateCompletion(ctx, provider.CompletionRequest{
		System:      mentorSystem,
		Messages:    []provider.Message{{Role: "user", Content: openingMessage(query)}},
		Model:       l.model,
		Temperature: mentorTemperature,
		MaxTokens:   mentorMaxTokens,
	})
	if err != nil {
		return false, fmt.Errorf("tasking dialogue: %w", err)
	}
	opening := strings.TrimSpace(resp.Content)
	fmt.Fprintf(l.out, "\n%s\n\n", opening)

	dialogue := []session.Exchange{{Speaker: session.SpeakerAssistant, Text: opening}}
	proceed := false
	for !proceed {
		input, ok := l.readLine("You: ")
		if !ok {
			return false, nil
		}
		if input == "" {
			continue
		}

		if cmd, _, isCmd := splitCommand(input); isCmd {
			switch cmd {
			case "/research":
				proceed = true
			case "/done":
				return false, nil
			case "/help":
				fmt.Fprintln(l.out, "Refine the question in conversation, then say you're ready (or /research). /done leaves the session.")
			default:
				fmt.Fprintf(l.out, "Unknown command %s (try /help)\n", cmd)
			}
			continue
		}

		ready, err := l.intents.Ready(ctx, input)
		if err != nil {
			fmt.Fprintf(l.out, "(intent check unavailable: %v)\n", err)
			continue
		}
		if ready {
			proceed = true
			continue
		}

		dialogue = append(dialogue, session.Exchange{Speaker: session.SpeakerUser, Text: input})
		resp, err := l.provider.CreateCompletion(ctx, provider.CompletionRequest{
			System:      mentorSystem,
			Messages:    []provider.Message{{Role: "user", Content: followupMessage(query, dialogue, input)}},
			Model:       l.model,
			Temperature: mentorTemperature,
			MaxTokens:   mentorFollowupMaxTokens,
		})
		if err != nil {
			return false, fmt.Errorf("tasking dialogue: %w", err)
		}
		reply := strings.TrimSpace(resp.Content)
		fmt.Fprintf(l.out, "\n%s\n\n", reply)
		dialogue = append(dialogue, session.Exchange{Speaker: session.SpeakerAssistant, Text: reply})
	}

	// Fold the conversation back into the query, but only when the user
	// actually clarified something.
	if len(dialogue) > 1 {
		refined, err := l.intents.RefineQuery(ctx, query, dialogue)
		if err != nil {
			fmt.Fprintf(l.out, "(keeping the original query: %v)\n", err)
		} else if refined != query {
			fmt.Fprintf(l.out, "\nRefined research focus: %s\n", refined)
			if err := sess.SetQuery(ctx, refined); err != nil {
				return false, err
			}
			query = refined
		}
	}

	name, err := l.intents.ProposeEpisodeName(ctx, query)
	if err != nil {
		return false, err
	}
	input, ok := l.readLine(fmt.Sprintf("Episode name [%s]: ", name))
	if !ok {
		return false, nil
	}
	if input != "" {
		name = input
	}
	if err := sess.SetEpisodeName(ctx, name); err != nil {
		return false, err
	}
	fmt.Fprintf(l.out, "Episodes will be named %q.\n", name)
	return true, nil
}

// refinement runs the post-research dialogue until the user picks a next
// step. Question-and-answer exchanges land on the session's refinement log
// turn by turn; that log is what the commit pipeline distills.
func (l *Loop) refinement(ctx context.Context, sess session.Session) (action, string, error) {
	fmt.Fprintln(l.out, "\nAsk about the findings, run another pass with /research <topic>, write to the graph with /commit, or stop with /done.")

	researchContext := ""
	for {
		input, ok := l.readLine("You: ")
		if !ok {
			return actQuit, "", nil
		}
		if input == "" {
			continue
		}

		if cmd, arg, isCmd := splitCommand(input); isCmd {
			switch cmd {
			case "/research":
				topic := arg
				if topic == "" {
					t, ok := l.readLine("Deep research topic: ")
					if !ok || t == "" {
						continue
					}
					topic = t
				}
				return actResearch, topic, nil
			case "/commit":
				return actCommit, "", nil
			case "/done":
				return actQuit, "", nil
			case "/help":
				l.printHelp()
			default:
				fmt.Fprintf(l.out, "Unknown command %s (try /help)\n", cmd)
			}
			continue
		}

		rec := sess.Record()
		verdict, err := l.intents.Classify(ctx, input, tail(rec.RefinementLog, 6))
		if err != nil {
			fmt.Fprintf(l.out, "(intent check unavailable, treating as a question: %v)\n", err)
			verdict = Verdict{Intent: IntentRefine}
		}

		switch verdict.Intent {
		case IntentEndSession:
			return actQuit, "", nil

		case IntentCommit:
			return actCommit, "", nil

		case IntentDeepResearch:
			topic := verdict.Topic
			if topic == "" {
				t, ok := l.readLine("Deep research topic: ")
				if !ok || t == "" {
					continue
				}
				topic = t
			}
			confirm, ok := l.readLine(fmt.Sprintf("Run deep research on %q? This spawns a full worker pass. [y/N] ", topic))
			if ok && isYes(confirm) {
				return actResearch, topic, nil
			}

		case IntentUnclear:
			fmt.Fprintln(l.out, "I'm not sure what you want to do.")
			l.printHelp()

		default:
			if researchContext == "" {
				researchContext, err = l.runner.ResearchContext(ctx, sess)
				if err != nil {
					fmt.Fprintf(l.out, "Could not load the research context: %v\n", err)
					continue
				}
			}
			answer, err := l.answer(ctx, researchContext, rec.RefinementLog, input)
			if err != nil {
				fmt.Fprintf(l.out, "Answer failed: %v\n", err)
				continue
			}
			if err := sess.AppendRefinement(ctx, session.SpeakerUser, input); err != nil {
				return actQuit, "", err
			}
			if err := sess.AppendRefinement(ctx, session.SpeakerAssistant, answer); err != nil {
				return actQuit, "", err
			}
			fmt.Fprintf(l.out, "\n%s\n\n", answer)
		}
	}
}

func (l *Loop) research(ctx context.Context, sess session.Session, topic, kind string) error {
	fmt.Fprintf(l.out, "\nResearching %q. This typically takes a few minutes.\n", topic)
	if err := l.runner.Research(ctx, sess, topic, kind); err != nil {
		return err
	}
	fmt.Fprintln(l.out, "Research complete.")
	return nil
}

// commit runs the pipeline and decides what happens after. Returns true
// when the session ended.
func (l *Loop) commit(ctx context.Context, sess session.Session) (bool, error) {
	fmt.Fprintln(l.out, "\nCommitting findings to the knowledge graph...")
	res, err := l.runner.Commit(ctx, sess)
	if err != nil {
		if ctx.Err() != nil {
			return false, err
		}
		fmt.Fprintf(l.out, "Commit failed: %v\n", err)
		if terr := sess.Transition(ctx, session.StateRefinement); terr != nil {
			return false, terr
		}
		return false, nil
	}
	if res.Err != nil || len(res.Outstanding) > 0 {
		fmt.Fprintf(l.out, "Partial commit: %d episodes written, outstanding: %s.\n",
			len(res.Committed), strings.Join(res.Outstanding, ", "))
		fmt.Fprintln(l.out, "Use /commit again to resubmit the remainder.")
		if err := sess.Transition(ctx, session.StateRefinement); err != nil {
			return false, err
		}
		return false, nil
	}
	if len(res.Committed) == 0 {
		fmt.Fprintln(l.out, "Everything was already committed.")
	} else {
		fmt.Fprintf(l.out, "Committed %d episodes to the graph.\n", len(res.Committed))
	}

	input, ok := l.readLine("Keep exploring this session? [Y/n] ")
	if ok && isNo(input) {
		if err := sess.Transition(ctx, session.StateComplete); err != nil {
			return false, err
		}
		fmt.Fprintln(l.out, "Session complete.")
		return true, nil
	}
	if err := sess.Transition(ctx, session.StateRefinement); err != nil {
		return false, err
	}
	return false, nil
}

func (l *Loop) answer(ctx context.Context, researchContext string, log []session.Exchange, question string) (string, error) {
	resp, err := l.provider.CreateCompletion(ctx, provider.CompletionRequest{
		System:      refinementSystem,
		Messages:    []provider.Message{{Role: "user", Content: answerMessage(researchContext, tail(log, 8), question)}},
		Model:       l.model,
		Temperature: answerTemperature,
		MaxTokens:   answerMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (l *Loop) printHelp() {
	fmt.Fprintln(l.out, "You can:")
	fmt.Fprintln(l.out, "  - ask questions about the findings")
	fmt.Fprintln(l.out, "  - /research <topic>  run a deep research pass")
	fmt.Fprintln(l.out, "  - /commit            write findings to the knowledge graph")
	fmt.Fprintln(l.out, "  - /done              leave the session (resumable)")
}

// readLine prompts for one line. Ctrl-C and ctrl-D both read as "leave",
// and the session is always resumable afterward.
func (l *Loop) readLine(prompt string) (string, bool) {
	input, err := l.line.Prompt(prompt)
	if err != nil {
		return "", false
	}
	input = strings.TrimSpace(input)
	if input != "" {
		l.line.AppendHistory(input)
	}
	return input, true
}

// cycleKind picks the kind for a research pass entered through the state
// machine: a session's first finished cycle is initial, everything after
// is deep.
func cycleKind(rec *session.Record) string {
	for i := range rec.Cycles {
		if rec.Cycles[i].Finished() {
			return session.CycleDeep
		}
	}
	return session.CycleInitial
}

func splitCommand(input string) (cmd, arg string, ok bool) {
	if !strings.HasPrefix(input, "/") {
		return "", "", false
	}
	cmd, arg, _ = strings.Cut(input, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg), true
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}

func isNo(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "n", "no":
		return true
	}
	return false
}

// tail returns the last n entries of a dialogue.
func tail(log []session.Exchange, n int) []session.Exchange {
	if len(log) <= n {
		return log
	}
	return log[len(log)-n:]
}
