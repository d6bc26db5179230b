package chat

import (
	"fmt"
	"strings"

	"github.com/epigraph-dev/epigraph/pkg/session"
)

// mentorSystem frames the tasking dialogue. The mentor's job is to sharpen
// the question before any worker spends tokens on it.
const mentorSystem = `You are a research mentor helping a user refine a research question before a multi-agent research run. Ask two or three clarifying questions: which aspects matter most, what the findings will be used for, and which angles deserve focus. Be Socratic and concise. The findings will be written to a knowledge graph for future retrieval, so push toward questions with durable answers.`

func openingMessage(query string) string {
	return fmt.Sprintf("The user wants to research: %q\n\nAsk your clarifying questions.", query)
}

func followupMessage(query string, dialogue []session.Exchange, input string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %q\n\nConversation so far:\n", query)
	writeTranscript(&b, dialogue)
	fmt.Fprintf(&b, "\nThe user just said: %q\n\nIf you need more clarity, ask follow-up questions. If you understand their direction, acknowledge it and ask if they are ready to start the research. Respond naturally.", input)
	return b.String()
}

// readyMessage asks for a machine-readable verdict on whether the user wants
// the research to start now.
func readyMessage(input string) string {
	return fmt.Sprintf(`The user said: %q

Are they telling you to start the research now, or are they still clarifying what they want?

Reply with only a JSON object: {"proceed": true} if they want research to start, {"proceed": false} otherwise.`, input)
}

func refineQueryMessage(query string, dialogue []session.Exchange) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original research query: %q\n\nClarifying conversation:\n", query)
	writeTranscript(&b, dialogue)
	b.WriteString("\nRewrite the research question so it incorporates everything learned in the conversation. Keep it one or two sentences, specific and self-contained. Output only the refined question.")
	return b.String()
}

// episodeNameMessage asks for the name episodes will carry in the graph.
// Names are search keys, so keywords beat prose.
func episodeNameMessage(query string) string {
	return fmt.Sprintf(`Generate a clean episode name for this research query.

RESEARCH QUERY: %s

The name becomes the episode title in a knowledge graph and the key users search by later. Make it 3-6 words, keyword-focused, professional. No filler like "research about" or "based on the conversation".

Examples:
Query: "how to optimize react performance" -> "React performance optimization strategies"
Query: "kubernetes security best practices 2024" -> "Kubernetes security best practices"

Respond with only the episode name.`, query)
}

// classifyMessage asks for the user's intent during refinement. The recent
// exchanges let the model resolve references like "all of those".
func classifyMessage(input string, recent []session.Exchange) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The user said: %q\n", input)
	if len(recent) > 0 {
		b.WriteString("\nRecent conversation:\n")
		writeTranscript(&b, recent)
	}
	b.WriteString(`
We are in the refinement phase after a research run. Classify the user's intent:
- "refine": they are asking about or discussing the findings
- "deep_research": they want a new research pass on a specific topic
- "commit": they want the findings written to the knowledge graph
- "end_session": they want to stop for now
- "unclear": you cannot tell with confidence; never guess

Reply with only a JSON object: {"intent": "<one of the five>", "topic": "<topic>"}.
Fill "topic" only for deep_research, with the specific topic (2-10 words); resolve references like "those topics" from the recent conversation.`)
	return b.String()
}

// refinementSystem is the assistant's role while the user explores the
// findings. The dialogue it produces is later distilled into the refinement
// episode, so capturing the user's framing matters more than answering well.
const refinementSystem = `You are a research assistant in the refinement phase. A deep research run just completed and its findings are in your context.

Your role:
1. When the user says things like "I care more about X than Y" or "think of this as Z", those are instructions for interpreting the research. Make the reframing explicit.
2. When the user gives synthesis guidance ("when this is written to the graph, emphasize X"), treat it as weighted above the original findings.
3. Answer tangents naturally; the user will connect them back.
4. The end goal is committing distilled findings to a knowledge graph. Suggest committing when the conversation converges, but never assume.

Be conversational and help the user think deeper.`

func answerMessage(researchContext string, recent []session.Exchange, question string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "RESEARCH CONTEXT:\n%s\n", researchContext)
	if len(recent) > 0 {
		b.WriteString("\nCURRENT CONVERSATION:\n")
		writeTranscript(&b, recent)
	}
	fmt.Fprintf(&b, "\nCURRENT QUESTION: %s", question)
	return b.String()
}

func writeTranscript(b *strings.Builder, dialogue []session.Exchange) {
	for _, ex := range dialogue {
		fmt.Fprintf(b, "%s: %s\n", strings.ToUpper(ex.Speaker), ex.Text)
	}
}
