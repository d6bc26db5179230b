package research

import (
	"fmt"
	"strings"
)

// Role is one research perspective in the worker roster. Name keys the
// worker everywhere (batch custom_id, output maps, metrics labels); Title
// is the human form used in episode names. A nil Prompt takes the default
// worker prompt.
type Role struct {
	Name   string
	Title  string
	Focus  string
	Prompt func(topic string) string
}

const (
	academicFocus = `You are an academic researcher specializing in deep technical literature.
Survey papers, technical documentation, and theoretical frameworks.
Return dense, signal-rich findings with citations.`

	industryFocus = `You are an industry analyst who tracks real implementations.
Find case studies, engineering blogs, and production use cases.
Return proven, real-world usage with metrics.`

	toolFocus = `You are a tools researcher who understands frameworks and implementations.
Survey repositories, documentation, and tool comparisons.
Return technical trade-offs and usage patterns.`

	synthesisFocus = `You are a skeptical senior researcher who reviews findings.
Score relevance, filter noise, identify gaps, highlight insights.
Be ruthless about cutting noise. The reader's time is valuable.`
)

// DefaultRoster returns the first-wave worker roles in commit order.
func DefaultRoster() []Role {
	return []Role{
		{Name: "academic_research", Title: "Academic Research", Focus: academicFocus, Prompt: workerPrompt},
		{Name: "industry_intel", Title: "Industry Intelligence", Focus: industryFocus, Prompt: workerPrompt},
		{Name: "tool_evaluation", Title: "Tool Evaluation", Focus: toolFocus, Prompt: workerPrompt},
	}
}

// SynthesisRole reviews the first wave. It never runs in the batch; its
// prompt is built from the completed outputs.
func SynthesisRole() Role {
	return Role{Name: "critical_synthesis", Title: "Critical Synthesis", Focus: synthesisFocus}
}

func workerPrompt(topic string) string {
	return fmt.Sprintf(`Research topic: %s

Conduct deep research using your specialized expertise. Return your findings as natural prose optimized for insight density.`, topic)
}

// synthesisPrompt lays out every first-wave finding in roster order so the
// reviewer sees the same picture the commit pipeline will.
func synthesisPrompt(topic string, roster []Role, outputs map[string]Output) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original research topic: %s\n", topic)

	for _, role := range roster {
		fmt.Fprintf(&b, "\n%s FINDINGS:\n", strings.ToUpper(role.Title))
		if out, ok := outputs[role.Name]; ok && strings.TrimSpace(out.Text) != "" {
			b.WriteString(out.Text)
			b.WriteString("\n")
		} else {
			b.WriteString("No findings.\n")
		}
	}

	b.WriteString("\nReview critically. Score relevance, filter noise, and name the gaps.")
	return b.String()
}
