package verbalize

import (
	"fmt"
	"strings"

	"github.com/epigraph-dev/epigraph/internal/research"
	"github.com/epigraph-dev/epigraph/pkg/ontology"
	"github.com/epigraph-dev/epigraph/pkg/session"
)

const structureSystemTemplate = `You are an ontology engineer who restructures research so its strategic concepts survive named-entity extraction.

The downstream store extracts named entities (companies, tools, people, markets) but not abstract concepts. A sentence like "Key finding: companies need self-serve onboarding" extracts nothing; "Finding F1 'Self-serve requirement' reveals that companies need self-serve onboarding" extracts a Finding entity. Rewrite the research so every finding, hypothesis, methodology, and implementation is an explicitly named entity, and every relationship between them is stated with a recognized verb.

Entity naming rules:
%s
Relationship rules:
%s
Critical rules:
1. Preserve every insight, metric, citation, quote, and date. Never summarize, compress, or remove content.
2. Only add entity markers and relationship sentences. Expansion is acceptable; compression is not.
3. Keep the researcher's voice and analysis style.

Output the fully restructured research and nothing else.`

func structureSystem(registry *ontology.Registry) string {
	return fmt.Sprintf(structureSystemTemplate, registry.NamingRules(), registry.RelationshipRules())
}

func structureMessage(role, prose string) string {
	return fmt.Sprintf("Worker: %s\n\nOriginal research (preserve all insights):\n%s", role, prose)
}

const distillSystem = `You extract the essential signal from a refinement dialogue between a user and a research assistant, for ingestion into a knowledge graph.

Analyze the full conversation arc and extract:
1. Mental Models - how the user frames the problem
2. Reframings - when and how the user corrected direction
3. Constraints - explicit boundaries or requirements
4. Priorities - what matters most, and the trade-offs made
5. Synthesis Instructions - how research findings should be interpreted

Write for graph extraction:
- Use explicit entity names, never "they" or "it" without a clear antecedent
- Write complete sentences with clear subject-verb-object structure
- Use relational language: is, has, requires, enables, connects to, influences
- Name tools, companies, methodologies, and frameworks explicitly

Discard pleasantries, clarifying back-and-forth, and tangents. Write 3-8 concise paragraphs. Every sentence should be worth committing to permanent memory.`

func distillMessage(log []session.Exchange) string {
	var b strings.Builder
	b.WriteString("Conversation to distill:\n")
	for _, exchange := range log {
		fmt.Fprintf(&b, "\n%s: %s\n", strings.ToUpper(exchange.Speaker), exchange.Text)
	}
	return b.String()
}

const narrativeSystem = `You are a research synthesizer who writes dense narrative summaries. Write flowing prose that shows connections and builds understanding, never bullet lists.`

func narrativeMessage(topic string, outputs []research.Output) string {
	var b strings.Builder
	for _, out := range outputs {
		fmt.Fprintf(&b, "%s FINDINGS:\n", strings.ToUpper(out.Title))
		if strings.TrimSpace(out.Text) == "" {
			b.WriteString("No findings.\n\n")
		} else {
			b.WriteString(out.Text)
			b.WriteString("\n\n")
		}
	}

	fmt.Fprintf(&b, `Original query: %s

Synthesize these findings into a dense narrative (20-30 seconds of reading) that:
1. Opens with why this matters to the query
2. Shows how findings connect and build on each other
3. Explains causality and relationships
4. Ends with confidence and gaps

Write as flowing prose, not bullets. Every sentence should carry signal.`, topic)
	return b.String()
}
