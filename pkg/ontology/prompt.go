package ontology

import (
	"fmt"
	"strings"
)

// namingPrefixes maps strategic entity types to the ID prefix and verb used
// when verbalizing them as named entities. Concrete types are absent: they
// extract from natural mentions and need no markers.
var namingPrefixes = map[string]struct {
	IDPrefix string
	Verb     string
}{
	"Finding":        {IDPrefix: "F", Verb: "reveals that"},
	"Hypothesis":     {IDPrefix: "H", Verb: "proposes that"},
	"Methodology":    {IDPrefix: "M", Verb: "was implemented to"},
	"Implementation": {IDPrefix: "I", Verb: "consists of"},
}

// NamingRules renders the entity-naming instruction block for the
// structuring prompt. One rule per tier-2/3 type that has a naming
// convention, derived from the registry rather than hard-coded per type.
func (r *Registry) NamingRules() string {
	var b strings.Builder
	for _, et := range r.EntityTypes() {
		if et.Tier == TierConcrete {
			continue
		}
		np, ok := namingPrefixes[et.Name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s [%s1, %s2, ...] '[2-5 word name]' %s [full content]: %s.\n",
			et.Name, np.IDPrefix, np.IDPrefix, np.Verb, et.Description)
	}
	b.WriteString("\nConcrete entities (companies, tools, people, markets) extract from natural mentions; keep them as-is, using the full name on first mention.\n")
	return b.String()
}

// RelationshipRules renders the relationship-verb instruction block: every
// (source, target) pair in the matrix with the edge verbs the store's
// classifier recognizes, stated as explicit phrasing requirements.
func (r *Registry) RelationshipRules() string {
	var b strings.Builder
	b.WriteString("State relationships explicitly using these verbs in capitals, with a reason clause:\n")
	for _, src := range r.order {
		for _, dst := range r.order {
			edges := r.matrix[EdgePair{Source: src, Target: dst}]
			if len(edges) == 0 {
				continue
			}
			fmt.Fprintf(&b, "- %s → %s: %s\n", src, dst, strings.Join(edges, " or "))
		}
	}
	b.WriteString("Example: \"This finding SUPPORTS Hypothesis H1 'Short name' with high confidence because ...\"\n")
	return b.String()
}

// SchemaSummary renders a compact one-line-per-type listing of the ontology,
// used in prompts that need the catalog without the naming rules.
func (r *Registry) SchemaSummary() string {
	var b strings.Builder
	b.WriteString("Entity types:\n")
	for _, et := range r.EntityTypes() {
		fmt.Fprintf(&b, "- %s (tier %d): %s\n", et.Name, et.Tier, et.Description)
	}
	b.WriteString("Edge types:\n")
	for _, et := range r.EdgeTypes() {
		fmt.Fprintf(&b, "- %s: %s\n", et.Name, et.Description)
	}
	return b.String()
}
