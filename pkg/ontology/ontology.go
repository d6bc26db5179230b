// Package ontology defines the entity types, edge types, and relationship
// rules used when committing research episodes to the knowledge graph.
//
// The backing graph store extracts entities by named-entity recognition, so
// the ontology is tiered by how reliably a type extracts from prose: concrete
// nouns extract on their own, while strategic concepts and execution outcomes
// only extract when the text names them explicitly. The verbalizer consults
// this package to know which concepts need deliberate naming and which
// relationship verbs the store's edge classifier recognizes.
//
// The ontology is static data. Changing it is a redeploy, not a runtime
// operation.
package ontology

import "fmt"

// Tier classifies how reliably an entity type extracts from prose.
type Tier int

const (
	// TierConcrete types (organizations, tools, people) extract from
	// ordinary prose without special phrasing.
	TierConcrete Tier = 1
	// TierStrategic types (objectives, hypotheses, findings, methods) only
	// extract when the text names them as if they were proper nouns.
	TierStrategic Tier = 2
	// TierOutcome types (implementations, markets, capabilities) behave
	// like strategic types and need the same deliberate naming.
	TierOutcome Tier = 3
)

// Field describes one attribute of an entity or edge type. Fields are
// advisory schema for the store's extraction pass; only entity fields are
// reliably populated. Edge fields do not persist and exist as documentation
// of what belongs in the relationship's free-text fact.
type Field struct {
	Name        string
	Type        string
	Description string
}

// EntityType describes one node type the graph store may extract.
type EntityType struct {
	Name        string
	Tier        Tier
	Description string
	Fields      []Field
}

// EdgeType describes one semantic relationship label. The label itself is
// the only part the store preserves reliably; everything else about a
// relationship must be carried in the fact text.
type EdgeType struct {
	Name        string
	Description string
}

// EdgePair keys the relationship matrix by source and target entity type.
type EdgePair struct {
	Source string
	Target string
}

// Registry is the static catalog of entity types, edge types, and the
// (source, target) → allowed-edges relationship matrix.
type Registry struct {
	entities map[string]EntityType
	order    []string
	edges    map[string]EdgeType
	edgeList []string
	matrix   map[EdgePair][]string
}

// Default returns the built-in research ontology.
func Default() *Registry {
	return defaultRegistry
}

// EntityTypes returns all entity types in declaration order.
func (r *Registry) EntityTypes() []EntityType {
	out := make([]EntityType, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entities[name])
	}
	return out
}

// EntityType looks up an entity type by name.
func (r *Registry) EntityType(name string) (EntityType, bool) {
	et, ok := r.entities[name]
	return et, ok
}

// EdgeTypes returns all edge types in declaration order.
func (r *Registry) EdgeTypes() []EdgeType {
	out := make([]EdgeType, 0, len(r.edgeList))
	for _, name := range r.edgeList {
		out = append(out, r.edges[name])
	}
	return out
}

// EdgesBetween returns the edge types permitted from source to target entity
// types. An empty result means the ontology defines no direct relationship
// for that pair.
func (r *Registry) EdgesBetween(source, target string) []string {
	edges := r.matrix[EdgePair{Source: source, Target: target}]
	out := make([]string, len(edges))
	copy(out, edges)
	return out
}

// Matrix returns a copy of the full relationship matrix.
func (r *Registry) Matrix() map[EdgePair][]string {
	out := make(map[EdgePair][]string, len(r.matrix))
	for pair, edges := range r.matrix {
		cp := make([]string, len(edges))
		copy(cp, edges)
		out[pair] = cp
	}
	return out
}

// Validate checks the registry for internal consistency: every matrix entry
// must reference declared entity and edge types, and no entity field may
// collide with an attribute name the graph store reserves for itself.
func (r *Registry) Validate() error {
	for _, name := range r.order {
		for _, f := range r.entities[name].Fields {
			if IsReservedField(f.Name) {
				return fmt.Errorf("entity type %s: field %q collides with a reserved store attribute", name, f.Name)
			}
		}
	}
	for pair, edges := range r.matrix {
		if _, ok := r.entities[pair.Source]; !ok {
			return fmt.Errorf("matrix references unknown source entity type %q", pair.Source)
		}
		if _, ok := r.entities[pair.Target]; !ok {
			return fmt.Errorf("matrix references unknown target entity type %q", pair.Target)
		}
		for _, e := range edges {
			if _, ok := r.edges[e]; !ok {
				return fmt.Errorf("matrix pair %s→%s references unknown edge type %q", pair.Source, pair.Target, e)
			}
		}
	}
	return nil
}

func newRegistry(entities []EntityType, edges []EdgeType, matrix map[EdgePair][]string) *Registry {
	r := &Registry{
		entities: make(map[string]EntityType, len(entities)),
		edges:    make(map[string]EdgeType, len(edges)),
		matrix:   matrix,
	}
	for _, et := range entities {
		r.entities[et.Name] = et
		r.order = append(r.order, et.Name)
	}
	for _, et := range edges {
		r.edges[et.Name] = et
		r.edgeList = append(r.edgeList, et.Name)
	}
	return r
}

var defaultRegistry = newRegistry(
	[]EntityType{
		{
			Name:        "Company",
			Tier:        TierConcrete,
			Description: "Organization being researched or analyzed",
			Fields: []Field{
				{Name: "company_name", Type: "string", Description: "Full company name"},
				{Name: "industry", Type: "string", Description: "Primary industry vertical"},
				{Name: "stage", Type: "string", Description: "e.g. Series A, Public, Bootstrap"},
				{Name: "employee_count", Type: "int", Description: "Team size"},
				{Name: "founded_year", Type: "int", Description: "Year established"},
			},
		},
		{
			Name:        "Tool",
			Tier:        TierConcrete,
			Description: "Software, platform, or technology being analyzed",
			Fields: []Field{
				{Name: "tool_name", Type: "string", Description: "Product or tool name"},
				{Name: "category", Type: "string", Description: "Product category"},
				{Name: "pricing_model", Type: "string", Description: "Freemium, Enterprise, Usage-based"},
				{Name: "key_capabilities", Type: "string", Description: "Core features"},
			},
		},
		{
			Name:        "Person",
			Tier:        TierConcrete,
			Description: "Individual mentioned in research",
			Fields: []Field{
				{Name: "person_name", Type: "string", Description: "Full name"},
				{Name: "role", Type: "string", Description: "Job title or function"},
				{Name: "company", Type: "string", Description: "Current organization"},
				{Name: "expertise_area", Type: "string", Description: "Domain specialization"},
			},
		},
		{
			Name:        "ResearchObjective",
			Tier:        TierStrategic,
			Description: "Named strategic question or goal being investigated",
			Fields: []Field{
				{Name: "objective_name", Type: "string", Description: "Concise objective identifier"},
				{Name: "objective_type", Type: "string", Description: "market_analysis, competitive_research, tool_evaluation, strategic_planning"},
				{Name: "priority", Type: "string", Description: "critical, high, medium, low"},
				{Name: "status", Type: "string", Description: "active, completed, parked"},
			},
		},
		{
			Name:        "Hypothesis",
			Tier:        TierStrategic,
			Description: "Specific testable assumption or strategic premise",
			Fields: []Field{
				{Name: "hypothesis_name", Type: "string", Description: "Short hypothesis identifier"},
				{Name: "statement", Type: "string", Description: "Full hypothesis statement"},
				{Name: "confidence", Type: "float", Description: "Belief strength 0-1"},
				{Name: "validation_status", Type: "string", Description: "unvalidated, partially_validated, validated, refuted"},
			},
		},
		{
			Name:        "Methodology",
			Tier:        TierStrategic,
			Description: "Specific approach, workflow, or playbook",
			Fields: []Field{
				{Name: "methodology_name", Type: "string", Description: "Method identifier"},
				{Name: "method_type", Type: "string", Description: "workflow, framework, analysis_technique"},
				{Name: "maturity", Type: "string", Description: "experimental, proven, best_practice"},
				{Name: "implementation_complexity", Type: "string", Description: "low, medium, high"},
			},
		},
		{
			Name:        "Finding",
			Tier:        TierStrategic,
			Description: "Discrete insight or discovery from research",
			Fields: []Field{
				{Name: "finding_name", Type: "string", Description: "Short finding identifier"},
				{Name: "finding_type", Type: "string", Description: "insight, data_point, pattern, risk"},
				{Name: "novelty", Type: "string", Description: "novel, confirming, contradicting"},
				{Name: "actionability", Type: "string", Description: "immediate, strategic, informational"},
				{Name: "confidence", Type: "float", Description: "Reliability score 0-1"},
			},
		},
		{
			Name:        "Implementation",
			Tier:        TierOutcome,
			Description: "Concrete execution attempt of a methodology",
			Fields: []Field{
				{Name: "implementation_name", Type: "string", Description: "Execution identifier with date or context"},
				{Name: "outcome", Type: "string", Description: "success, partial_success, failure"},
				{Name: "metrics_achieved", Type: "string", Description: "Quantitative results"},
				{Name: "lessons_learned", Type: "string", Description: "Key takeaways"},
			},
		},
		{
			Name:        "Market",
			Tier:        TierOutcome,
			Description: "Market segment, vertical, or opportunity space",
			Fields: []Field{
				{Name: "market_name", Type: "string", Description: "Market identifier"},
				{Name: "size", Type: "string", Description: "TAM or market size estimate"},
				{Name: "growth_rate", Type: "string", Description: "Annual growth estimate"},
				{Name: "maturity", Type: "string", Description: "emerging, growth, mature, declining"},
			},
		},
		{
			Name:        "Capability",
			Tier:        TierOutcome,
			Description: "Organizational or product capability",
			Fields: []Field{
				{Name: "capability_name", Type: "string", Description: "Capability identifier"},
				{Name: "capability_type", Type: "string", Description: "technical, operational, strategic"},
				{Name: "maturity_level", Type: "string", Description: "nascent, developing, established"},
			},
		},
	},
	[]EdgeType{
		{Name: "INVESTIGATES", Description: "Research objective examines a company, tool, market, or hypothesis"},
		{Name: "TESTS", Description: "Methodology or implementation validates a hypothesis"},
		{Name: "IMPLEMENTS", Description: "Concrete execution of an abstract methodology"},
		{Name: "REVEALS", Description: "Finding uncovers information about an entity"},
		{Name: "SUPPORTS", Description: "Finding provides evidence for a hypothesis"},
		{Name: "CONTRADICTS", Description: "Finding conflicts with another finding or hypothesis"},
		{Name: "ENABLES", Description: "Tool or capability makes a methodology possible"},
		{Name: "REQUIRES", Description: "Methodology depends on a tool or capability"},
		{Name: "INFORMS", Description: "Finding guides implementation decisions"},
		{Name: "TARGETS", Description: "Company pursues a market segment"},
		{Name: "COMPETES_WITH", Description: "Competitive relationship between companies"},
	},
	map[EdgePair][]string{
		{Source: "ResearchObjective", Target: "Company"}:    {"INVESTIGATES"},
		{Source: "ResearchObjective", Target: "Tool"}:       {"INVESTIGATES"},
		{Source: "ResearchObjective", Target: "Market"}:     {"INVESTIGATES"},
		{Source: "ResearchObjective", Target: "Hypothesis"}: {"INVESTIGATES"},

		{Source: "Hypothesis", Target: "Finding"}: {"TESTS"},
		{Source: "Finding", Target: "Hypothesis"}: {"SUPPORTS", "CONTRADICTS"},

		{Source: "Methodology", Target: "Hypothesis"}: {"TESTS"},
		{Source: "Methodology", Target: "Tool"}:       {"REQUIRES"},
		{Source: "Methodology", Target: "Capability"}: {"REQUIRES"},
		{Source: "Tool", Target: "Methodology"}:       {"ENABLES"},
		{Source: "Capability", Target: "Methodology"}: {"ENABLES"},

		{Source: "Implementation", Target: "Methodology"}: {"IMPLEMENTS"},
		{Source: "Implementation", Target: "Hypothesis"}:  {"TESTS"},

		{Source: "Finding", Target: "Company"}:        {"REVEALS"},
		{Source: "Finding", Target: "Tool"}:           {"REVEALS"},
		{Source: "Finding", Target: "Market"}:         {"REVEALS"},
		{Source: "Finding", Target: "Capability"}:     {"REVEALS"},
		{Source: "Finding", Target: "Implementation"}: {"INFORMS"},
		{Source: "Finding", Target: "Finding"}:        {"CONTRADICTS"},

		{Source: "Company", Target: "Market"}:  {"TARGETS"},
		{Source: "Company", Target: "Company"}: {"COMPETES_WITH"},
		{Source: "Company", Target: "Tool"}:    {"REQUIRES", "ENABLES"},

		{Source: "Tool", Target: "Capability"}: {"ENABLES"},
	},
)
