// Package graph provides the knowledge-graph store: a Neo4j HTTP client,
// managed transactions, retry, and schema introspection.
package graph

// EntityType is the node label of a graph entity.
type EntityType string

const (
	EntityTypeAIModel      EntityType = "AIModel"
	EntityTypeTechnique    EntityType = "Technique"
	EntityTypeConcept      EntityType = "Concept"
	EntityTypeOrganization EntityType = "Organization"
	EntityTypePerson       EntityType = "Person"
	EntityTypePublication  EntityType = "Publication"
	EntityTypeBenchmark    EntityType = "Benchmark"
	EntityTypeCommunity    EntityType = "Community"
	// EntityTypeGeneric is the fallback label for extractions that fit
	// no specific type.
	EntityTypeGeneric EntityType = "Entity"
)

// EntityTypes lists every known label, generic last.
var EntityTypes = []EntityType{
	EntityTypeAIModel,
	EntityTypeTechnique,
	EntityTypeConcept,
	EntityTypeOrganization,
	EntityTypePerson,
	EntityTypePublication,
	EntityTypeBenchmark,
	EntityTypeCommunity,
	EntityTypeGeneric,
}

// ParseEntityType maps a string to a known label, falling back to the
// generic label.
func ParseEntityType(s string) EntityType {
	for _, t := range EntityTypes {
		if string(t) == s {
			return t
		}
	}
	return EntityTypeGeneric
}

// RelationType is the type of a graph relationship.
type RelationType string

const (
	RelationDerivedFrom    RelationType = "DERIVED_FROM"
	RelationUses           RelationType = "USES"
	RelationDevelopedBy    RelationType = "DEVELOPED_BY"
	RelationAuthoredBy     RelationType = "AUTHORED_BY"
	RelationAffiliatedWith RelationType = "AFFILIATED_WITH"
	RelationEvaluatedOn    RelationType = "EVALUATED_ON"
	RelationCites          RelationType = "CITES"
	RelationImproves       RelationType = "IMPROVES"
	RelationApplies        RelationType = "APPLIES"
	RelationBelongsTo      RelationType = "BELONGS_TO"
	RelationMemberOf       RelationType = "MEMBER_OF"

	// Provenance edges linking extractions back to their papers.
	RelationExtractedFrom RelationType = "EXTRACTED_FROM"
	RelationMentionedIn   RelationType = "MENTIONED_IN"
)

// RelationTypes lists every known relationship type.
var RelationTypes = []RelationType{
	RelationDerivedFrom,
	RelationUses,
	RelationDevelopedBy,
	RelationAuthoredBy,
	RelationAffiliatedWith,
	RelationEvaluatedOn,
	RelationCites,
	RelationImproves,
	RelationApplies,
	RelationBelongsTo,
	RelationMemberOf,
	RelationExtractedFrom,
	RelationMentionedIn,
}

// Entity is a node in the knowledge graph.
type Entity struct {
	ID         string         `json:"id"`
	Type       EntityType     `json:"type"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Relation is a typed, weighted edge between two entities.
type Relation struct {
	ID         string         `json:"id,omitempty"`
	Type       RelationType   `json:"type"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Weight     float64        `json:"weight,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Path is a traversal result: the visited entities and the edges
// connecting them, in order.
type Path struct {
	Nodes       []*Entity   `json:"nodes"`
	Relations   []*Relation `json:"relations"`
	Hops        int         `json:"hops"`
	Score       float64     `json:"score,omitempty"`
	TotalWeight float64     `json:"total_weight,omitempty"`
}
