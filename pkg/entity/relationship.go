package entity

import (
	"time"

	"github.com/sibyldev/sibyl/pkg/errs"
)

// RelationshipType labels an edge between two entities.
type RelationshipType string

const (
	RelBelongsTo    RelationshipType = "BELONGS_TO"
	RelDependsOn    RelationshipType = "DEPENDS_ON"
	RelDerivedFrom  RelationshipType = "DERIVED_FROM"
	RelReferences   RelationshipType = "REFERENCES"
	RelRequires     RelationshipType = "REQUIRES"
	RelPartOf       RelationshipType = "PART_OF"
	RelRelatedTo    RelationshipType = "RELATED_TO"
	RelDocumentedIn RelationshipType = "DOCUMENTED_IN"
	RelSupersedes   RelationshipType = "SUPERSEDES"
)

// Valid reports whether t is a known relationship type.
func (t RelationshipType) Valid() bool {
	switch t {
	case RelBelongsTo, RelDependsOn, RelDerivedFrom, RelReferences,
		RelRequires, RelPartOf, RelRelatedTo, RelDocumentedIn, RelSupersedes:
		return true
	}
	return false
}

// Relationship is a typed edge between two entities within one tenant.
// Relationships are never owned by entities in memory; they are rows in
// the graph store retrieved per query.
type Relationship struct {
	FromID    string           `json:"from_id"`
	ToID      string           `json:"to_id"`
	Type      RelationshipType `json:"relationship_type"`
	Weight    float64          `json:"weight,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	GroupID   string           `json:"group_id"`
	CreatedAt time.Time        `json:"created_at"`
}

// NewRelationship builds a validated relationship edge.
func NewRelationship(relType RelationshipType, fromID, toID, groupID string) (*Relationship, error) {
	if !relType.Valid() {
		return nil, errs.Newf(errs.ValidationError, "entity", "newRelationship", "unknown relationship type %q", relType)
	}
	if fromID == "" || toID == "" {
		return nil, errs.New(errs.ValidationError, "entity", "newRelationship", "both entity ids are required")
	}
	if fromID == toID {
		return nil, errs.New(errs.ValidationError, "entity", "newRelationship", "self-referencing relationship")
	}
	if groupID == "" {
		return nil, errs.New(errs.TenantMissing, "entity", "newRelationship", "group id is required")
	}
	return &Relationship{
		FromID:    fromID,
		ToID:      toID,
		Type:      relType,
		Weight:    1.0,
		GroupID:   groupID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Validate checks the relationship invariants.
func (r *Relationship) Validate() error {
	if !r.Type.Valid() {
		return errs.Newf(errs.ValidationError, "entity", "validateRelationship", "unknown relationship type %q", r.Type)
	}
	if r.FromID == "" || r.ToID == "" {
		return errs.New(errs.ValidationError, "entity", "validateRelationship", "both entity ids are required")
	}
	if r.GroupID == "" {
		return errs.New(errs.TenantMissing, "entity", "validateRelationship", "group id is required")
	}
	return nil
}
