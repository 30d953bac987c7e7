package types

import (
	"fmt"
	"time"
)

// EntityKind tags the variant of a tracked entity. Only persons are
// harvested today; structures and projects are anticipated kinds.
type EntityKind string

// Known entity kinds.
const (
	KindPerson EntityKind = "person"
)

// Identifier types recognized by default. The config file may extend this
// list; identifier types not in the effective registry are rejected at
// request parsing time.
const (
	IdentifierORCID  = "orcid"
	IdentifierIDRef  = "idref"
	IdentifierHALID  = "id_hal_s"
	IdentifierIDHALI = "id_hal_i"
	IdentifierScopus = "scopus_eid"
	IdentifierVIAF   = "viaf"
)

// DefaultIdentifierTypes returns the built-in identifier type registry.
func DefaultIdentifierTypes() []string {
	return []string{
		IdentifierORCID,
		IdentifierIDRef,
		IdentifierHALID,
		IdentifierIDHALI,
		IdentifierScopus,
		IdentifierVIAF,
	}
}

// Identifier is a (type, value) pair owned by exactly one entity.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Entity is the subject of harvesting: a person (today) carrying a set of
// typed external identifiers, at most one per type.
type Entity struct {
	ID          string       `json:"id"`
	Kind        EntityKind   `json:"kind"`
	Name        string       `json:"name,omitempty"`
	Identifiers []Identifier `json:"identifiers"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Identifier returns the value of the identifier with the given type, or
// "" when the entity has none.
func (e *Entity) Identifier(idType string) string {
	for _, id := range e.Identifiers {
		if id.Type == idType {
			return id.Value
		}
	}
	return ""
}

// ValidateIdentifiers enforces the one-identifier-per-type invariant and
// checks every type against the effective registry.
func (e *Entity) ValidateIdentifiers(knownTypes []string) error {
	known := make(map[string]bool, len(knownTypes))
	for _, t := range knownTypes {
		known[t] = true
	}

	seen := make(map[string]bool, len(e.Identifiers))
	for _, id := range e.Identifiers {
		if id.Type == "" || id.Value == "" {
			return fmt.Errorf("identifier must have both type and value, got (%q, %q)", id.Type, id.Value)
		}
		if !known[id.Type] {
			return fmt.Errorf("unknown identifier type %q", id.Type)
		}
		if seen[id.Type] {
			return fmt.Errorf("duplicate identifier type %q", id.Type)
		}
		seen[id.Type] = true
	}
	return nil
}

// RemoveIdentifiers strips the identifiers whose types appear in the
// nullify list, returning the remaining identifiers.
func (e *Entity) RemoveIdentifiers(nullify []string) {
	if len(nullify) == 0 {
		return
	}
	drop := make(map[string]bool, len(nullify))
	for _, t := range nullify {
		drop[t] = true
	}
	kept := e.Identifiers[:0]
	for _, id := range e.Identifiers {
		if !drop[id.Type] {
			kept = append(kept, id)
		}
	}
	e.Identifiers = kept
}

// MergeIdentifiers unions incoming identifiers into the entity, one per
// type, incoming value winning on conflict.
func (e *Entity) MergeIdentifiers(incoming []Identifier) {
	byType := make(map[string]int, len(e.Identifiers))
	for i, id := range e.Identifiers {
		byType[id.Type] = i
	}
	for _, id := range incoming {
		if i, ok := byType[id.Type]; ok {
			e.Identifiers[i].Value = id.Value
			continue
		}
		e.Identifiers = append(e.Identifiers, id)
		byType[id.Type] = len(e.Identifiers) - 1
	}
}
