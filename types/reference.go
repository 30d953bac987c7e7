// Package types defines the RefStream data model: tracked entities and
// their identifiers, retrievals and harvestings, versioned references and
// reference events, plus the broker message contracts.
package types

import (
	"fmt"
	"time"
)

// EventType classifies a diffing outcome for one reference version.
type EventType string

// The four diffing outcomes.
const (
	EventCreated   EventType = "created"
	EventUpdated   EventType = "updated"
	EventDeleted   EventType = "deleted"
	EventUnchanged EventType = "unchanged"
)

// Valid reports whether t is one of the four known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventUpdated, EventDeleted, EventUnchanged:
		return true
	}
	return false
}

// EventSet is the set of event types a retrieval requested.
type EventSet map[EventType]bool

// NewEventSet builds an EventSet from a list of event type names.
// Unknown names are rejected.
func NewEventSet(names []string) (EventSet, error) {
	set := make(EventSet, len(names))
	for _, name := range names {
		t := EventType(name)
		if !t.Valid() {
			return nil, fmt.Errorf("unknown event type %q", name)
		}
		set[t] = true
	}
	return set, nil
}

// AllEvents returns a set requesting every event type.
func AllEvents() EventSet {
	return EventSet{
		EventCreated:   true,
		EventUpdated:   true,
		EventDeleted:   true,
		EventUnchanged: true,
	}
}

// Has reports whether the set requests the given event type.
func (s EventSet) Has(t EventType) bool {
	return s[t]
}

// Names returns the requested type names in a stable order.
func (s EventSet) Names() []string {
	var names []string
	for _, t := range []EventType{EventCreated, EventUpdated, EventDeleted, EventUnchanged} {
		if s[t] {
			names = append(names, string(t))
		}
	}
	return names
}

// Contributor is one author or editor of a reference.
type Contributor struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"` // author, editor, translator...
}

// ReferenceIdentifier is an external identifier attached to a reference
// (doi, pubmed id, arxiv id...).
type ReferenceIdentifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Reference is an immutable, versioned normalized bibliographic record.
// A reference row is never mutated after creation; every content change
// creates a new row with Version = previous + 1. The chain for one
// (Source, SourceID) pair is gapless and starts at 0.
type Reference struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	SourceID string `json:"source_identifier"`
	Version  int    `json:"version"`

	// Hash is the content hash over the source's enumerated hash fields,
	// used for change detection.
	Hash string `json:"hash"`

	Title        string                `json:"title"`
	Subtitle     string                `json:"subtitle,omitempty"`
	Abstract     string                `json:"abstract,omitempty"`
	Language     string                `json:"language,omitempty"`
	DocType      string                `json:"document_type,omitempty"`
	PublishedAt  string                `json:"issued,omitempty"` // ISO date, possibly partial
	Contributors []Contributor         `json:"contributors,omitempty"`
	Identifiers  []ReferenceIdentifier `json:"identifiers,omitempty"`
	Subjects     []string              `json:"subjects,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ReferenceEvent links a harvesting to one reference version and records
// the diffing outcome. History marks whether the event counts toward
// future deletion baselines; it is inherited from the harvesting.
type ReferenceEvent struct {
	ID           string    `json:"id"`
	HarvestingID string    `json:"harvesting_id"`
	ReferenceID  string    `json:"reference_id"`
	Type         EventType `json:"type"`
	History      bool      `json:"history"`
	CreatedAt    time.Time `json:"created_at"`
}
