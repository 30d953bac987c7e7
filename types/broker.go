package types

import (
	"encoding/json"
	"fmt"
)

// Broker routing keys for outbound messages. Each outbound message kind
// maps to a fixed subject.
const (
	RoutingKeyRetrieval      = "refstream.event.retrieval"
	RoutingKeyHarvesting     = "refstream.event.harvesting"
	RoutingKeyReferenceEvent = "refstream.event.reference"
)

// HarvestRequest is the inbound broker message triggering a retrieval.
//
//	{"type": "person", "fields": {...}, "events": [...],
//	 "nullify": [...], "harvesters": [...], "history": true}
type HarvestRequest struct {
	Type       string        `json:"type"`
	Fields     RequestFields `json:"fields"`
	Events     []string      `json:"events"`
	Nullify    []string      `json:"nullify,omitempty"`
	Harvesters []string      `json:"harvesters,omitempty"`
	History    *bool         `json:"history,omitempty"`
}

// RequestFields carries the entity payload of a harvest request.
type RequestFields struct {
	Name        string       `json:"name,omitempty"`
	Identifiers []Identifier `json:"identifiers"`
}

// ParseHarvestRequest decodes and validates an inbound broker payload.
func ParseHarvestRequest(data []byte, knownIdentifierTypes []string) (*HarvestRequest, error) {
	var req HarvestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed harvest request: %w", err)
	}
	if req.Type != string(KindPerson) {
		return nil, fmt.Errorf("unsupported entity type %q", req.Type)
	}
	if len(req.Fields.Identifiers) == 0 {
		return nil, fmt.Errorf("harvest request carries no identifiers")
	}
	if _, err := NewEventSet(req.Events); err != nil {
		return nil, err
	}

	entity := Entity{Kind: KindPerson, Identifiers: req.Fields.Identifiers}
	if err := entity.ValidateIdentifiers(knownIdentifierTypes); err != nil {
		return nil, err
	}
	return &req, nil
}

// Entity builds the entity described by the request fields, after applying
// the nullify list.
func (r *HarvestRequest) Entity() Entity {
	e := Entity{
		Kind:        KindPerson,
		Name:        r.Fields.Name,
		Identifiers: append([]Identifier(nil), r.Fields.Identifiers...),
	}
	e.RemoveIdentifiers(r.Nullify)
	return e
}

// EventSet returns the requested event types. An empty list means all.
func (r *HarvestRequest) EventSet() EventSet {
	if len(r.Events) == 0 {
		return AllEvents()
	}
	set, _ := NewEventSet(r.Events) // validated at parse time
	return set
}

// HistoryEnabled reports whether this run's events should count toward
// future diffing baselines. Defaults to true (history-safe mode opt-out).
func (r *HarvestRequest) HistoryEnabled() bool {
	return r.History == nil || *r.History
}

// Envelope is an outbound broker message. Exactly one of the payload
// fields is set, matching Type.
type Envelope struct {
	Type string `json:"type"` // Retrieval | Harvesting | ReferenceEvent
	ID   string `json:"id"`

	// Harvesting progress payload.
	State string `json:"state,omitempty"`

	// ReferenceEvent payload.
	Change string `json:"change,omitempty"`

	// Error variant of any of the above.
	Error   bool   `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// RetrievalEnvelope announces a newly registered retrieval.
func RetrievalEnvelope(r Retrieval) Envelope {
	return Envelope{Type: "Retrieval", ID: r.ID}
}

// HarvestingEnvelope announces a harvesting state change; failed states
// carry the error variant with the persisted message.
func HarvestingEnvelope(h Harvesting) Envelope {
	env := Envelope{Type: "Harvesting", ID: h.ID, State: string(h.State)}
	if h.State == HarvestingFailed {
		env.Error = true
		env.Message = fmt.Sprintf("%s: %s", h.ErrType, h.ErrMessage)
	}
	return env
}

// ReferenceEventEnvelope announces one diffing outcome.
func ReferenceEventEnvelope(ev ReferenceEvent) Envelope {
	return Envelope{Type: "ReferenceEvent", ID: ev.ID, Change: string(ev.Type)}
}

// RoutingKey returns the fixed outbound subject for the envelope kind.
func (e Envelope) RoutingKey() string {
	switch e.Type {
	case "Retrieval":
		return RoutingKeyRetrieval
	case "Harvesting":
		return RoutingKeyHarvesting
	default:
		return RoutingKeyReferenceEvent
	}
}

// Marshal encodes the envelope for publishing.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
