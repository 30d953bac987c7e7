package types

import (
	"fmt"
	"time"
)

// HarvestingState is the lifecycle state of one harvesting run.
// Transitions are monotonic: idle -> running -> completed | failed.
type HarvestingState string

// Harvesting lifecycle states.
const (
	HarvestingIdle      HarvestingState = "idle"
	HarvestingRunning   HarvestingState = "running"
	HarvestingCompleted HarvestingState = "completed"
	HarvestingFailed    HarvestingState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s HarvestingState) Terminal() bool {
	return s == HarvestingCompleted || s == HarvestingFailed
}

// CanTransition reports whether the state machine allows moving to next.
func (s HarvestingState) CanTransition(next HarvestingState) bool {
	switch s {
	case HarvestingIdle:
		return next == HarvestingRunning
	case HarvestingRunning:
		return next == HarvestingCompleted || next == HarvestingFailed
	default:
		return false
	}
}

// Retrieval is one user-facing harvesting request for an entity. It owns
// one harvesting per applicable source and the set of requested event
// types. Immutable after creation except through its child harvestings.
type Retrieval struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"created_at"`
}

// Harvesting is one run of one source adapter against one retrieval's
// entity. History marks whether its events count toward future diffing
// baselines.
type Harvesting struct {
	ID          string          `json:"id"`
	RetrievalID string          `json:"retrieval_id"`
	Source      string          `json:"source"`
	State       HarvestingState `json:"state"`
	History     bool            `json:"history"`
	Timestamp   time.Time       `json:"timestamp"`

	// Error details, set only when State is failed.
	ErrType    string `json:"error_type,omitempty"`
	ErrMessage string `json:"error_message,omitempty"`
}

// Transition moves the harvesting to next, enforcing monotonicity.
func (h *Harvesting) Transition(next HarvestingState) error {
	if !h.State.CanTransition(next) {
		return fmt.Errorf("harvesting %s: illegal transition %s -> %s", h.ID, h.State, next)
	}
	h.State = next
	return nil
}
