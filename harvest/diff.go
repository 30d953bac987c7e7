// Package harvest implements the harvesting core: the diffing and
// versioning engine, the per-source harvesting state machine, and the
// retrieval orchestrator that fans harvestings out and multiplexes their
// event streams.
package harvest

import (
	"context"
	"fmt"

	"github.com/c360/refstream/errors"
	"github.com/c360/refstream/storage"
	"github.com/c360/refstream/types"
)

// DiffEngine decides what changed for one (source, source identifier)
// pair and is the only writer of new reference versions. Its decisions
// are idempotent under at-least-once redelivery of the same harvesting
// trigger: replaying unchanged upstream data yields only unchanged events
// (or none), never duplicate created or updated events.
type DiffEngine struct {
	gateway storage.Gateway
}

// NewDiffEngine creates a diffing engine over the given gateway.
func NewDiffEngine(gateway storage.Gateway) *DiffEngine {
	return &DiffEngine{gateway: gateway}
}

// Exists returns the reference version a diff for new should compare
// against: the highest version that is history-eligible or has no events
// at all. Returns nil when no prior reference exists.
func (e *DiffEngine) Exists(ctx context.Context, new *types.Reference) (*types.Reference, error) {
	return e.gateway.LatestReferenceBySourceAndID(ctx, new.Source, new.SourceID)
}

// Register diffs new against the prior version and persists the outcome.
// Returns nil when the resulting event type was not requested: in that
// case nothing is persisted at all. The caller tracks the source
// identifier as seen regardless of the branch taken here.
func (e *DiffEngine) Register(ctx context.Context, harvestingID string, new types.Reference, requested types.EventSet, history bool) (*types.ReferenceEvent, error) {
	if new.SourceID == "" {
		return nil, errors.ErrMissingSourceID
	}

	old, err := e.Exists(ctx, &new)
	if err != nil {
		return nil, err
	}

	switch {
	case old == nil:
		if !requested.Has(types.EventCreated) {
			return nil, nil
		}
		new.Version = 0
		if err := e.gateway.CreateReference(ctx, &new); err != nil {
			if errors.Is(err, errors.ErrVersionConflict) {
				return e.resolveConflict(ctx, harvestingID, new, requested, history)
			}
			return nil, err
		}
		return e.record(ctx, harvestingID, new.ID, types.EventCreated, history)

	case new.Hash != old.Hash:
		if !requested.Has(types.EventUpdated) {
			return nil, nil
		}
		new.Version = old.Version + 1
		if err := e.gateway.CreateReference(ctx, &new); err != nil {
			if errors.Is(err, errors.ErrVersionConflict) {
				return e.resolveConflict(ctx, harvestingID, new, requested, history)
			}
			return nil, err
		}
		return e.record(ctx, harvestingID, new.ID, types.EventUpdated, history)

	default:
		// Unchanged events never allocate a version; they point at the
		// existing one.
		if !requested.Has(types.EventUnchanged) {
			return nil, nil
		}
		return e.record(ctx, harvestingID, old.ID, types.EventUnchanged, history)
	}
}

// resolveConflict re-diffs against the true newest version after an
// occupied version slot. The eligible baseline hides versions whose only
// events are history-disabled, so a later run (or a redelivered trigger)
// can collide with a slot it could not see; falling back to the newest
// row keeps Register idempotent instead of surfacing a conflict the
// retry loop can never resolve.
func (e *DiffEngine) resolveConflict(ctx context.Context, harvestingID string, new types.Reference, requested types.EventSet, history bool) (*types.ReferenceEvent, error) {
	newest, err := e.gateway.NewestReferenceBySourceAndID(ctx, new.Source, new.SourceID)
	if err != nil {
		return nil, err
	}
	if newest == nil {
		// A conflict without an occupant cannot happen within one store.
		return nil, fmt.Errorf("%w: %s/%s has no versions", errors.ErrVersionConflict, new.Source, new.SourceID)
	}

	if new.Hash == newest.Hash {
		if !requested.Has(types.EventUnchanged) {
			return nil, nil
		}
		return e.record(ctx, harvestingID, newest.ID, types.EventUnchanged, history)
	}

	if !requested.Has(types.EventUpdated) {
		return nil, nil
	}
	new.Version = newest.Version + 1
	if err := e.gateway.CreateReference(ctx, &new); err != nil {
		return nil, err
	}
	return e.record(ctx, harvestingID, new.ID, types.EventUpdated, history)
}

// RegisterDeletion records a deleted event against the last known version
// of old. Deletion is event-only: the reference row is never touched, so
// the record can come back through a later created event with its version
// chain continuing from where it left off.
func (e *DiffEngine) RegisterDeletion(ctx context.Context, harvestingID string, old types.Reference, history bool) (*types.ReferenceEvent, error) {
	return e.record(ctx, harvestingID, old.ID, types.EventDeleted, history)
}

func (e *DiffEngine) record(ctx context.Context, harvestingID, referenceID string, t types.EventType, history bool) (*types.ReferenceEvent, error) {
	event := &types.ReferenceEvent{
		HarvestingID: harvestingID,
		ReferenceID:  referenceID,
		Type:         t,
		History:      history,
	}
	if err := e.gateway.CreateReferenceEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}
