// Package storage provides the transactional gateway over entities,
// retrievals, harvestings, references and reference events. Every gateway
// operation is transactional at single-call granularity; transactions are
// never held across suspension points.
package storage

import (
	"context"

	"github.com/c360/refstream/types"
)

// Gateway is the narrow data-access contract consumed by the harvesting
// core. The diffing engine is the only caller of CreateReference.
type Gateway interface {
	// CreateEntity persists a new entity and its identifiers. Assigns the
	// ID when empty.
	CreateEntity(ctx context.Context, entity *types.Entity) error

	// ResolveEntityByIdentifiers returns the entity owning any of the given
	// identifiers, or nil when no entity matches.
	ResolveEntityByIdentifiers(ctx context.Context, ids []types.Identifier) (*types.Entity, error)

	// UpdateEntity rewrites the entity's name and identifier set.
	UpdateEntity(ctx context.Context, entity *types.Entity) error

	// CreateRetrieval persists a retrieval for an entity.
	CreateRetrieval(ctx context.Context, retrieval *types.Retrieval) error

	// CreateHarvesting persists a harvesting owned by a retrieval.
	CreateHarvesting(ctx context.Context, harvesting *types.Harvesting) error

	// UpdateHarvestingState persists a lifecycle transition.
	UpdateHarvestingState(ctx context.Context, harvestingID string, state types.HarvestingState) error

	// RecordHarvestingError attaches an error record to a harvesting.
	RecordHarvestingError(ctx context.Context, harvestingID, errType, errMessage string) error

	// GetHarvesting loads one harvesting by id.
	GetHarvesting(ctx context.Context, harvestingID string) (*types.Harvesting, error)

	// LatestReferenceBySourceAndID returns the highest-version reference
	// for (source, sourceID) that is either history-eligible or has no
	// reference events at all: the version a future diff should compare
	// against. Returns nil when no prior reference exists.
	LatestReferenceBySourceAndID(ctx context.Context, source, sourceID string) (*types.Reference, error)

	// NewestReferenceBySourceAndID returns the highest-version reference
	// for (source, sourceID) regardless of event visibility, or nil when
	// none exists. Used to recover version allocation when the eligible
	// baseline hides versions written by history-disabled harvestings.
	NewestReferenceBySourceAndID(ctx context.Context, source, sourceID string) (*types.Reference, error)

	// CreateReference persists a new immutable reference version. Fails
	// with ErrVersionConflict when the (source, sourceID, version) slot is
	// already taken.
	CreateReference(ctx context.Context, ref *types.Reference) error

	// CreateReferenceEvent persists one diffing outcome.
	CreateReferenceEvent(ctx context.Context, event *types.ReferenceEvent) error

	// ReferencesFromPriorHistoryEligibleHarvestings returns, for deletion
	// detection, the latest reference version per source identifier known
	// from history-eligible harvestings of this entity and source other
	// than the excluded one. References whose most recent history-eligible
	// event is a deletion are omitted: they are already gone and must not
	// produce a second deleted event.
	ReferencesFromPriorHistoryEligibleHarvestings(ctx context.Context, entityID, source, excludingHarvestingID string) ([]types.Reference, error)

	// Close releases the underlying store.
	Close() error
}
