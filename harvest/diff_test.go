package harvest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/refstream/errors"
	"github.com/c360/refstream/source"
	"github.com/c360/refstream/types"
)

func hashedRef(sourceName, sourceID, title string) types.Reference {
	ref := types.Reference{
		Source:   sourceName,
		SourceID: sourceID,
		Title:    title,
	}
	ref.Hash = source.Hash(&ref, []string{source.FieldTitle})
	return ref
}

func TestDiffEngineFirstAppearanceCreatesVersionZero(t *testing.T) {
	gw := newMemGateway()
	engine := NewDiffEngine(gw)

	event, err := engine.Register(context.Background(), "h1",
		hashedRef("hal", "hal-001", "Graph rewriting"), types.AllEvents(), true)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, types.EventCreated, event.Type)
	assert.Equal(t, "h1", event.HarvestingID)
	assert.True(t, event.History)
	require.Equal(t, 1, gw.referenceCount())
	assert.Equal(t, 0, gw.refs[0].Version)
}

func TestDiffEngineContentChangeIncrementsVersion(t *testing.T) {
	gw := newMemGateway()
	engine := NewDiffEngine(gw)
	ctx := context.Background()

	_, err := engine.Register(ctx, "h1", hashedRef("hal", "hal-001", "Graph rewriting"), types.AllEvents(), true)
	require.NoError(t, err)

	event, err := engine.Register(ctx, "h2", hashedRef("hal", "hal-001", "Graph rewriting, revisited"), types.AllEvents(), true)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, types.EventUpdated, event.Type)
	require.Equal(t, 2, gw.referenceCount())
	assert.Equal(t, 1, gw.refs[1].Version)
	// The previous version row is untouched.
	assert.Equal(t, 0, gw.refs[0].Version)
	assert.Equal(t, "Graph rewriting", gw.refs[0].Title)
}

func TestDiffEngineUnchangedAllocatesNoVersion(t *testing.T) {
	gw := newMemGateway()
	engine := NewDiffEngine(gw)
	ctx := context.Background()

	first, err := engine.Register(ctx, "h1", hashedRef("hal", "hal-001", "Graph rewriting"), types.AllEvents(), true)
	require.NoError(t, err)

	second, err := engine.Register(ctx, "h2", hashedRef("hal", "hal-001", "Graph rewriting"), types.AllEvents(), true)
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, types.EventUnchanged, second.Type)
	assert.Equal(t, first.ReferenceID, second.ReferenceID)
	assert.Equal(t, 1, gw.referenceCount())
}

func TestDiffEngineReplayIsIdempotent(t *testing.T) {
	gw := newMemGateway()
	engine := NewDiffEngine(gw)
	ctx := context.Background()

	// The same trigger delivered twice must not duplicate versions or
	// created events.
	for _, harvestingID := range []string{"h1", "h2"} {
		_, err := engine.Register(ctx, harvestingID, hashedRef("hal", "hal-001", "Graph rewriting"), types.AllEvents(), true)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, gw.referenceCount())
	assert.Len(t, gw.eventsOfType(types.EventCreated), 1)
	assert.Len(t, gw.eventsOfType(types.EventUnchanged), 1)
}

func TestDiffEngineUnrequestedOutcomePersistsNothing(t *testing.T) {
	gw := newMemGateway()
	engine := NewDiffEngine(gw)

	requested, err := types.NewEventSet([]string{"updated"})
	require.NoError(t, err)

	event, err := engine.Register(context.Background(), "h1",
		hashedRef("hal", "hal-001", "Graph rewriting"), requested, true)
	require.NoError(t, err)

	assert.Nil(t, event)
	assert.Equal(t, 0, gw.referenceCount())
	assert.Empty(t, gw.events)
}

func TestDiffEngineRejectsMissingSourceIdentifier(t *testing.T) {
	engine := NewDiffEngine(newMemGateway())

	_, err := engine.Register(context.Background(), "h1",
		types.Reference{Source: "hal"}, types.AllEvents(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingSourceID)
}

func TestDiffEngineDeletionKeepsReferenceRow(t *testing.T) {
	gw := newMemGateway()
	engine := NewDiffEngine(gw)
	ctx := context.Background()

	created, err := engine.Register(ctx, "h1", hashedRef("hal", "hal-001", "Graph rewriting"), types.AllEvents(), true)
	require.NoError(t, err)

	event, err := engine.RegisterDeletion(ctx, "h2", gw.refs[0], true)
	require.NoError(t, err)

	assert.Equal(t, types.EventDeleted, event.Type)
	assert.Equal(t, created.ReferenceID, event.ReferenceID)
	// Deletion is event-only: the version row survives.
	assert.Equal(t, 1, gw.referenceCount())
}

func TestDiffEngineHiddenVersionStillClaimsItsSlot(t *testing.T) {
	gw := newMemGateway()
	engine := NewDiffEngine(gw)
	ctx := context.Background()

	// First sighting in a history-disabled run: the version exists but is
	// invisible as a diff baseline.
	_, err := engine.Register(ctx, "h1", hashedRef("hal", "hal-001", "Graph rewriting"), types.AllEvents(), false)
	require.NoError(t, err)

	// A later history-enabled run cannot see it, collides with the
	// occupied slot, and continues the chain from the true newest version.
	event, err := engine.Register(ctx, "h2", hashedRef("hal", "hal-001", "Graph rewriting, revisited"), types.AllEvents(), true)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, types.EventUpdated, event.Type)
	require.Equal(t, 2, gw.referenceCount())
	assert.Equal(t, 1, gw.refs[1].Version)
}

func TestDiffEngineReplayAfterHistoryDisabledRunIsIdempotent(t *testing.T) {
	gw := newMemGateway()
	engine := NewDiffEngine(gw)
	ctx := context.Background()

	// A redelivered trigger replays identical data after a run whose
	// events are all history-disabled. The prior version is hidden from
	// the baseline, yet the replay must converge on unchanged rather than
	// surfacing a version conflict on every redelivery.
	for _, harvestingID := range []string{"h1", "h2"} {
		event, err := engine.Register(ctx, harvestingID, hashedRef("hal", "hal-001", "Graph rewriting"), types.AllEvents(), false)
		require.NoError(t, err)
		require.NotNil(t, event)
	}

	assert.Equal(t, 1, gw.referenceCount())
	assert.Len(t, gw.eventsOfType(types.EventCreated), 1)
	assert.Len(t, gw.eventsOfType(types.EventUnchanged), 1)
}

func TestDiffEngineVersionChainIsGapless(t *testing.T) {
	gw := newMemGateway()
	engine := NewDiffEngine(gw)
	ctx := context.Background()

	titles := []string{"v0", "v1", "v2", "v3"}
	for _, title := range titles {
		_, err := engine.Register(ctx, "h-"+title, hashedRef("hal", "hal-001", title), types.AllEvents(), true)
		require.NoError(t, err)
	}

	require.Equal(t, len(titles), gw.referenceCount())
	for i, ref := range gw.refs {
		assert.Equal(t, i, ref.Version)
	}
}
