package harvest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/refstream/errors"
	"github.com/c360/refstream/source"
	"github.com/c360/refstream/types"
)

// seedHarvesting persists an entity, retrieval and idle harvesting so a
// runner can be exercised in isolation.
func seedHarvesting(t *testing.T, gw *memGateway, sourceName string, history bool) (*types.Harvesting, *types.Entity) {
	t.Helper()
	ctx := context.Background()

	entity := &types.Entity{
		Kind:        types.KindPerson,
		Identifiers: []types.Identifier{{Type: types.IdentifierHALID, Value: "jdoe"}},
	}
	require.NoError(t, gw.CreateEntity(ctx, entity))

	retrieval := &types.Retrieval{EntityID: entity.ID, Events: types.AllEvents().Names()}
	require.NoError(t, gw.CreateRetrieval(ctx, retrieval))

	harvesting := &types.Harvesting{
		RetrievalID: retrieval.ID,
		Source:      sourceName,
		State:       types.HarvestingIdle,
		History:     history,
	}
	require.NoError(t, gw.CreateHarvesting(ctx, harvesting))
	return harvesting, entity
}

func runOnce(t *testing.T, gw *memGateway, harvesting *types.Harvesting, entity *types.Entity, records []types.Reference, failWith error) ([]types.Envelope, error) {
	t.Helper()
	runner := NewRunner(RunnerDeps{
		Gateway: gw,
		Engine:  NewDiffEngine(gw),
		Pair:    fakePair(harvesting.Source, types.IdentifierHALID, records, failWith),
	})
	out := make(chan types.Envelope, 64)
	err := runner.Run(context.Background(), harvesting, entity, types.AllEvents(), out)
	return drain(out), err
}

func TestRunnerStreamsEventsAndCompletes(t *testing.T) {
	gw := newMemGateway()
	harvesting, entity := seedHarvesting(t, gw, "hal", true)

	records := []types.Reference{
		hashedRef("hal", "hal-001", "First"),
		hashedRef("hal", "hal-002", "Second"),
	}
	envs, err := runOnce(t, gw, harvesting, entity, records, nil)
	require.NoError(t, err)

	// running, two reference events, completed; in that order.
	require.Len(t, envs, 4)
	assert.Equal(t, "Harvesting", envs[0].Type)
	assert.Equal(t, string(types.HarvestingRunning), envs[0].State)
	assert.Equal(t, "ReferenceEvent", envs[1].Type)
	assert.Equal(t, "ReferenceEvent", envs[2].Type)
	assert.Equal(t, "Harvesting", envs[3].Type)
	assert.Equal(t, string(types.HarvestingCompleted), envs[3].State)

	persisted, err := gw.GetHarvesting(context.Background(), harvesting.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HarvestingCompleted, persisted.State)
}

func TestRunnerDetectsDeletions(t *testing.T) {
	gw := newMemGateway()

	// First run establishes {A, B, C} as the known set.
	first, entity := seedHarvesting(t, gw, "hal", true)
	_, err := runOnce(t, gw, first, entity, []types.Reference{
		hashedRef("hal", "A", "Alpha"),
		hashedRef("hal", "B", "Beta"),
		hashedRef("hal", "C", "Gamma"),
	}, nil)
	require.NoError(t, err)

	// Second run for the same entity sees only {A, C}.
	second := &types.Harvesting{
		RetrievalID: first.RetrievalID,
		Source:      "hal",
		State:       types.HarvestingIdle,
		History:     true,
	}
	require.NoError(t, gw.CreateHarvesting(context.Background(), second))

	envs, err := runOnce(t, gw, second, entity, []types.Reference{
		hashedRef("hal", "A", "Alpha"),
		hashedRef("hal", "C", "Gamma"),
	}, nil)
	require.NoError(t, err)

	deleted := gw.eventsOfType(types.EventDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, second.ID, deleted[0].HarvestingID)

	refB, err := gw.LatestReferenceBySourceAndID(context.Background(), "hal", "B")
	require.NoError(t, err)
	require.NotNil(t, refB)
	assert.Equal(t, refB.ID, deleted[0].ReferenceID)

	// Exactly one deleted envelope, after the unchanged ones.
	var deletedEnvs int
	for _, env := range envs {
		if env.Change == string(types.EventDeleted) {
			deletedEnvs++
		}
	}
	assert.Equal(t, 1, deletedEnvs)
}

func TestRunnerThreeRunLifecycle(t *testing.T) {
	gw := newMemGateway()
	ctx := context.Background()

	// Run 1: {A, B} appear for the first time.
	first, entity := seedHarvesting(t, gw, "hal", true)
	_, err := runOnce(t, gw, first, entity, []types.Reference{
		hashedRef("hal", "A", "Alpha"),
		hashedRef("hal", "B", "Beta"),
	}, nil)
	require.NoError(t, err)
	assert.Len(t, gw.eventsOfType(types.EventCreated), 2)

	// Run 2: A's content changes, B is untouched.
	second := &types.Harvesting{
		RetrievalID: first.RetrievalID,
		Source:      "hal",
		State:       types.HarvestingIdle,
		History:     true,
	}
	require.NoError(t, gw.CreateHarvesting(ctx, second))
	_, err = runOnce(t, gw, second, entity, []types.Reference{
		hashedRef("hal", "A", "Alpha, revised"),
		hashedRef("hal", "B", "Beta"),
	}, nil)
	require.NoError(t, err)
	assert.Len(t, gw.eventsOfType(types.EventUpdated), 1)
	assert.Len(t, gw.eventsOfType(types.EventUnchanged), 1)

	latestA, err := gw.LatestReferenceBySourceAndID(ctx, "hal", "A")
	require.NoError(t, err)
	require.NotNil(t, latestA)
	assert.Equal(t, 1, latestA.Version)

	// Run 3: A disappears.
	third := &types.Harvesting{
		RetrievalID: first.RetrievalID,
		Source:      "hal",
		State:       types.HarvestingIdle,
		History:     true,
	}
	require.NoError(t, gw.CreateHarvesting(ctx, third))
	_, err = runOnce(t, gw, third, entity, []types.Reference{
		hashedRef("hal", "B", "Beta"),
	}, nil)
	require.NoError(t, err)

	deleted := gw.eventsOfType(types.EventDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, latestA.ID, deleted[0].ReferenceID, "deletion marks the latest version")

	// The row itself survives; deletion is an event, not an erasure.
	stillA, err := gw.LatestReferenceBySourceAndID(ctx, "hal", "A")
	require.NoError(t, err)
	require.NotNil(t, stillA)
	assert.Equal(t, 1, stillA.Version)
}

func TestRunnerDoesNotRedeleteAlreadyDeleted(t *testing.T) {
	gw := newMemGateway()

	first, entity := seedHarvesting(t, gw, "hal", true)
	_, err := runOnce(t, gw, first, entity, []types.Reference{
		hashedRef("hal", "A", "Alpha"),
		hashedRef("hal", "B", "Beta"),
	}, nil)
	require.NoError(t, err)

	// B disappears; then a third run still without B.
	for i := 0; i < 2; i++ {
		h := &types.Harvesting{
			RetrievalID: first.RetrievalID,
			Source:      "hal",
			State:       types.HarvestingIdle,
			History:     true,
		}
		require.NoError(t, gw.CreateHarvesting(context.Background(), h))
		_, err := runOnce(t, gw, h, entity, []types.Reference{
			hashedRef("hal", "A", "Alpha"),
		}, nil)
		require.NoError(t, err)
	}

	assert.Len(t, gw.eventsOfType(types.EventDeleted), 1)
}

func TestRunnerAbsorbsEndpointFailure(t *testing.T) {
	gw := newMemGateway()
	harvesting, entity := seedHarvesting(t, gw, "hal", true)

	cause := errors.Endpoint("hal", assert.AnError)
	envs, err := runOnce(t, gw, harvesting, entity, []types.Reference{
		hashedRef("hal", "A", "Alpha"),
	}, cause)
	require.NoError(t, err, "source failures must not propagate")

	persisted, getErr := gw.GetHarvesting(context.Background(), harvesting.ID)
	require.NoError(t, getErr)
	assert.Equal(t, types.HarvestingFailed, persisted.State)
	assert.Equal(t, "ExternalEndpointFailure", persisted.ErrType)
	assert.NotEmpty(t, persisted.ErrMessage)

	last := envs[len(envs)-1]
	assert.Equal(t, "Harvesting", last.Type)
	assert.Equal(t, string(types.HarvestingFailed), last.State)
	assert.True(t, last.Error)
	assert.NotEmpty(t, last.Message)

	// Records streamed before the failure were still diffed.
	assert.Equal(t, 1, gw.referenceCount())
	// No deletion pass after a failure.
	assert.Empty(t, gw.eventsOfType(types.EventDeleted))
}

func TestRunnerAbortReleasesProducer(t *testing.T) {
	gw := newMemGateway()
	harvesting, entity := seedHarvesting(t, gw, "hal", true)

	// More records than the stream buffer holds, so the producer blocks
	// in Emit once the consumer walks away.
	records := make([]types.Reference, 64)
	for i := range records {
		records[i] = hashedRef("hal", fmt.Sprintf("hal-%03d", i), "Title")
	}

	exited := make(chan struct{})
	pair := source.Pair{
		Adapter:    &fakeAdapter{name: "hal", idType: types.IdentifierHALID, records: records, exited: exited},
		Normalizer: &fakeNormalizer{convertErr: errors.Format("hal", assert.AnError)},
	}
	runner := NewRunner(RunnerDeps{Gateway: gw, Engine: NewDiffEngine(gw), Pair: pair})

	out := make(chan types.Envelope, 64)
	err := runner.Run(context.Background(), harvesting, entity, types.AllEvents(), out)
	require.NoError(t, err, "format failures are absorbed")

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("producer goroutine stayed blocked after the run ended")
	}
}

func TestRunnerPropagatesStorageFailure(t *testing.T) {
	gw := newMemGateway()
	harvesting, entity := seedHarvesting(t, gw, "hal", true)
	gw.failCreateEvent = errors.ErrStorageUnavailable

	_, err := runOnce(t, gw, harvesting, entity, []types.Reference{
		hashedRef("hal", "A", "Alpha"),
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
}

func TestRunnerFailureSkipsDeletionPassEntirely(t *testing.T) {
	gw := newMemGateway()

	// Establish a baseline, then fail the follow-up mid-stream. The
	// missing baseline entries must not be declared deleted.
	first, entity := seedHarvesting(t, gw, "hal", true)
	_, err := runOnce(t, gw, first, entity, []types.Reference{
		hashedRef("hal", "A", "Alpha"),
		hashedRef("hal", "B", "Beta"),
	}, nil)
	require.NoError(t, err)

	second := &types.Harvesting{
		RetrievalID: first.RetrievalID,
		Source:      "hal",
		State:       types.HarvestingIdle,
		History:     true,
	}
	require.NoError(t, gw.CreateHarvesting(context.Background(), second))

	_, err = runOnce(t, gw, second, entity, nil, errors.Format("hal", assert.AnError))
	require.NoError(t, err)

	assert.Empty(t, gw.eventsOfType(types.EventDeleted))
}
