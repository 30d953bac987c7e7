package harvest

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/refstream/errors"
	"github.com/c360/refstream/metric"
	"github.com/c360/refstream/source"
	"github.com/c360/refstream/storage"
	"github.com/c360/refstream/types"
)

// RunnerDeps holds runtime dependencies for a harvesting runner.
type RunnerDeps struct {
	Gateway storage.Gateway
	Engine  *DiffEngine
	Pair    source.Pair
	Logger  *slog.Logger
	Metrics *metric.Metrics // optional
}

// Runner drives one harvesting through its lifecycle: idle -> running ->
// completed | failed. It streams adapter output through the normalizer and
// the diffing engine, emitting events as they are produced, then runs the
// deletion-detection pass on normal completion.
//
// Endpoint and format failures are absorbed here: they are recorded on
// the harvesting, surfaced as a failed progress event, and never
// propagate to the caller. Storage failures do propagate, so the worker
// level can trigger broker redelivery.
type Runner struct {
	gateway storage.Gateway
	engine  *DiffEngine
	pair    source.Pair
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewRunner creates a runner for one source pair.
func NewRunner(deps RunnerDeps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		gateway: deps.Gateway,
		engine:  deps.Engine,
		pair:    deps.Pair,
		logger:  logger.With("source", deps.Pair.Adapter.Name()),
		metrics: deps.Metrics,
	}
}

// Run executes the harvesting to a terminal state. Events are emitted on
// out in adapter order, the synthetic deletion pass last. The returned
// error is non-nil only for infrastructure failures (storage, cancelled
// context); source failures terminate the harvesting as failed and return
// nil.
func (r *Runner) Run(ctx context.Context, harvesting *types.Harvesting, entity *types.Entity, requested types.EventSet, out chan<- types.Envelope) error {
	start := time.Now()

	// The adapter's producer blocks in Emit once the stream buffer fills.
	// Cancelling on return releases it when the run aborts mid-stream, so
	// a failed harvesting never strands a producer goroutine.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.transition(ctx, harvesting, types.HarvestingRunning, out); err != nil {
		return err
	}

	stream := r.pair.Adapter.Fetch(ctx, entity)
	seen := make(map[string]bool)

	for raw := range stream.Results() {
		if r.metrics != nil {
			r.metrics.RecordsFetched.WithLabelValues(harvesting.Source).Inc()
		}

		ref, err := r.pair.Normalizer.Convert(raw)
		if err != nil {
			return r.fail(ctx, harvesting, err, out)
		}
		if ref.SourceID == "" {
			// Normalizer contract violation: a programming error, logged
			// loudly and distinct from the two operational failures.
			r.logger.Error("normalizer returned reference without source identifier",
				"harvesting", harvesting.ID, "formatter", raw.FormatterName)
			return r.fail(ctx, harvesting, errors.ErrMissingSourceID, out)
		}

		// Track the identifier before diffing so deletion detection sees
		// it even when the event type was not requested.
		seen[ref.SourceID] = true

		event, err := r.engine.Register(ctx, harvesting.ID, ref, requested, harvesting.History)
		if err != nil {
			return err
		}
		if event != nil {
			if err := r.emitEvent(ctx, harvesting.Source, *event, out); err != nil {
				return err
			}
		}
	}

	if err := stream.Err(); err != nil {
		return r.fail(ctx, harvesting, err, out)
	}

	if requested.Has(types.EventDeleted) {
		if err := r.deletionPass(ctx, harvesting, entity, seen, out); err != nil {
			return err
		}
	}

	if err := r.transition(ctx, harvesting, types.HarvestingCompleted, out); err != nil {
		return err
	}
	r.observeTerminal(harvesting, start)
	return nil
}

// deletionPass synthesizes deleted events for every reference known from
// prior history-eligible harvestings whose identifier was not seen in
// this run.
func (r *Runner) deletionPass(ctx context.Context, harvesting *types.Harvesting, entity *types.Entity, seen map[string]bool, out chan<- types.Envelope) error {
	baseline, err := r.gateway.ReferencesFromPriorHistoryEligibleHarvestings(
		ctx, entity.ID, harvesting.Source, harvesting.ID)
	if err != nil {
		return err
	}
	for _, ref := range baseline {
		if seen[ref.SourceID] {
			continue
		}
		event, err := r.engine.RegisterDeletion(ctx, harvesting.ID, ref, harvesting.History)
		if err != nil {
			return err
		}
		if err := r.emitEvent(ctx, harvesting.Source, *event, out); err != nil {
			return err
		}
	}
	return nil
}

// fail absorbs a source failure: persists the failed state and the error
// record, emits the failed progress event, and reports success to the
// caller. No deletion pass runs after a failure: an incomplete result set
// must never be mistaken for deletions.
func (r *Runner) fail(ctx context.Context, harvesting *types.Harvesting, cause error, out chan<- types.Envelope) error {
	r.logger.Warn("harvesting failed",
		"harvesting", harvesting.ID, "error", cause)

	harvesting.ErrType = errors.TypeName(cause)
	harvesting.ErrMessage = cause.Error()
	if err := r.gateway.RecordHarvestingError(ctx, harvesting.ID, harvesting.ErrType, harvesting.ErrMessage); err != nil {
		return err
	}
	if err := r.transition(ctx, harvesting, types.HarvestingFailed, out); err != nil {
		return err
	}
	r.observeTerminal(harvesting, time.Time{})
	return nil
}

// transition persists a state change and emits the progress event.
func (r *Runner) transition(ctx context.Context, harvesting *types.Harvesting, next types.HarvestingState, out chan<- types.Envelope) error {
	if err := harvesting.Transition(next); err != nil {
		return err
	}
	if err := r.gateway.UpdateHarvestingState(ctx, harvesting.ID, next); err != nil {
		return err
	}
	return r.emit(ctx, types.HarvestingEnvelope(*harvesting), out)
}

func (r *Runner) emitEvent(ctx context.Context, sourceName string, event types.ReferenceEvent, out chan<- types.Envelope) error {
	if r.metrics != nil {
		r.metrics.ReferenceEvents.WithLabelValues(sourceName, string(event.Type)).Inc()
	}
	return r.emit(ctx, types.ReferenceEventEnvelope(event), out)
}

// emit is a blocking put on the bounded result channel: backpressure
// applies per event, not at harvesting completion.
func (r *Runner) emit(ctx context.Context, env types.Envelope, out chan<- types.Envelope) error {
	select {
	case out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) observeTerminal(harvesting *types.Harvesting, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.Harvestings.WithLabelValues(harvesting.Source, string(harvesting.State)).Inc()
	if !start.IsZero() {
		r.metrics.HarvestDuration.WithLabelValues(harvesting.Source).Observe(time.Since(start).Seconds())
	}
}
