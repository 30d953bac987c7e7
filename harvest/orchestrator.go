package harvest

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/refstream/errors"
	"github.com/c360/refstream/metric"
	"github.com/c360/refstream/source"
	"github.com/c360/refstream/storage"
	"github.com/c360/refstream/types"
)

// OrchestratorDeps holds runtime dependencies for the orchestrator.
type OrchestratorDeps struct {
	Gateway  storage.Gateway
	Registry *source.Registry
	Logger   *slog.Logger
	Metrics  *metric.Metrics // optional
}

// Orchestrator turns one harvest request into a retrieval with one
// harvesting per applicable source, runs the harvestings concurrently,
// and multiplexes their event streams onto a single channel.
type Orchestrator struct {
	gateway  storage.Gateway
	registry *source.Registry
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		gateway:  deps.Gateway,
		registry: deps.Registry,
		logger:   logger,
		metrics:  deps.Metrics,
	}
}

// Registration is the persisted outcome of registering a harvest request.
type Registration struct {
	Retrieval   types.Retrieval
	Entity      types.Entity
	Harvestings []types.Harvesting
	Events      types.EventSet
}

// Register resolves the request's entity against storage (idempotent
// upsert: any matching identifier joins the request to the known entity),
// persists the retrieval, and creates one idle harvesting per applicable
// source.
func (o *Orchestrator) Register(ctx context.Context, req *types.HarvestRequest) (*Registration, error) {
	incoming := req.Entity()

	entity, err := o.gateway.ResolveEntityByIdentifiers(ctx, incoming.Identifiers)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		entity = &incoming
		if err := o.gateway.CreateEntity(ctx, entity); err != nil {
			return nil, err
		}
	} else {
		entity.MergeIdentifiers(incoming.Identifiers)
		entity.RemoveIdentifiers(req.Nullify)
		if incoming.Name != "" {
			entity.Name = incoming.Name
		}
		if err := o.gateway.UpdateEntity(ctx, entity); err != nil {
			return nil, err
		}
	}

	events := req.EventSet()
	retrieval := types.Retrieval{EntityID: entity.ID, Events: events.Names()}
	if err := o.gateway.CreateRetrieval(ctx, &retrieval); err != nil {
		return nil, err
	}

	pairs := o.registry.Applicable(entity, req.Harvesters)
	if len(pairs) == 0 {
		o.logger.Warn("no applicable harvester for entity",
			"entity", entity.ID, "requested", req.Harvesters)
	}

	history := req.HistoryEnabled()
	harvestings := make([]types.Harvesting, 0, len(pairs))
	for _, p := range pairs {
		h := types.Harvesting{
			RetrievalID: retrieval.ID,
			Source:      p.Adapter.Name(),
			State:       types.HarvestingIdle,
			History:     history,
		}
		if err := o.gateway.CreateHarvesting(ctx, &h); err != nil {
			return nil, err
		}
		harvestings = append(harvestings, h)
	}

	return &Registration{
		Retrieval:   retrieval,
		Entity:      *entity,
		Harvestings: harvestings,
		Events:      events,
	}, nil
}

// Run executes every harvesting of the registration concurrently,
// multiplexing their events onto out. It blocks until all harvestings
// reach a terminal state and never cancels a sibling because another one
// failed: storage consistency takes priority over responsiveness. The
// returned error joins infrastructure failures only; source failures are
// absorbed inside each harvesting.
//
// Run does not close out: the caller owns the channel.
func (o *Orchestrator) Run(ctx context.Context, reg *Registration, out chan<- types.Envelope) error {
	// Announce the retrieval first so listeners can correlate events.
	select {
	case out <- types.RetrievalEnvelope(reg.Retrieval):
	case <-ctx.Done():
		return ctx.Err()
	}

	g := new(errgroup.Group)
	engine := NewDiffEngine(o.gateway)

	for i := range reg.Harvestings {
		harvesting := &reg.Harvestings[i]
		pair, ok := o.registry.Get(harvesting.Source)
		if !ok {
			return errors.ErrUnknownSource
		}
		runner := NewRunner(RunnerDeps{
			Gateway: o.gateway,
			Engine:  engine,
			Pair:    pair,
			Logger:  o.logger,
			Metrics: o.metrics,
		})
		g.Go(func() error {
			return runner.Run(ctx, harvesting, &reg.Entity, reg.Events, out)
		})
	}

	return g.Wait()
}

// WaitFirstReference reads envelopes from out until the first reference
// event arrives, the timeout elapses, or the channel closes. On timeout
// it reports the distinguished results-timeout condition; the underlying
// harvestings keep running either way, and events already read remain
// valid. Callers that stop listening after this must keep draining out
// (or let the producer's bounded channel apply backpressure knowingly).
func WaitFirstReference(ctx context.Context, out <-chan types.Envelope, timeout time.Duration) (*types.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case env, ok := <-out:
			if !ok {
				return nil, errors.ErrNotFound
			}
			if env.Type == "ReferenceEvent" {
				return &env, nil
			}
		case <-timer.C:
			return nil, errors.ErrResultsTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
