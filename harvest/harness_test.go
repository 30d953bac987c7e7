package harvest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/refstream/errors"
	"github.com/c360/refstream/source"
	"github.com/c360/refstream/types"
)

// memGateway is an in-memory Gateway with the same eligibility semantics
// as the relational store: diff baselines consider a version when it is
// history-eligible or carries no events at all.
type memGateway struct {
	mu          sync.Mutex
	entities    map[string]*types.Entity
	retrievals  map[string]*types.Retrieval
	harvestings map[string]*types.Harvesting
	refs        []types.Reference
	events      []types.ReferenceEvent

	failCreateReference error
	failCreateEvent     error
}

func newMemGateway() *memGateway {
	return &memGateway{
		entities:    make(map[string]*types.Entity),
		retrievals:  make(map[string]*types.Retrieval),
		harvestings: make(map[string]*types.Harvesting),
	}
}

func (g *memGateway) CreateEntity(_ context.Context, entity *types.Entity) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	stored := *entity
	g.entities[entity.ID] = &stored
	return nil
}

func (g *memGateway) ResolveEntityByIdentifiers(_ context.Context, ids []types.Identifier) (*types.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.entities {
		for _, have := range e.Identifiers {
			for _, want := range ids {
				if have.Type == want.Type && have.Value == want.Value {
					found := *e
					return &found, nil
				}
			}
		}
	}
	return nil, nil
}

func (g *memGateway) UpdateEntity(_ context.Context, entity *types.Entity) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	stored := *entity
	g.entities[entity.ID] = &stored
	return nil
}

func (g *memGateway) CreateRetrieval(_ context.Context, retrieval *types.Retrieval) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if retrieval.ID == "" {
		retrieval.ID = uuid.NewString()
	}
	stored := *retrieval
	g.retrievals[retrieval.ID] = &stored
	return nil
}

func (g *memGateway) CreateHarvesting(_ context.Context, harvesting *types.Harvesting) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if harvesting.ID == "" {
		harvesting.ID = uuid.NewString()
	}
	stored := *harvesting
	g.harvestings[harvesting.ID] = &stored
	return nil
}

func (g *memGateway) UpdateHarvestingState(_ context.Context, harvestingID string, state types.HarvestingState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.harvestings[harvestingID]; ok {
		h.State = state
	}
	return nil
}

func (g *memGateway) RecordHarvestingError(_ context.Context, harvestingID, errType, errMessage string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.harvestings[harvestingID]; ok {
		h.ErrType = errType
		h.ErrMessage = errMessage
	}
	return nil
}

func (g *memGateway) GetHarvesting(_ context.Context, harvestingID string) (*types.Harvesting, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.harvestings[harvestingID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	found := *h
	return &found, nil
}

func (g *memGateway) LatestReferenceBySourceAndID(_ context.Context, src, sourceID string) (*types.Reference, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var best *types.Reference
	for i := range g.refs {
		ref := &g.refs[i]
		if ref.Source != src || ref.SourceID != sourceID {
			continue
		}
		if !g.eligibleLocked(ref.ID) {
			continue
		}
		if best == nil || ref.Version > best.Version {
			best = ref
		}
	}
	if best == nil {
		return nil, nil
	}
	found := *best
	return &found, nil
}

func (g *memGateway) NewestReferenceBySourceAndID(_ context.Context, src, sourceID string) (*types.Reference, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var best *types.Reference
	for i := range g.refs {
		ref := &g.refs[i]
		if ref.Source != src || ref.SourceID != sourceID {
			continue
		}
		if best == nil || ref.Version > best.Version {
			best = ref
		}
	}
	if best == nil {
		return nil, nil
	}
	found := *best
	return &found, nil
}

// eligibleLocked mirrors the store's baseline rule: no events at all, or
// at least one history-eligible event.
func (g *memGateway) eligibleLocked(refID string) bool {
	hasEvent := false
	for _, ev := range g.events {
		if ev.ReferenceID != refID {
			continue
		}
		hasEvent = true
		if ev.History {
			return true
		}
	}
	return !hasEvent
}

func (g *memGateway) CreateReference(_ context.Context, ref *types.Reference) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCreateReference != nil {
		return g.failCreateReference
	}
	for _, existing := range g.refs {
		if existing.Source == ref.Source && existing.SourceID == ref.SourceID && existing.Version == ref.Version {
			return errors.ErrVersionConflict
		}
	}
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	g.refs = append(g.refs, *ref)
	return nil
}

func (g *memGateway) CreateReferenceEvent(_ context.Context, event *types.ReferenceEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCreateEvent != nil {
		return g.failCreateEvent
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	g.events = append(g.events, *event)
	return nil
}

func (g *memGateway) ReferencesFromPriorHistoryEligibleHarvestings(_ context.Context, entityID, src, excludingHarvestingID string) ([]types.Reference, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	type tracked struct {
		best     *types.Reference
		lastType types.EventType
	}
	bySourceID := make(map[string]*tracked)
	var order []string

	for _, ev := range g.events {
		if !ev.History || ev.HarvestingID == excludingHarvestingID {
			continue
		}
		h, ok := g.harvestings[ev.HarvestingID]
		if !ok || h.Source != src {
			continue
		}
		rt, ok := g.retrievals[h.RetrievalID]
		if !ok || rt.EntityID != entityID {
			continue
		}
		ref := g.refByIDLocked(ev.ReferenceID)
		if ref == nil {
			continue
		}

		t, ok := bySourceID[ref.SourceID]
		if !ok {
			t = &tracked{}
			bySourceID[ref.SourceID] = t
			order = append(order, ref.SourceID)
		}
		if t.best == nil || ref.Version > t.best.Version {
			t.best = ref
		}
		t.lastType = ev.Type
	}

	var out []types.Reference
	for _, sid := range order {
		t := bySourceID[sid]
		if t.lastType == types.EventDeleted {
			continue
		}
		out = append(out, *t.best)
	}
	return out, nil
}

func (g *memGateway) refByIDLocked(id string) *types.Reference {
	for i := range g.refs {
		if g.refs[i].ID == id {
			return &g.refs[i]
		}
	}
	return nil
}

func (g *memGateway) Close() error { return nil }

func (g *memGateway) eventsOfType(t types.EventType) []types.ReferenceEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []types.ReferenceEvent
	for _, ev := range g.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (g *memGateway) referenceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refs)
}

// fakeAdapter replays canned records, optionally failing at the end.
type fakeAdapter struct {
	name     string
	idType   string
	records  []types.Reference
	failWith error

	// exited, when set, is closed once the producer goroutine returns.
	exited chan struct{}
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Relevant(entity *types.Entity) bool {
	return entity.Identifier(a.idType) != ""
}

func (a *fakeAdapter) Fetch(ctx context.Context, _ *types.Entity) *source.Stream {
	stream := source.NewStream()
	go func() {
		if a.exited != nil {
			defer close(a.exited)
		}
		for _, rec := range a.records {
			payload, _ := json.Marshal(rec)
			ok := stream.Emit(ctx, source.RawResult{
				FormatterName: a.name,
				SourceID:      rec.SourceID,
				Payload:       payload,
			})
			if !ok {
				stream.Fail(ctx.Err())
				return
			}
		}
		if a.failWith != nil {
			stream.Fail(a.failWith)
			return
		}
		stream.Close()
	}()
	return stream
}

// fakeNormalizer decodes the canned reference and stamps its hash.
type fakeNormalizer struct {
	convertErr error
}

func (n *fakeNormalizer) Convert(raw source.RawResult) (types.Reference, error) {
	if n.convertErr != nil {
		return types.Reference{}, n.convertErr
	}
	var ref types.Reference
	if err := json.Unmarshal(raw.Payload, &ref); err != nil {
		return types.Reference{}, err
	}
	ref.Hash = source.Hash(&ref, n.HashFields())
	return ref, nil
}

func (n *fakeNormalizer) HashFields() []string {
	return []string{source.FieldTitle, source.FieldAbstract, source.FieldContributors}
}

func fakePair(name, idType string, records []types.Reference, failWith error) source.Pair {
	return source.Pair{
		Adapter:    &fakeAdapter{name: name, idType: idType, records: records, failWith: failWith},
		Normalizer: &fakeNormalizer{},
	}
}

// drain collects every envelope currently buffered on out.
func drain(out chan types.Envelope) []types.Envelope {
	var envs []types.Envelope
	for {
		select {
		case env := <-out:
			envs = append(envs, env)
		default:
			return envs
		}
	}
}
