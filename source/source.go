// Package source defines the contracts between the harvesting core and
// external catalog adapters: the raw result shape, the lazy result stream,
// the adapter and normalizer interfaces, the startup-time source registry,
// and the content hash used for change detection.
package source

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/c360/refstream/types"
)

// RawResult is one source-native record, as yielded by an adapter before
// normalization.
type RawResult struct {
	// FormatterName names the normalizer able to convert this payload.
	FormatterName string

	// SourceID is the record's identifier within its source catalog.
	SourceID string

	// Payload is the source-native record body.
	Payload json.RawMessage
}

// Adapter fetches source-native records for an entity. Implementations
// must surface only the two distinguished error kinds across this
// boundary: errors.ErrEndpointFailure for connectivity or HTTP-status
// problems and errors.ErrUnexpectedFormat for schema violations.
type Adapter interface {
	// Name returns the source name (also the registry key).
	Name() string

	// Relevant reports whether this source can harvest the entity, based
	// on the identifiers it carries.
	Relevant(entity *types.Entity) bool

	// Fetch starts producing records for the entity. The returned stream
	// is lazy, unordered and finite; it is closed by the producer on
	// completion or error.
	Fetch(ctx context.Context, entity *types.Entity) *Stream
}

// Normalizer maps one raw record to a normalized reference. Pure except
// for idempotent shared-vocabulary lookups; it must set SourceID on the
// returned reference.
type Normalizer interface {
	// Convert normalizes one raw record. Format problems are reported as
	// errors.ErrUnexpectedFormat.
	Convert(raw RawResult) (types.Reference, error)

	// HashFields returns the ordered field selectors the content hash is
	// computed over for this source.
	HashFields() []string
}

// Pair couples an adapter with its normalizer.
type Pair struct {
	Adapter    Adapter
	Normalizer Normalizer
}

// Registry maps source names to adapter/normalizer pairs. It is populated
// at startup; no dynamic loading.
type Registry struct {
	pairs map[string]Pair
	names []string
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{pairs: make(map[string]Pair)}
}

// Register adds a source pair under the adapter's name. Re-registering a
// name replaces the previous pair.
func (r *Registry) Register(p Pair) {
	name := p.Adapter.Name()
	if _, exists := r.pairs[name]; !exists {
		r.names = append(r.names, name)
		sort.Strings(r.names)
	}
	r.pairs[name] = p
}

// Get returns the pair registered under name.
func (r *Registry) Get(name string) (Pair, bool) {
	p, ok := r.pairs[name]
	return p, ok
}

// Names returns all registered source names in stable order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Applicable returns the pairs whose adapters declare the entity relevant,
// optionally restricted to the requested source names. An empty request
// means all registered sources.
func (r *Registry) Applicable(entity *types.Entity, requested []string) []Pair {
	names := r.names
	if len(requested) > 0 {
		names = requested
	}
	var out []Pair
	for _, name := range names {
		p, ok := r.pairs[name]
		if !ok {
			continue
		}
		if p.Adapter.Relevant(entity) {
			out = append(out, p)
		}
	}
	return out
}
