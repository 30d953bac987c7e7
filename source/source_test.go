package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/refstream/types"
)

type stubAdapter struct {
	name   string
	idType string
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Relevant(entity *types.Entity) bool {
	return entity.Identifier(a.idType) != ""
}

func (a *stubAdapter) Fetch(context.Context, *types.Entity) *Stream {
	s := NewStream()
	s.Close()
	return s
}

type stubNormalizer struct{}

func (stubNormalizer) Convert(raw RawResult) (types.Reference, error) {
	return types.Reference{SourceID: raw.SourceID}, nil
}

func (stubNormalizer) HashFields() []string { return []string{FieldTitle} }

func stubPair(name, idType string) Pair {
	return Pair{Adapter: &stubAdapter{name: name, idType: idType}, Normalizer: stubNormalizer{}}
}

func TestRegistryNamesAreStable(t *testing.T) {
	r := NewRegistry()
	r.Register(stubPair("hal", types.IdentifierHALID))
	r.Register(stubPair("crossref", types.IdentifierORCID))

	assert.Equal(t, []string{"crossref", "hal"}, r.Names())

	_, ok := r.Get("hal")
	assert.True(t, ok)
	_, ok = r.Get("scopus")
	assert.False(t, ok)
}

func TestRegistryApplicableFiltersByRelevance(t *testing.T) {
	r := NewRegistry()
	r.Register(stubPair("hal", types.IdentifierHALID))
	r.Register(stubPair("crossref", types.IdentifierORCID))

	entity := &types.Entity{Identifiers: []types.Identifier{
		{Type: types.IdentifierORCID, Value: "0000-0001-2345-6789"},
	}}

	pairs := r.Applicable(entity, nil)
	require.Len(t, pairs, 1)
	assert.Equal(t, "crossref", pairs[0].Adapter.Name())
}

func TestRegistryApplicableHonorsRequestedSubset(t *testing.T) {
	r := NewRegistry()
	r.Register(stubPair("hal", types.IdentifierHALID))
	r.Register(stubPair("crossref", types.IdentifierORCID))

	entity := &types.Entity{Identifiers: []types.Identifier{
		{Type: types.IdentifierORCID, Value: "0000-0001-2345-6789"},
		{Type: types.IdentifierHALID, Value: "jdoe"},
	}}

	pairs := r.Applicable(entity, []string{"hal"})
	require.Len(t, pairs, 1)
	assert.Equal(t, "hal", pairs[0].Adapter.Name())

	// Unknown requested names are ignored rather than failing.
	pairs = r.Applicable(entity, []string{"hal", "scopus"})
	assert.Len(t, pairs, 1)
}
