package content

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a Store whose Create can be made to lose a write race.
type fakeStore struct {
	mu    sync.Mutex
	units map[NaturalKey]*Unit
	// racer, when set, is inserted by Create before it reports a conflict.
	racer *Unit
	fail  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{units: make(map[NaturalKey]*Unit)}
}

func (s *fakeStore) FindByNaturalKey(_ context.Context, key NaturalKey) (*Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[key]; ok {
		return u, nil
	}
	return nil, ErrNotFound
}

func (s *fakeStore) Create(_ context.Context, u *Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if s.racer != nil {
		s.units[s.racer.Key] = s.racer
		s.racer = nil
		return ErrContentConflict
	}
	if _, ok := s.units[u.Key]; ok {
		return ErrContentConflict
	}
	s.units[u.Key] = u
	return nil
}

func (s *fakeStore) Get(context.Context, string) (*Unit, error)          { return nil, ErrNotFound }
func (s *fakeStore) List(context.Context, Filter) ([]*Unit, error)       { return nil, nil }
func (s *fakeStore) LinkArtifact(context.Context, ContentArtifact) error { return nil }
func (s *fakeStore) ContentArtifacts(context.Context, string) ([]ContentArtifact, error) {
	return nil, nil
}

func rex() Declared {
	return Declared{
		Key:   NaturalKey{Species: "dog", Breed: "beagle", Name: "Rex", Shelter: "north"},
		Attrs: Attributes{Age: 9, Picture: "rex.png"},
	}
}

func TestResolve_CreatesThenReuses(t *testing.T) {
	store := newFakeStore()
	d := NewDeduplicator(store, nil)

	first, err := d.Resolve(context.Background(), rex())
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.Equal(t, "rex.png", first.Unit.Attrs.Picture)
	assert.Equal(t, SexUnknown, store.units[rex().Key].Attrs.Sex)

	again := rex()
	again.Attrs.Age = 10
	second, err := d.Resolve(context.Background(), again)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 9, second.Unit.Attrs.Age)
	assert.Equal(t, 9, store.units[rex().Key].Attrs.Age, "units are write-once")
}

func TestResolve_LostRaceReusesWinner(t *testing.T) {
	store := newFakeStore()
	store.racer = &Unit{ID: "winner", Key: rex().Key}

	res, err := NewDeduplicator(store, nil).Resolve(context.Background(), rex())
	require.NoError(t, err)
	assert.Equal(t, "winner", res.ID)
	assert.False(t, res.IsNew)
	assert.Same(t, store.units[rex().Key], res.Unit)
}

func TestResolve_Errors(t *testing.T) {
	d := NewDeduplicator(newFakeStore(), nil)
	missing := rex()
	missing.Key.Breed = ""
	_, err := d.Resolve(context.Background(), missing)
	assert.ErrorContains(t, err, "breed is required")

	store := newFakeStore()
	store.fail = errors.New("disk full")
	_, err = NewDeduplicator(store, nil).Resolve(context.Background(), rex())
	assert.ErrorContains(t, err, "disk full")
}

func TestNaturalKeyID(t *testing.T) {
	composed := NaturalKey{Species: "cat", Breed: "siamese", Name: "Zo\u00eb", Shelter: "north"}
	decomposed := NaturalKey{Species: "cat", Breed: "siamese", Name: "Zoe\u0308", Shelter: "north"}

	a, err := composed.ID()
	require.NoError(t, err)
	b, err := decomposed.ID()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, a)

	other := composed
	other.Shelter = "south"
	c, err := other.ID()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	assert.Len(t, ContentArtifactID(a, "zoe.png"), 32)
	assert.NotEqual(t, ContentArtifactID(a, "zoe.png"), ContentArtifactID(a, "zoe2.png"))
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"":           PolicyImmediate,
		"IMMEDIATE":  PolicyImmediate,
		"on_demand":  PolicyOnDemand,
		" on-demand": PolicyOnDemand,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePolicy("streamed")
	assert.Error(t, err)
}

func TestFilterMatch(t *testing.T) {
	u := &Unit{ID: "u1", Key: NaturalKey{Species: "dog", Breed: "beagle", Name: "Rex", Shelter: "north"}}
	assert.True(t, Filter{}.Match(u))
	assert.True(t, Filter{Species: "dog", Shelter: "north"}.Match(u))
	assert.False(t, Filter{Breed: "collie"}.Match(u))
	assert.True(t, Filter{IDs: []string{"u0", "u1"}}.Match(u))
	assert.False(t, Filter{IDs: []string{"u2"}}.Match(u))
	assert.True(t, SexHermaphrodite.Valid())
	assert.False(t, Sex("other").Valid())
}
