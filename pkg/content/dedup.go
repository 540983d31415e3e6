package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrNotFound is returned when no unit matches a lookup.
	ErrNotFound = errors.New("content not found")
	// ErrContentConflict is returned by Store.Create when a unit with the
	// same natural key was written first.
	ErrContentConflict = errors.New("content conflict: natural key already exists")
	// ErrPictureTaken is returned by Store.Create when another unit already
	// uses the same picture.
	ErrPictureTaken = errors.New("picture already belongs to another animal")
)

// Store is the global content store. Implementations must enforce natural
// key uniqueness at write time and report violations as ErrContentConflict.
// Pictures are unique as well.
type Store interface {
	FindByNaturalKey(ctx context.Context, key NaturalKey) (*Unit, error)
	Create(ctx context.Context, u *Unit) error
	Get(ctx context.Context, id string) (*Unit, error)
	List(ctx context.Context, f Filter) ([]*Unit, error)
	ContentArtifacts(ctx context.Context, contentID string) ([]ContentArtifact, error)
	// LinkArtifact records an association. An existing association keeps its
	// artifact; a deferred one is completed when ca carries an artifact.
	LinkArtifact(ctx context.Context, ca ContentArtifact) error
}

// Resolution is the outcome of deduplicating one declared unit.
type Resolution struct {
	ID    string
	IsNew bool
	// Unit is the stored unit. Its attributes are the first declaration's,
	// whatever dc said.
	Unit *Unit
}

// Deduplicator resolves declared content to persisted units.
type Deduplicator struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewDeduplicator creates a Deduplicator over store.
func NewDeduplicator(store Store, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{
		store:  store,
		logger: logger.With("component", "dedup"),
		now:    time.Now,
	}
}

// Resolve returns the id of the unit matching dc's natural key, creating it
// from dc when none exists. Concurrent calls for the same key never create
// two units: the loser of the write race sees ErrContentConflict, looks the
// unit up again and reports it as existing.
func (d *Deduplicator) Resolve(ctx context.Context, dc Declared) (Resolution, error) {
	key := dc.Key.Normalize()
	if err := ValidateKey(key); err != nil {
		return Resolution{}, err
	}

	existing, err := d.store.FindByNaturalKey(ctx, key)
	if err == nil {
		return Resolution{ID: existing.ID, Unit: existing}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Resolution{}, fmt.Errorf("lookup %s: %w", key, err)
	}

	id, err := key.ID()
	if err != nil {
		return Resolution{}, err
	}
	attrs := dc.Attrs
	if attrs.Sex == "" {
		attrs.Sex = SexUnknown
	}
	unit := &Unit{ID: id, Key: key, Attrs: attrs, CreatedAt: d.now().UTC()}

	err = d.store.Create(ctx, unit)
	switch {
	case err == nil:
		return Resolution{ID: id, IsNew: true, Unit: unit}, nil
	case errors.Is(err, ErrContentConflict):
		d.logger.DebugContext(ctx, "content created concurrently, reusing", "key", key.String())
		existing, lerr := d.store.FindByNaturalKey(ctx, key)
		if lerr != nil {
			return Resolution{}, fmt.Errorf("lookup %s after conflict: %w", key, lerr)
		}
		return Resolution{ID: existing.ID, Unit: existing}, nil
	default:
		return Resolution{}, fmt.Errorf("create %s: %w", key, err)
	}
}

// ValidateKey checks that every natural key field is set.
func ValidateKey(k NaturalKey) error {
	switch {
	case k.Species == "":
		return errors.New("natural key: species is required")
	case k.Breed == "":
		return errors.New("natural key: breed is required")
	case k.Name == "":
		return errors.New("natural key: name is required")
	case k.Shelter == "":
		return errors.New("natural key: shelter is required")
	}
	return nil
}
