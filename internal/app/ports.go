// Package app defines the application layer "ports" (interfaces) and simple
// data contracts that the core use-cases of fleeting depend upon. It follows a
// hexagonal (ports & adapters) design: this package declares what the core
// needs, while adapter packages (SQLite+filesystem, memory and Redis storage,
// the HTTP layer, janitor jobs) provide concrete implementations. No I/O,
// logging, SQL, or network concerns belong here.
package app

import (
	"context"
	"time"

	"github.com/haukened/fleeting/internal/domain"
)

// Clock abstracts time to enable deterministic testing of expiry logic.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// Consumption reports the branch one atomic consume took and the entry as it
// stood right after that consume (Views already incremented unless the
// outcome is OutcomeExpired). For OutcomeExpired and OutcomeLastView the entry
// no longer exists in the store.
type Consumption struct {
	Outcome domain.Outcome
	Entry   domain.Entry
}

// EntryStore is the storage port for entries. Implementations own every
// entry exclusively and must make Consume linearizable per id.
type EntryStore interface {
	// Create persists a new entry. The entry's Views must be zero.
	Create(ctx context.Context, e domain.Entry) error

	// Fetch returns a snapshot of the entry without side effects, or
	// ErrNotFound.
	Fetch(ctx context.Context, id string) (domain.Entry, error)

	// Consume re-reads the entry, applies domain.Evaluate at now and performs
	// the chosen mutation as one serialized unit per id: delete (expired),
	// increment and delete (last view) or increment. No two concurrent calls
	// for the same id may both observe the pre-mutation state. Returns
	// ErrNotFound when the entry does not exist.
	Consume(ctx context.Context, id string, now time.Time) (Consumption, error)

	// Delete removes the entry. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes time-policy entries whose deadline precedes t and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, t time.Time) (int, error)
}

// Metrics receives counter increments. A nil Metrics on the Service is
// allowed.
type Metrics interface {
	Inc(name string, delta int64)
}
