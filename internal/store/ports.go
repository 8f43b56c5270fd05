// Package store defines internal persistence adapter ports used by the
// higher-level EntryStore implementation. These ports isolate the concrete
// SQLite index and filesystem blob storage so they can be tested and evolved
// independently. Callers outside this package interact only with the
// app.EntryStore implementation, not these internal details.
package store

import (
	"context"
	"io"
	"time"

	"github.com/haukened/fleeting/internal/domain"
)

// Record is one index row. When External is true the entry's text lives in
// blob storage and Entry.Text is empty until loaded.
type Record struct {
	Entry    domain.Entry
	External bool
	Size     int64
}

// PayloadLoader reads an external payload. The index calls it inside its
// consume transaction so a caller whose increment commits always has the
// text in hand before any later caller can delete the blob.
type PayloadLoader func(id string) (string, error)

// Index abstracts the metadata/index operations (typically backed by SQLite).
// It stores entry metadata, inlined small payloads, and a flag for entries
// whose payload lives in blob storage.
type Index interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// Consume applies domain.Evaluate at now inside one write transaction.
	// load is invoked for external payloads unless the outcome is expired.
	Consume(ctx context.Context, id string, now time.Time, load PayloadLoader) (Record, domain.Outcome, error)
	// Delete removes the row and reports whether it had an external payload.
	Delete(ctx context.Context, id string) (external bool, err error)
	DeleteExpired(ctx context.Context, t time.Time) ([]ExpiredRecord, error)
	// ListExternalIDs returns IDs of entries whose payloads are stored externally.
	ListExternalIDs(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// BlobStorage abstracts large payload persistence on the filesystem.
type BlobStorage interface {
	Write(id string, r io.Reader, size int64) error
	Open(id string) (io.ReadCloser, error)
	Delete(id string) error
	// List returns all blob IDs present in storage (filenames sans extension).
	List() ([]string, error)
}

// ExpiredRecord represents an expired entry needing blob cleanup.
type ExpiredRecord struct {
	ID       string
	External bool // true if payload stored in blob storage
}
