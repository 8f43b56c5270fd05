// Package store provides the concrete implementation of the application
// EntryStore port by composing lower-layer persistence ports (Index and
// BlobStorage). External packages should construct the store via New and
// interact only through the app.EntryStore interface.
package store

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/haukened/fleeting/internal/app"
	"github.com/haukened/fleeting/internal/domain"
)

// Store composes an Index and BlobStorage to satisfy app.EntryStore.
// It decides whether to inline entry text or place it in blob storage
// based on an inline size threshold.
type Store struct {
	index     Index
	blobs     BlobStorage
	inlineMax int64
}

// New returns a Store implementation of app.EntryStore. blobs may be nil, in
// which case every payload is stored inline.
func New(index Index, blobs BlobStorage, inlineMax int64) *Store {
	return &Store{index: index, blobs: blobs, inlineMax: inlineMax}
}

var _ app.EntryStore = (*Store)(nil)

var errNotInitialized = errors.New("store not properly initialized")

// Create persists an entry. Text <= inlineMax bytes is stored inline; larger
// text is written to blob storage and only the flag is kept in the index.
func (s *Store) Create(ctx context.Context, e domain.Entry) error {
	if s == nil || s.index == nil {
		return errNotInitialized
	}
	if e.Views != 0 {
		return errors.New("new entry must start with zero views")
	}
	size := int64(len(e.Text))
	rec := Record{Entry: e, Size: size}
	if s.blobs != nil && size > s.inlineMax {
		if err := s.blobs.Write(e.ID.String(), strings.NewReader(e.Text), size); err != nil {
			return err
		}
		rec.External = true
		rec.Entry.Text = ""
	}
	if err := s.index.Insert(ctx, rec); err != nil {
		if rec.External {
			_ = s.blobs.Delete(e.ID.String()) // best-effort
		}
		return err
	}
	return nil
}

// Fetch returns a snapshot of the entry. A blob removed by a concurrent
// consume between the index read and the blob read reports ErrNotFound.
func (s *Store) Fetch(ctx context.Context, id string) (domain.Entry, error) {
	if s == nil || s.index == nil {
		return domain.Entry{}, errNotInitialized
	}
	rec, err := s.index.Get(ctx, id)
	if err != nil {
		return domain.Entry{}, err
	}
	if rec.External {
		text, err := s.loadBlob(id)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return domain.Entry{}, app.ErrNotFound
			}
			return domain.Entry{}, err
		}
		rec.Entry.Text = text
	}
	return rec.Entry, nil
}

// Consume delegates the atomic decision to the index. Blob files of entries
// the consume deleted are removed after the index commit; a failure there
// leaves an orphan for Reconcile.
func (s *Store) Consume(ctx context.Context, id string, now time.Time) (app.Consumption, error) {
	if s == nil || s.index == nil {
		return app.Consumption{}, errNotInitialized
	}
	rec, outcome, err := s.index.Consume(ctx, id, now, s.loadBlob)
	if err != nil {
		return app.Consumption{}, err
	}
	if rec.External && outcome != domain.OutcomeViewed {
		_ = s.blobs.Delete(id) // best-effort
	}
	return app.Consumption{Outcome: outcome, Entry: rec.Entry}, nil
}

// Delete removes the entry and its blob, if any.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s == nil || s.index == nil {
		return errNotInitialized
	}
	external, err := s.index.Delete(ctx, id)
	if err != nil {
		return err
	}
	if external {
		if err := s.blobs.Delete(id); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// DeleteExpired removes expired entries before the given time and returns the count.
// Blob files for expired records are removed best-effort.
func (s *Store) DeleteExpired(ctx context.Context, t time.Time) (int, error) {
	if s == nil || s.index == nil {
		return 0, errNotInitialized
	}
	expired, err := s.index.DeleteExpired(ctx, t)
	if err != nil {
		return 0, err
	}
	for _, rec := range expired {
		if rec.External {
			_ = s.blobs.Delete(rec.ID) // best-effort
		}
	}
	return len(expired), nil
}

// Reconcile scans for blob orphans and removes them.
func (s *Store) Reconcile(ctx context.Context) error {
	if s == nil || s.index == nil {
		return errNotInitialized
	}
	if s.blobs == nil {
		return nil
	}
	blobIDs, err := s.blobs.List()
	if err != nil {
		return err
	}
	extIDs, err := s.index.ListExternalIDs(ctx)
	if err != nil {
		return err
	}
	indexSet := make(map[string]struct{}, len(extIDs))
	for _, id := range extIDs {
		indexSet[id] = struct{}{}
	}
	for _, bid := range blobIDs {
		if _, ok := indexSet[bid]; !ok {
			_ = s.blobs.Delete(bid)
		}
	}
	return nil
}

// Ping reports whether the index is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.index == nil {
		return errNotInitialized
	}
	return s.index.Ping(ctx)
}

func (s *Store) loadBlob(id string) (string, error) {
	if s.blobs == nil {
		return "", errors.New("external payload without blob storage")
	}
	rc, err := s.blobs.Open(id)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
