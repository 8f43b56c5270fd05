// Package memory provides a process-local app.EntryStore. Entries are spread
// over a fixed number of shards, each guarded by its own mutex, so consumes
// of the same id are serialized while unrelated ids rarely contend.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/haukened/fleeting/internal/app"
	"github.com/haukened/fleeting/internal/domain"
)

const shardCount = 64

var _ app.EntryStore = (*Store)(nil)

var errDuplicate = errors.New("entry already exists")

type shard struct {
	mu      sync.Mutex
	entries map[string]domain.Entry
}

// Store is an in-memory, sharded entry store. The zero value is not usable;
// construct via New.
type Store struct {
	shards [shardCount]*shard
}

// New returns an empty Store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]domain.Entry)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%shardCount]
}

// Create inserts e. An existing id is rejected.
func (s *Store) Create(ctx context.Context, e domain.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shardFor(e.ID.String())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[e.ID.String()]; ok {
		return errDuplicate
	}
	sh.entries[e.ID.String()] = e
	return nil
}

// Fetch returns a copy of the entry.
func (s *Store) Fetch(ctx context.Context, id string) (domain.Entry, error) {
	if err := ctx.Err(); err != nil {
		return domain.Entry{}, err
	}
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if !ok {
		return domain.Entry{}, app.ErrNotFound
	}
	return e, nil
}

// Consume evaluates and mutates the entry while holding its shard lock.
func (s *Store) Consume(ctx context.Context, id string, now time.Time) (app.Consumption, error) {
	if err := ctx.Err(); err != nil {
		return app.Consumption{}, err
	}
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if !ok {
		return app.Consumption{}, app.ErrNotFound
	}
	outcome, views := domain.Evaluate(e.Policy, e.Views, now)
	switch outcome {
	case domain.OutcomeExpired:
		delete(sh.entries, id)
	case domain.OutcomeLastView:
		delete(sh.entries, id)
		e.Views = views
	default:
		e.Views = views
		sh.entries[id] = e
	}
	return app.Consumption{Outcome: outcome, Entry: e}, nil
}

// Delete removes id if present.
func (s *Store) Delete(_ context.Context, id string) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	delete(sh.entries, id)
	sh.mu.Unlock()
	return nil
}

// DeleteExpired walks every shard, locking one at a time.
func (s *Store) DeleteExpired(ctx context.Context, t time.Time) (int, error) {
	n := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		sh.mu.Lock()
		for id, e := range sh.entries {
			if exp, ok := e.Policy.ExpiresAt(); ok && exp.Before(t) {
				delete(sh.entries, id)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Len returns the number of stored entries.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
