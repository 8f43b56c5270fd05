// Package redis provides an app.EntryStore backed by Redis. Each entry is a
// hash at entry:<id>; time-policy ids are also indexed in a sorted set scored
// by deadline so DeleteExpired can find them without scanning keys.
//
// Consume is an optimistic transaction: WATCH the entry, read it, decide with
// domain.Evaluate, then MULTI/EXEC the mutation. If another client touched the
// key in between, EXEC aborts and the whole read-decide-write is retried.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/haukened/fleeting/internal/app"
	"github.com/haukened/fleeting/internal/domain"
)

const (
	keyPrefix = "entry:"
	expiryKey = "entries:expiry"

	// DefaultMaxRetries bounds optimistic retries per Consume.
	DefaultMaxRetries = 64
)

const (
	fieldText      = "text"
	fieldKind      = "kind"
	fieldCreatedAt = "created_at"
	fieldExpiresAt = "expires_at"
	fieldMaxViews  = "max_views"
	fieldViews     = "views"
)

var (
	errDuplicate  = errors.New("entry already exists")
	errContention = errors.New("too much contention")
)

var _ app.EntryStore = (*Store)(nil)

// Store implements app.EntryStore on a go-redis client.
type Store struct {
	client     *goredis.Client
	maxRetries int
}

// New wraps an existing client.
func New(client *goredis.Client) *Store {
	return &Store{client: client, maxRetries: DefaultMaxRetries}
}

// Dial creates a client from opts and verifies the connection.
func Dial(ctx context.Context, opts *goredis.Options) (*Store, error) {
	client := goredis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return New(client), nil
}

func entryKey(id string) string { return keyPrefix + id }

// Create writes the hash (and the expiry index for time policies) in one
// transaction, refusing to overwrite an existing id.
func (s *Store) Create(ctx context.Context, e domain.Entry) error {
	id := e.ID.String()
	key := entryKey(id)
	fields := map[string]any{
		fieldText:      e.Text,
		fieldKind:      int(e.Policy.Kind()),
		fieldCreatedAt: e.CreatedAt.UnixMilli(),
		fieldViews:     e.Views,
	}
	exp, timed := e.Policy.ExpiresAt()
	if timed {
		fields[fieldExpiresAt] = exp.UnixMilli()
	}
	if mv, ok := e.Policy.MaxViews(); ok {
		fields[fieldMaxViews] = mv
	}
	return s.client.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errDuplicate
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if timed {
				pipe.ZAdd(ctx, expiryKey, goredis.Z{Score: float64(exp.UnixMilli()), Member: id})
			}
			return nil
		})
		return err
	}, key)
}

// Fetch reads the hash without modifying it.
func (s *Store) Fetch(ctx context.Context, id string) (domain.Entry, error) {
	vals, err := s.client.HGetAll(ctx, entryKey(id)).Result()
	if err != nil {
		return domain.Entry{}, err
	}
	if len(vals) == 0 {
		return domain.Entry{}, app.ErrNotFound
	}
	return decodeEntry(id, vals)
}

// Consume runs the optimistic read-decide-write loop.
func (s *Store) Consume(ctx context.Context, id string, now time.Time) (app.Consumption, error) {
	key := entryKey(id)
	var result app.Consumption
	txf := func(tx *goredis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return app.ErrNotFound
		}
		e, err := decodeEntry(id, vals)
		if err != nil {
			return err
		}
		outcome, views := domain.Evaluate(e.Policy, e.Views, now)
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			switch outcome {
			case domain.OutcomeExpired, domain.OutcomeLastView:
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, expiryKey, id)
			default:
				pipe.HSet(ctx, key, fieldViews, views)
			}
			return nil
		})
		if err != nil {
			return err
		}
		e.Views = views
		result = app.Consumption{Outcome: outcome, Entry: e}
		return nil
	}
	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return app.Consumption{}, err
	}
	return app.Consumption{}, fmt.Errorf("consume %s: %w", id, errContention)
}

// Delete removes the hash and its expiry index member.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, entryKey(id))
		pipe.ZRem(ctx, expiryKey, id)
		return nil
	})
	return err
}

// DeleteExpired removes every indexed entry whose deadline precedes t.
func (s *Store) DeleteExpired(ctx context.Context, t time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, expiryKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(t.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	n := 0
	for _, id := range ids {
		cmds, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, entryKey(id))
			pipe.ZRem(ctx, expiryKey, id)
			return nil
		})
		if err != nil {
			return n, err
		}
		if del, ok := cmds[0].(*goredis.IntCmd); ok && del.Val() > 0 {
			n++
		}
	}
	return n, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// Close releases the client.
func (s *Store) Close() error { return s.client.Close() }

func decodeEntry(id string, vals map[string]string) (domain.Entry, error) {
	num := func(field string) (int64, error) {
		raw, ok := vals[field]
		if !ok {
			return 0, nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("entry %s field %s: %w", id, field, err)
		}
		return n, nil
	}
	kind, err := num(fieldKind)
	if err != nil {
		return domain.Entry{}, err
	}
	created, err := num(fieldCreatedAt)
	if err != nil {
		return domain.Entry{}, err
	}
	expMS, err := num(fieldExpiresAt)
	if err != nil {
		return domain.Entry{}, err
	}
	maxViews, err := num(fieldMaxViews)
	if err != nil {
		return domain.Entry{}, err
	}
	views, err := num(fieldViews)
	if err != nil {
		return domain.Entry{}, err
	}
	var exp time.Time
	if _, ok := vals[fieldExpiresAt]; ok {
		exp = time.UnixMilli(expMS).UTC()
	}
	policy, err := domain.RestorePolicy(domain.ExpirationKind(kind), exp, int(maxViews))
	if err != nil {
		return domain.Entry{}, fmt.Errorf("entry %s: %w", id, err)
	}
	return domain.Entry{
		ID:        domain.EntryID(id),
		Text:      vals[fieldText],
		CreatedAt: time.UnixMilli(created).UTC(),
		Policy:    policy,
		Views:     int(views),
	}, nil
}
