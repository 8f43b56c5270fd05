// Package sqlite provides a SQLite-backed implementation of the store.Index
// port for persisting entry metadata and inline payloads.
//
// Consume relies on write transactions being serialized. Open the database
// with _txlock=immediate (see config.SQLiteDSN) so BEGIN takes the write lock
// up front and concurrent consumers of the same row queue on busy_timeout
// instead of failing on a stale snapshot.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haukened/fleeting/internal/app"
	"github.com/haukened/fleeting/internal/domain"
	"github.com/haukened/fleeting/internal/store"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var _ store.Index = (*Index)(nil)

// errConflict reports that a compare-and-set guard matched no row although
// the row was read inside the same transaction. It only happens when the
// database was opened without immediate transactions.
var errConflict = errors.New("concurrent modification")

// Index implements store.Index using SQLite (via database/sql). It is safe for
// concurrent use; database/sql manages connection pooling and SQLite
// serializes writers.
type Index struct{ db *sql.DB }

// New constructs an Index, initializing the required schema if absent.
func New(db *sql.DB) (*Index, error) {
	ix := &Index{db: db}
	if err := ix.init(); err != nil {
		return nil, err
	}
	return ix, nil
}

func (i *Index) init() error {
	schema := `CREATE TABLE IF NOT EXISTS entries (
id TEXT PRIMARY KEY,
kind INTEGER NOT NULL,
inline TEXT,
external INTEGER NOT NULL DEFAULT 0,
size INTEGER NOT NULL,
created_at INTEGER NOT NULL,
expires_at INTEGER,
max_views INTEGER,
views INTEGER NOT NULL DEFAULT 0,
CHECK ((kind = 1 AND expires_at IS NOT NULL AND max_views IS NULL)
    OR (kind = 2 AND expires_at IS NULL AND max_views > 0))
);
CREATE INDEX IF NOT EXISTS entries_expires_at ON entries(expires_at) WHERE expires_at IS NOT NULL;`
	_, err := i.db.Exec(schema)
	return err
}

const selectCols = `id, kind, inline, external, size, created_at, expires_at, max_views, views`

// Insert stores a new entry row.
func (i *Index) Insert(ctx context.Context, rec store.Record) error {
	const q = `INSERT INTO entries (` + selectCols + `) VALUES (?,?,?,?,?,?,?,?,?)`
	e := rec.Entry
	var (
		expiresAt sql.NullInt64
		maxViews  sql.NullInt64
		inline    sql.NullString
	)
	if t, ok := e.Policy.ExpiresAt(); ok {
		expiresAt = sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
	}
	if mv, ok := e.Policy.MaxViews(); ok {
		maxViews = sql.NullInt64{Int64: int64(mv), Valid: true}
	}
	if !rec.External {
		inline = sql.NullString{String: e.Text, Valid: true}
	}
	ext := 0
	if rec.External {
		ext = 1
	}
	_, err := i.db.ExecContext(ctx, q, e.ID.String(), int(e.Policy.Kind()), inline, ext, rec.Size,
		e.CreatedAt.UnixMilli(), expiresAt, maxViews, e.Views)
	return err
}

// Get returns the row for id without modifying it.
func (i *Index) Get(ctx context.Context, id string) (store.Record, error) {
	row := i.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM entries WHERE id=?`, id)
	return scanRecord(row)
}

// Consume reads the row, decides with domain.Evaluate and writes the result
// in one transaction. The UPDATE/DELETE re-check the views value read so a
// misconfigured (deferred) transaction can never double-apply an increment.
func (i *Index) Consume(ctx context.Context, id string, now time.Time, load store.PayloadLoader) (rec store.Record, outcome domain.Outcome, err error) {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Record{}, 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rec, err = scanRecord(tx.QueryRowContext(ctx, `SELECT `+selectCols+` FROM entries WHERE id=?`, id))
	if err != nil {
		return store.Record{}, 0, err
	}
	before := rec.Entry.Views
	outcome, after := domain.Evaluate(rec.Entry.Policy, before, now)
	if outcome != domain.OutcomeExpired && rec.External {
		text, lerr := load(id)
		if lerr != nil {
			err = fmt.Errorf("load payload: %w", lerr)
			return store.Record{}, 0, err
		}
		rec.Entry.Text = text
	}

	var res sql.Result
	switch outcome {
	case domain.OutcomeExpired, domain.OutcomeLastView:
		res, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE id=? AND views=?`, id, before)
	default:
		res, err = tx.ExecContext(ctx, `UPDATE entries SET views=? WHERE id=? AND views=?`, after, id, before)
	}
	if err != nil {
		return store.Record{}, 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Record{}, 0, err
	}
	if n != 1 {
		err = errConflict
		return store.Record{}, 0, err
	}
	if err = tx.Commit(); err != nil {
		return store.Record{}, 0, err
	}
	rec.Entry.Views = after
	return rec, outcome, nil
}

// Delete hard-deletes the row if present.
func (i *Index) Delete(ctx context.Context, id string) (bool, error) {
	var extInt int
	err := i.db.QueryRowContext(ctx, `DELETE FROM entries WHERE id=? RETURNING external`, id).Scan(&extInt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return extInt == 1, nil
}

// DeleteExpired selects time-policy entries expiring before t and deletes them,
// returning records for blob cleanup.
func (i *Index) DeleteExpired(ctx context.Context, t time.Time) ([]store.ExpiredRecord, error) {
	const del = `DELETE FROM entries WHERE expires_at IS NOT NULL AND expires_at < ? RETURNING id, external`
	rows, err := i.db.QueryContext(ctx, del, t.UnixMilli())
	if err != nil {
		return nil, err
	}
	var recs []store.ExpiredRecord
	for rows.Next() {
		var r store.ExpiredRecord
		var extInt int
		if err = rows.Scan(&r.ID, &extInt); err != nil {
			if cErr := rows.Close(); cErr != nil {
				return nil, fmt.Errorf("scan error: %v; close error: %w", err, cErr)
			}
			return nil, err
		}
		r.External = extInt == 1
		recs = append(recs, r)
	}
	if cErr := rows.Close(); cErr != nil {
		return nil, cErr
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// ListExternalIDs returns IDs of entries with external (blob) storage.
func (i *Index) ListExternalIDs(ctx context.Context) ([]string, error) {
	const q = `SELECT id FROM entries WHERE external=1`
	rows, err := i.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Ping checks database connectivity.
func (i *Index) Ping(ctx context.Context) error { return i.db.PingContext(ctx) }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (store.Record, error) {
	var (
		id        string
		kind      int
		inline    sql.NullString
		extInt    int
		size      int64
		createdMS int64
		expiresAt sql.NullInt64
		maxViews  sql.NullInt64
		views     int
	)
	if err := row.Scan(&id, &kind, &inline, &extInt, &size, &createdMS, &expiresAt, &maxViews, &views); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Record{}, app.ErrNotFound
		}
		return store.Record{}, err
	}
	var exp time.Time
	if expiresAt.Valid {
		exp = time.UnixMilli(expiresAt.Int64).UTC()
	}
	policy, err := domain.RestorePolicy(domain.ExpirationKind(kind), exp, int(maxViews.Int64))
	if err != nil {
		return store.Record{}, fmt.Errorf("row %s: %w", id, err)
	}
	return store.Record{
		Entry: domain.Entry{
			ID:        domain.EntryID(id),
			Text:      inline.String,
			CreatedAt: time.UnixMilli(createdMS).UTC(),
			Policy:    policy,
			Views:     views,
		},
		External: extInt == 1,
		Size:     size,
	}, nil
}
