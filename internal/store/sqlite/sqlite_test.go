package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/haukened/fleeting/internal/app"
	"github.com/haukened/fleeting/internal/domain"
	"github.com/haukened/fleeting/internal/store"
)

// openTestDB opens a transient SQLite database file in a temp dir with WAL and
// immediate write transactions enabled.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "test.db") + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_synchronous=FULL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var now = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newRecord(t *testing.T, text string, p domain.Policy, external bool) store.Record {
	t.Helper()
	id, err := domain.NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	e, err := domain.NewEntry(id, text, now, p)
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	rec := store.Record{Entry: e, Size: int64(len(text)), External: external}
	if external {
		rec.Entry.Text = ""
	}
	return rec
}

func noLoad(string) (string, error) { return "", errors.New("loader must not be called") }

func TestIndexInsertGetConsume(t *testing.T) {
	ix, err := New(openTestDB(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	p, _ := domain.ByViews(2)
	rec := newRecord(t, "inline text", p, false)
	if err := ix.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	id := rec.Entry.ID.String()

	got, err := ix.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Entry.Text != "inline text" || got.External || got.Size != int64(len("inline text")) {
		t.Fatalf("record mismatch: %+v", got)
	}

	r1, o1, err := ix.Consume(ctx, id, now, noLoad)
	if err != nil || o1 != domain.OutcomeViewed || r1.Entry.Views != 1 {
		t.Fatalf("first consume: outcome=%v views=%d err=%v", o1, r1.Entry.Views, err)
	}
	r2, o2, err := ix.Consume(ctx, id, now, noLoad)
	if err != nil || o2 != domain.OutcomeLastView || r2.Entry.Views != 2 {
		t.Fatalf("second consume: outcome=%v views=%d err=%v", o2, r2.Entry.Views, err)
	}
	if _, _, err := ix.Consume(ctx, id, now, noLoad); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after last view, got %v", err)
	}
}

func TestIndexConsumeExternalLoadsInsideTx(t *testing.T) {
	ix, _ := New(openTestDB(t))
	ctx := context.Background()
	p, _ := domain.ByViews(1)
	rec := newRecord(t, "big payload", p, true)
	if err := ix.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	calls := 0
	load := func(id string) (string, error) {
		calls++
		if id != rec.Entry.ID.String() {
			t.Fatalf("loader got id %s", id)
		}
		return "big payload", nil
	}
	got, outcome, err := ix.Consume(ctx, rec.Entry.ID.String(), now, load)
	if err != nil || outcome != domain.OutcomeLastView {
		t.Fatalf("consume: %v %v", outcome, err)
	}
	if calls != 1 || got.Entry.Text != "big payload" || !got.External {
		t.Fatalf("unexpected load calls=%d rec=%+v", calls, got)
	}
}

func TestIndexConsumeLoadFailureRollsBack(t *testing.T) {
	ix, _ := New(openTestDB(t))
	ctx := context.Background()
	p, _ := domain.ByViews(1)
	rec := newRecord(t, "big payload", p, true)
	_ = ix.Insert(ctx, rec)
	boom := errors.New("blob missing")
	_, _, err := ix.Consume(ctx, rec.Entry.ID.String(), now, func(string) (string, error) { return "", boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
	got, err := ix.Get(ctx, rec.Entry.ID.String())
	if err != nil || got.Entry.Views != 0 {
		t.Fatalf("row must be untouched after rollback: %+v %v", got, err)
	}
}

func TestIndexConsumeExpiredSkipsLoad(t *testing.T) {
	ix, _ := New(openTestDB(t))
	ctx := context.Background()
	rec := newRecord(t, "late", domain.ByTime(now.Add(-time.Minute)), true)
	_ = ix.Insert(ctx, rec)
	_, outcome, err := ix.Consume(ctx, rec.Entry.ID.String(), now, noLoad)
	if err != nil || outcome != domain.OutcomeExpired {
		t.Fatalf("expected expired, got %v %v", outcome, err)
	}
	if _, err := ix.Get(ctx, rec.Entry.ID.String()); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expired row must be deleted, got %v", err)
	}
}

func TestIndexDeleteAndExternalIDs(t *testing.T) {
	ix, _ := New(openTestDB(t))
	ctx := context.Background()
	p, _ := domain.ByViews(3)
	inl := newRecord(t, "a", p, false)
	ext := newRecord(t, "b", p, true)
	_ = ix.Insert(ctx, inl)
	_ = ix.Insert(ctx, ext)

	ids, err := ix.ListExternalIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != ext.Entry.ID.String() {
		t.Fatalf("ListExternalIDs = %v, %v", ids, err)
	}
	external, err := ix.Delete(ctx, ext.Entry.ID.String())
	if err != nil || !external {
		t.Fatalf("Delete external: %v %v", external, err)
	}
	external, err = ix.Delete(ctx, ext.Entry.ID.String())
	if err != nil || external {
		t.Fatalf("Delete absent must be a no-op: %v %v", external, err)
	}
	external, err = ix.Delete(ctx, inl.Entry.ID.String())
	if err != nil || external {
		t.Fatalf("Delete inline: %v %v", external, err)
	}
}

func TestIndexDeleteExpired(t *testing.T) {
	ix, _ := New(openTestDB(t))
	ctx := context.Background()
	gone := newRecord(t, "x", domain.ByTime(now.Add(-time.Hour)), true)
	keep := newRecord(t, "y", domain.ByTime(now.Add(time.Hour)), false)
	p, _ := domain.ByViews(1)
	views := newRecord(t, "z", p, false)
	for _, r := range []store.Record{gone, keep, views} {
		if err := ix.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	recs, err := ix.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != gone.Entry.ID.String() || !recs[0].External {
		t.Fatalf("unexpected expired records: %+v", recs)
	}
}

func TestIndexRejectsCorruptRows(t *testing.T) {
	db := openTestDB(t)
	ix, _ := New(db)
	id, _ := domain.NewID()
	// both limits set violates the CHECK constraint
	_, err := db.Exec(`INSERT INTO entries (id, kind, inline, external, size, created_at, expires_at, max_views, views) VALUES (?,?,?,?,?,?,?,?,?)`,
		id.String(), 1, "t", 0, 1, now.UnixMilli(), now.UnixMilli(), 3, 0)
	if err == nil {
		t.Fatalf("expected CHECK constraint failure")
	}
	if _, err := ix.Get(context.Background(), id.String()); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// TestIndexConcurrentConsume exercises the immediate-transaction path
// directly: with a budget of 3, exactly three of many callers succeed.
func TestIndexConcurrentConsume(t *testing.T) {
	ix, _ := New(openTestDB(t))
	ctx := context.Background()
	p, _ := domain.ByViews(3)
	rec := newRecord(t, "race", p, false)
	_ = ix.Insert(ctx, rec)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		last     int
		notFound int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, outcome, err := ix.Consume(ctx, rec.Entry.ID.String(), now, noLoad)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, app.ErrNotFound):
				notFound++
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			default:
				success++
				if outcome == domain.OutcomeLastView {
					last++
				}
			}
		}()
	}
	wg.Wait()
	if success != 3 || last != 1 || notFound != 9 {
		t.Fatalf("success=%d last=%d notFound=%d", success, last, notFound)
	}
}
