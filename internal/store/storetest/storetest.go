// Package storetest is a conformance suite every app.EntryStore adapter runs
// from its own tests. It checks the consume outcomes, deletion semantics and
// the per-id linearizability of Consume under concurrent callers.
package storetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/fleeting/internal/app"
	"github.com/haukened/fleeting/internal/domain"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) app.EntryStore

// base is a millisecond-aligned instant so every backend round-trips it.
var base = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

func newEntry(t *testing.T, text string, p domain.Policy) domain.Entry {
	t.Helper()
	id, err := domain.NewID()
	require.NoError(t, err)
	e, err := domain.NewEntry(id, text, base, p)
	require.NoError(t, err)
	return e
}

func views(t *testing.T, n int) domain.Policy {
	t.Helper()
	p, err := domain.ByViews(n)
	require.NoError(t, err)
	return p
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateFetch", func(t *testing.T) { testCreateFetch(t, newStore(t)) })
	t.Run("LargePayload", func(t *testing.T) { testLargePayload(t, newStore(t)) })
	t.Run("ViewBudget", func(t *testing.T) { testViewBudget(t, newStore(t)) })
	t.Run("TimeExpiry", func(t *testing.T) { testTimeExpiry(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("DeleteExpired", func(t *testing.T) { testDeleteExpired(t, newStore(t)) })
	t.Run("ConcurrentSingleView", func(t *testing.T) { testConcurrentSingleView(t, newStore(t)) })
	t.Run("ConcurrentBudget", func(t *testing.T) { testConcurrentBudget(t, newStore(t)) })
	t.Run("ConcurrentDistinctIDs", func(t *testing.T) { testConcurrentDistinctIDs(t, newStore(t)) })
	t.Run("Service", func(t *testing.T) { testService(t, newStore(t)) })
}

func testCreateFetch(t *testing.T, s app.EntryStore) {
	ctx := context.Background()
	e := newEntry(t, "hello", views(t, 3))
	require.NoError(t, s.Create(ctx, e))

	got, err := s.Fetch(ctx, e.ID.String())
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, 0, got.Views)
	assert.True(t, got.CreatedAt.Equal(base))
	mv, ok := got.Policy.MaxViews()
	assert.True(t, ok)
	assert.Equal(t, 3, mv)

	timed := newEntry(t, "tick", domain.ByTime(base.Add(time.Hour)))
	require.NoError(t, s.Create(ctx, timed))
	got, err = s.Fetch(ctx, timed.ID.String())
	require.NoError(t, err)
	exp, ok := got.Policy.ExpiresAt()
	assert.True(t, ok)
	assert.True(t, exp.Equal(base.Add(time.Hour)), "expiresAt %v", exp)

	_, err = s.Fetch(ctx, "0123456789abcdef0123456789abcdef")
	assert.ErrorIs(t, err, app.ErrNotFound)

	assert.Error(t, s.Create(ctx, e), "duplicate id must be rejected")
}

func testLargePayload(t *testing.T, s app.EntryStore) {
	ctx := context.Background()
	text := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 2048)
	e := newEntry(t, text, views(t, 2))
	require.NoError(t, s.Create(ctx, e))

	got, err := s.Fetch(ctx, e.ID.String())
	require.NoError(t, err)
	assert.Equal(t, text, got.Text)

	c, err := s.Consume(ctx, e.ID.String(), base)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeViewed, c.Outcome)
	assert.Equal(t, text, c.Entry.Text)

	c, err = s.Consume(ctx, e.ID.String(), base)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeLastView, c.Outcome)
	assert.Equal(t, text, c.Entry.Text)

	_, err = s.Consume(ctx, e.ID.String(), base)
	assert.ErrorIs(t, err, app.ErrNotFound)
}

func testViewBudget(t *testing.T, s app.EntryStore) {
	ctx := context.Background()
	e := newEntry(t, "budget", views(t, 3))
	require.NoError(t, s.Create(ctx, e))
	id := e.ID.String()

	for want := 1; want <= 2; want++ {
		c, err := s.Consume(ctx, id, base)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeViewed, c.Outcome)
		assert.Equal(t, want, c.Entry.Views)
		assert.Equal(t, "budget", c.Entry.Text)
	}
	c, err := s.Consume(ctx, id, base)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeLastView, c.Outcome)
	assert.Equal(t, 3, c.Entry.Views)

	_, err = s.Fetch(ctx, id)
	assert.ErrorIs(t, err, app.ErrNotFound, "entry must be gone once the last view is returned")
	for i := 0; i < 3; i++ {
		_, err = s.Consume(ctx, id, base)
		assert.ErrorIs(t, err, app.ErrNotFound)
	}
}

func testTimeExpiry(t *testing.T, s app.EntryStore) {
	ctx := context.Background()
	e := newEntry(t, "clock", domain.ByTime(base.Add(time.Hour)))
	require.NoError(t, s.Create(ctx, e))
	id := e.ID.String()

	for i := 1; i <= 5; i++ {
		c, err := s.Consume(ctx, id, base.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeViewed, c.Outcome)
		assert.Equal(t, i, c.Entry.Views)
	}

	c, err := s.Consume(ctx, id, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeExpired, c.Outcome)

	_, err = s.Consume(ctx, id, base.Add(2*time.Hour))
	assert.ErrorIs(t, err, app.ErrNotFound)
	_, err = s.Consume(ctx, id, base)
	assert.ErrorIs(t, err, app.ErrNotFound, "no resurrection for an earlier clock")
}

func testDelete(t *testing.T, s app.EntryStore) {
	ctx := context.Background()
	e := newEntry(t, "bye", views(t, 5))
	require.NoError(t, s.Create(ctx, e))
	require.NoError(t, s.Delete(ctx, e.ID.String()))
	_, err := s.Fetch(ctx, e.ID.String())
	assert.ErrorIs(t, err, app.ErrNotFound)
	assert.NoError(t, s.Delete(ctx, e.ID.String()), "deleting an absent id is not an error")
}

func testDeleteExpired(t *testing.T, s app.EntryStore) {
	ctx := context.Background()
	old1 := newEntry(t, "a", domain.ByTime(base.Add(-2*time.Hour)))
	old2 := newEntry(t, "b", domain.ByTime(base.Add(-time.Minute)))
	future := newEntry(t, "c", domain.ByTime(base.Add(time.Hour)))
	counted := newEntry(t, "d", views(t, 1))
	for _, e := range []domain.Entry{old1, old2, future, counted} {
		require.NoError(t, s.Create(ctx, e))
	}
	n, err := s.DeleteExpired(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, e := range []domain.Entry{old1, old2} {
		_, err := s.Fetch(ctx, e.ID.String())
		assert.ErrorIs(t, err, app.ErrNotFound)
	}
	for _, e := range []domain.Entry{future, counted} {
		_, err := s.Fetch(ctx, e.ID.String())
		assert.NoError(t, err)
	}
	n, err = s.DeleteExpired(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type tally struct {
	mu       sync.Mutex
	viewed   int
	last     int
	notFound int
	other    []error
	seen     map[int]int
}

func (ta *tally) record(c app.Consumption, err error) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	if ta.seen == nil {
		ta.seen = map[int]int{}
	}
	switch {
	case errors.Is(err, app.ErrNotFound):
		ta.notFound++
	case err != nil:
		ta.other = append(ta.other, err)
	case c.Outcome == domain.OutcomeLastView:
		ta.last++
		ta.seen[c.Entry.Views]++
	case c.Outcome == domain.OutcomeViewed:
		ta.viewed++
		ta.seen[c.Entry.Views]++
	default:
		ta.other = append(ta.other, errors.New("unexpected outcome "+c.Outcome.String()))
	}
}

func hammer(s app.EntryStore, id string, k int) *tally {
	ta := &tally{}
	var start, done sync.WaitGroup
	start.Add(1)
	for i := 0; i < k; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			start.Wait()
			ta.record(s.Consume(context.Background(), id, base))
		}()
	}
	start.Done()
	done.Wait()
	return ta
}

func testConcurrentSingleView(t *testing.T, s app.EntryStore) {
	const k = 16
	e := newEntry(t, "once", views(t, 1))
	require.NoError(t, s.Create(context.Background(), e))

	ta := hammer(s, e.ID.String(), k)
	require.Empty(t, ta.other)
	assert.Equal(t, 1, ta.last, "exactly one caller sees the last view")
	assert.Equal(t, 0, ta.viewed)
	assert.Equal(t, k-1, ta.notFound)
}

func testConcurrentBudget(t *testing.T, s app.EntryStore) {
	const (
		k      = 24
		budget = 5
	)
	e := newEntry(t, "shared", views(t, budget))
	require.NoError(t, s.Create(context.Background(), e))

	ta := hammer(s, e.ID.String(), k)
	require.Empty(t, ta.other)
	assert.Equal(t, 1, ta.last)
	assert.Equal(t, budget-1, ta.viewed)
	assert.Equal(t, k-budget, ta.notFound)
	for v := 1; v <= budget; v++ {
		assert.Equal(t, 1, ta.seen[v], "view count %d must be observed exactly once", v)
	}
	for v := range ta.seen {
		assert.LessOrEqual(t, v, budget)
	}
}

func testConcurrentDistinctIDs(t *testing.T, s app.EntryStore) {
	const k = 16
	ctx := context.Background()
	ids := make([]string, k)
	for i := range ids {
		e := newEntry(t, "solo", views(t, 1))
		require.NoError(t, s.Create(ctx, e))
		ids[i] = e.ID.String()
	}
	var wg sync.WaitGroup
	errs := make(chan error, k)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c, err := s.Consume(ctx, id, base)
			if err == nil && c.Outcome != domain.OutcomeLastView {
				err = errors.New("expected last view for " + id)
			}
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

// testService drives the store through the access coordinator the way the
// HTTP boundary does.
func testService(t *testing.T, s app.EntryStore) {
	ctx := context.Background()
	svc := &app.Service{Store: s, Clock: fixedClock{now: base}, MaxBytes: 1 << 20}

	id, err := svc.CreateEntry(ctx, "hello", "views", 3)
	require.NoError(t, err)
	v, err := svc.ReadEntry(ctx, id.String())
	require.NoError(t, err)
	assert.Equal(t, "hello", v.Text)
	assert.Equal(t, 1, v.Views)
	mv, ok := v.Policy.MaxViews()
	assert.True(t, ok)
	assert.Equal(t, 3, mv)
	assert.False(t, v.IsLastView)

	id, err = svc.CreateEntry(ctx, "x", "time", 1)
	require.NoError(t, err)
	v, err = svc.ConsumeView(ctx, id.String(), base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "x", v.Text)
	_, err = svc.ConsumeView(ctx, id.String(), base.Add(2*time.Hour))
	assert.ErrorIs(t, err, app.ErrGone)
	_, err = svc.ConsumeView(ctx, id.String(), base.Add(2*time.Hour))
	assert.ErrorIs(t, err, app.ErrNotFound)

	_, err = svc.CreateEntry(ctx, "", "views", 1)
	assert.ErrorIs(t, err, domain.ErrValidation)
	n, err := s.DeleteExpired(ctx, base.Add(1000*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no time entry should remain")

	id, err = svc.CreateEntry(ctx, "last", "views", 2)
	require.NoError(t, err)
	_, err = svc.ReadEntry(ctx, id.String())
	require.NoError(t, err)
	v, err = svc.ReadEntry(ctx, id.String())
	require.NoError(t, err)
	assert.True(t, v.IsLastView)
	assert.Equal(t, 2, v.Views)
	_, err = svc.ReadEntry(ctx, id.String())
	assert.ErrorIs(t, err, app.ErrNotFound)
}
