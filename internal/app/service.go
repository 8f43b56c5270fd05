// Package app contains the application orchestration layer for fleeting. It wires
// domain validation with persistence ports without performing any I/O itself.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haukened/fleeting/internal/domain"
)

// ErrNotFound indicates the entry never existed or was already removed.
var ErrNotFound = errors.New("entry not found")

// ErrGone indicates the entry existed but its deadline had passed; it has been
// deleted as a side effect of detecting that.
var ErrGone = errors.New("entry expired")

// ErrTooLarge indicates the text exceeds the configured maximum size.
var ErrTooLarge = errors.New("text too large")

// ErrStorageUnavailable wraps any backend fault. Callers may retry with
// backoff; the service itself never retries.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Counter names recorded through the Metrics port.
const (
	CounterEntriesCreated   = "entries_created_total"
	CounterEntriesViewed    = "entries_viewed_total"
	CounterEntriesExhausted = "entries_exhausted_total"
	CounterEntriesExpired   = "entries_expired_total"
)

// View is the result of one successful consume. When IsLastView is true the
// entry has already been deleted.
type View struct {
	Text       string
	Views      int
	Policy     domain.Policy
	IsLastView bool
}

// Status is non-consuming entry metadata. It never carries the text.
type Status struct {
	Views     int
	Policy    domain.Policy
	CreatedAt time.Time
}

// Service is the access coordinator: it creates entries and turns every read
// into exactly one atomic consume against the injected store.
type Service struct {
	Store    EntryStore
	Clock    Clock
	Metrics  Metrics
	NewID    func() (domain.EntryID, error) // defaults to domain.NewID
	MaxBytes int
	Limits   domain.Limits
}

// CreateEntry validates input, assigns a new ID and persists the entry.
// expirationType is "time" (value in hours) or "views" (value is maxViews).
func (s *Service) CreateEntry(ctx context.Context, text, expirationType string, expirationValue int) (domain.EntryID, error) {
	if text == "" {
		return "", domain.ErrEmptyText
	}
	if s.MaxBytes > 0 && len(text) > s.MaxBytes {
		return "", ErrTooLarge
	}
	kind, err := domain.ParseExpirationKind(expirationType)
	if err != nil {
		return "", err
	}
	now := s.Clock.Now()
	policy, err := domain.NewPolicy(kind, expirationValue, now, s.Limits)
	if err != nil {
		return "", err
	}
	newID := s.NewID
	if newID == nil {
		newID = domain.NewID
	}
	id, err := newID()
	if err != nil { // entropy source failure
		return "", err
	}
	entry, err := domain.NewEntry(id, text, now, policy)
	if err != nil {
		return "", err
	}
	if err := s.Store.Create(ctx, entry); err != nil {
		return "", storageErr(err)
	}
	s.inc(CounterEntriesCreated)
	return id, nil
}

// ReadEntry consumes one view at the current clock time.
func (s *Service) ReadEntry(ctx context.Context, idStr string) (View, error) {
	return s.ConsumeView(ctx, idStr, s.Clock.Now())
}

// ConsumeView performs one atomic consume at instant now and maps its outcome.
// Malformed ids report ErrNotFound without reaching the store.
func (s *Service) ConsumeView(ctx context.Context, idStr string, now time.Time) (View, error) {
	if _, err := domain.ParseID(idStr); err != nil {
		return View{}, ErrNotFound
	}
	c, err := s.Store.Consume(ctx, idStr, now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return View{}, ErrNotFound
		}
		return View{}, storageErr(err)
	}
	switch c.Outcome {
	case domain.OutcomeExpired:
		s.inc(CounterEntriesExpired)
		return View{}, ErrGone
	case domain.OutcomeLastView:
		s.inc(CounterEntriesViewed)
		s.inc(CounterEntriesExhausted)
		return View{Text: c.Entry.Text, Views: c.Entry.Views, Policy: c.Entry.Policy, IsLastView: true}, nil
	case domain.OutcomeViewed:
		s.inc(CounterEntriesViewed)
		return View{Text: c.Entry.Text, Views: c.Entry.Views, Policy: c.Entry.Policy}, nil
	default:
		return View{}, storageErr(fmt.Errorf("unknown consume outcome %d", c.Outcome))
	}
}

// Status reports entry metadata without consuming a view. A time-expired
// entry reports ErrGone but is left for the next consume or the janitor.
func (s *Service) Status(ctx context.Context, idStr string) (Status, error) {
	if _, err := domain.ParseID(idStr); err != nil {
		return Status{}, ErrNotFound
	}
	e, err := s.Store.Fetch(ctx, idStr)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Status{}, ErrNotFound
		}
		return Status{}, storageErr(err)
	}
	if e.Policy.IsTimeExpired(s.Clock.Now()) {
		return Status{}, ErrGone
	}
	return Status{Views: e.Views, Policy: e.Policy, CreatedAt: e.CreatedAt}, nil
}

func (s *Service) inc(name string) {
	if s.Metrics != nil {
		s.Metrics.Inc(name, 1)
	}
}

func storageErr(err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
