// Package domain policy.go contains the expiration policy sum type and the
// pure decision function every store applies inside its atomic consume.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ExpirationKind tags which variant a Policy holds.
type ExpirationKind uint8

const (
	KindTime  ExpirationKind = 1
	KindViews ExpirationKind = 2
)

// ParseExpirationKind maps the boundary names "time" and "views".
func ParseExpirationKind(s string) (ExpirationKind, error) {
	switch strings.TrimSpace(s) {
	case "time":
		return KindTime, nil
	case "views":
		return KindViews, nil
	default:
		return 0, fmt.Errorf("%w: unknown expiration type %q", ErrInvalidExpiration, s)
	}
}

func (k ExpirationKind) String() string {
	switch k {
	case KindTime:
		return "time"
	case KindViews:
		return "views"
	default:
		return "unknown"
	}
}

// Policy holds exactly one of ByTime{expiresAt} or ByViews{maxViews}. Fields
// are unexported so the only way to obtain a valid Policy is through the
// constructors below; the zero value is invalid.
type Policy struct {
	kind      ExpirationKind
	expiresAt time.Time
	maxViews  int
}

// ByTime returns a policy expiring once now is strictly after expiresAt.
func ByTime(expiresAt time.Time) Policy {
	return Policy{kind: KindTime, expiresAt: expiresAt.UTC()}
}

// ByViews returns a policy allowing maxViews successful reads.
func ByViews(maxViews int) (Policy, error) {
	if maxViews <= 0 {
		return Policy{}, fmt.Errorf("%w: max views must be positive", ErrInvalidExpiration)
	}
	return Policy{kind: KindViews, maxViews: maxViews}, nil
}

// RestorePolicy rebuilds a Policy from persisted columns where the unused
// limit is stored as its zero value. Rows holding both or neither limit are
// rejected.
func RestorePolicy(kind ExpirationKind, expiresAt time.Time, maxViews int) (Policy, error) {
	switch kind {
	case KindTime:
		if expiresAt.IsZero() || maxViews != 0 {
			return Policy{}, fmt.Errorf("corrupt time policy")
		}
		return ByTime(expiresAt), nil
	case KindViews:
		if !expiresAt.IsZero() {
			return Policy{}, fmt.Errorf("corrupt views policy")
		}
		return ByViews(maxViews)
	default:
		return Policy{}, fmt.Errorf("unknown policy kind %d", kind)
	}
}

// MaxHours is the largest time policy accepted regardless of Limits. It keeps
// the deadline well inside time.Duration's range.
const MaxHours = 876_000

// Limits bounds the expiration values accepted from callers.
type Limits struct {
	MaxHours int
	MaxViews int
}

// NewPolicy builds a Policy from boundary input. For KindTime value is a
// number of hours from now; for KindViews it is the view budget. A zero
// limit means unbounded.
func NewPolicy(kind ExpirationKind, value int, now time.Time, lim Limits) (Policy, error) {
	if value <= 0 {
		return Policy{}, fmt.Errorf("%w: value must be a positive integer", ErrInvalidExpiration)
	}
	switch kind {
	case KindTime:
		if lim.MaxHours > 0 && value > lim.MaxHours {
			return Policy{}, fmt.Errorf("%w: at most %d hours", ErrInvalidExpiration, lim.MaxHours)
		}
		if value > MaxHours {
			return Policy{}, fmt.Errorf("%w: at most %d hours", ErrInvalidExpiration, MaxHours)
		}
		return ByTime(now.Add(time.Duration(value) * time.Hour)), nil
	case KindViews:
		if lim.MaxViews > 0 && value > lim.MaxViews {
			return Policy{}, fmt.Errorf("%w: at most %d views", ErrInvalidExpiration, lim.MaxViews)
		}
		return ByViews(value)
	default:
		return Policy{}, fmt.Errorf("%w: unknown expiration type", ErrInvalidExpiration)
	}
}

// Kind reports the variant.
func (p Policy) Kind() ExpirationKind { return p.kind }

// Valid reports whether p was built by a constructor.
func (p Policy) Valid() bool {
	switch p.kind {
	case KindTime:
		return !p.expiresAt.IsZero()
	case KindViews:
		return p.maxViews > 0
	}
	return false
}

// ExpiresAt returns the deadline for ByTime policies.
func (p Policy) ExpiresAt() (time.Time, bool) {
	if p.kind != KindTime {
		return time.Time{}, false
	}
	return p.expiresAt, true
}

// MaxViews returns the view budget for ByViews policies.
func (p Policy) MaxViews() (int, bool) {
	if p.kind != KindViews {
		return 0, false
	}
	return p.maxViews, true
}

// IsTimeExpired is true only for ByTime when now is after the deadline.
func (p Policy) IsTimeExpired(now time.Time) bool {
	return p.kind == KindTime && now.After(p.expiresAt)
}

// WouldExhaust is true only for ByViews when viewsAfter reaches the budget.
func (p Policy) WouldExhaust(viewsAfter int) bool {
	return p.kind == KindViews && viewsAfter >= p.maxViews
}

// Outcome is the branch taken by one atomic consume.
type Outcome uint8

const (
	// OutcomeExpired: time-expired, delete without incrementing.
	OutcomeExpired Outcome = iota + 1
	// OutcomeLastView: increment reaches the budget, increment and delete.
	OutcomeLastView
	// OutcomeViewed: increment only.
	OutcomeViewed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExpired:
		return "expired"
	case OutcomeLastView:
		return "last_view"
	case OutcomeViewed:
		return "viewed"
	default:
		return "unknown"
	}
}

// Evaluate decides what a consume of an entry currently at views must do at
// instant now, and the view count after that consume. It must be called with
// the entry's current state while holding whatever serializes consumes of
// that entry.
func Evaluate(p Policy, views int, now time.Time) (Outcome, int) {
	if p.IsTimeExpired(now) {
		return OutcomeExpired, views
	}
	next := views + 1
	if p.WouldExhaust(next) {
		return OutcomeLastView, next
	}
	return OutcomeViewed, next
}
