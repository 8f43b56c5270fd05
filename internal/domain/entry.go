// Package domain entry.go contains the stored entry type.
package domain

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Entry is a stored text blob plus its expiration policy and view counter.
// ID, Text, CreatedAt and Policy never change after creation; Views is only
// changed by a store's atomic consume.
type Entry struct {
	ID        EntryID
	Text      string
	CreatedAt time.Time
	Policy    Policy
	Views     int
}

// NewEntry validates text and assembles a fresh entry with zero views.
func NewEntry(id EntryID, text string, createdAt time.Time, p Policy) (Entry, error) {
	if text == "" {
		return Entry{}, ErrEmptyText
	}
	if !utf8.ValidString(text) {
		return Entry{}, fmt.Errorf("%w: text must be valid UTF-8", ErrValidation)
	}
	if !id.Valid() {
		return Entry{}, ErrInvalidID
	}
	if !p.Valid() {
		return Entry{}, ErrInvalidExpiration
	}
	return Entry{ID: id, Text: text, CreatedAt: createdAt.UTC(), Policy: p}, nil
}
