// Package domain id.go contains functions to generate, parse, and validate entry IDs.
package domain

import (
	"crypto/rand"
	"encoding/hex"
)

// EntryID is the canonical identifier for a stored entry. Possession of the
// ID is the only read capability, so it carries no structure: it is a 128-bit
// random value encoded as 32 lowercase hex characters.
type EntryID string

// NewID generates a new cryptographically random 128-bit EntryID encoded
// as 32 lowercase hexadecimal characters.
func NewID() (EntryID, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	dst := make([]byte, 32)
	hex.Encode(dst, b[:])
	return EntryID(dst), nil
}

// ParseID validates s and returns it as an EntryID. It enforces:
// - length == 32
// - only lowercase [0-9a-f]
// Returns ErrInvalidID on failure.
func ParseID(s string) (EntryID, error) {
	if !isValidID(s) {
		return "", ErrInvalidID
	}
	return EntryID(s), nil
}

// String returns the string form of the EntryID.
func (id EntryID) String() string { return string(id) }

// Valid reports whether the ID satisfies the same rules as ParseID.
func (id EntryID) Valid() bool { return isValidID(string(id)) }

func isValidID(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
