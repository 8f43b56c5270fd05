// Package domain errors.go contains sentinel errors
package domain

import (
	"errors"
	"fmt"
)

// Sentinel domain-level errors reused by higher layers.
var (
	ErrInvalidID = errors.New("invalid entry id")

	// ErrValidation is wrapped by every malformed-input error so callers can
	// classify with a single errors.Is check.
	ErrValidation = errors.New("validation failed")

	ErrEmptyText         = fmt.Errorf("%w: text must not be empty", ErrValidation)
	ErrInvalidExpiration = fmt.Errorf("%w: invalid expiration", ErrValidation)
)
