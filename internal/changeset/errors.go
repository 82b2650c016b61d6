package changeset

import (
	"errors"

	"homepilot/internal/gateway"
)

var (
	// ErrInvalidPath mirrors the gateway sentinel so callers can match on
	// either package.
	ErrInvalidPath = gateway.ErrInvalidPath

	// ErrEmptyChangeset is returned when no proposed file differs from the
	// content on disk.
	ErrEmptyChangeset = errors.New("changeset is empty: no file differs from current content")

	// ErrAlreadyDecided is returned when a decision arrives for a
	// changeset that has already left the proposed state, including the
	// losers of a concurrent decision race.
	ErrAlreadyDecided = errors.New("changeset already decided")

	// ErrNotFound is returned when a changeset id is unknown.
	ErrNotFound = errors.New("changeset not found")

	// ErrDuplicatePath is returned when a proposal lists the same file
	// twice.
	ErrDuplicatePath = errors.New("duplicate path in proposal")
)
