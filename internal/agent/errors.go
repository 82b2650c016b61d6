package agent

import "errors"

var (
	// ErrTurnInProgress is returned when a user message arrives while the
	// session already has a provider round-trip in flight.
	ErrTurnInProgress = errors.New("session busy: a turn is already in progress")

	// ErrToolLoopLimit is returned when a single turn exceeds the
	// configured number of tool dispatch rounds.
	ErrToolLoopLimit = errors.New("tool call loop limit exceeded")
)
