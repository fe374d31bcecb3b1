package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Validation errors: logged and replaced with safe defaults, never surfaced.
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrInvalidOutcome     = errors.New("invalid feedback outcome")
	ErrInvalidPriority    = errors.New("invalid priority")
	ErrInvalidKind        = errors.New("invalid nudge kind")
	ErrInvalidContext     = errors.New("invalid nudge context")

	// Delivery errors
	ErrOffline          = errors.New("delivery target unreachable")
	ErrDeliveryRejected = errors.New("delivery rejected by target")

	// Storage errors
	ErrStoreCorrupted = errors.New("stored blob could not be decoded")

	// Experiment errors
	ErrUnknownExperiment = errors.New("unknown experiment")
)
