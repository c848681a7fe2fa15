package monitor

import "errors"

// Sentinel errors shared by every subsystem. Wrap them with fmt.Errorf("...: %w").
var (
	// ErrFetch marks network, timeout, non-2xx and browser launch failures.
	ErrFetch = errors.New("fetch failed")
	// ErrNotFound is returned by gateways when an entry or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPersistence marks a rejected or failed transaction.
	ErrPersistence = errors.New("persistence failed")
	// ErrNotification marks an email or chat delivery failure.
	ErrNotification = errors.New("notification failed")
	// ErrInvalidEntry is returned when a registration request is incomplete.
	ErrInvalidEntry = errors.New("invalid entry")
)
