package precache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInstalled is returned by Activate when no install has succeeded.
	ErrNotInstalled = errors.New("worker not installed")
	// ErrInvalidConfig is wrapped by every Config.Validate error.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrInvalidState is returned for lifecycle calls the current state does not allow.
	ErrInvalidState = errors.New("invalid lifecycle state")
)

// PrecacheError is returned when the manifest could not be stored.
// Install fails with it and nothing is considered cached.
type PrecacheError struct {
	// Entry is the manifest entry that failed.
	Entry string
	Err   error
}

func (e *PrecacheError) Error() string {
	return fmt.Sprintf("precache %q: %v", e.Entry, e.Err)
}

func (e *PrecacheError) Unwrap() error {
	return e.Err
}

// ReconcileError is returned when stale entries could not be listed or removed.
// The store stays usable; some stale entries may remain until the next activation.
type ReconcileError struct {
	// Keys lists the keys whose deletion failed.
	Keys []string
	Err  error
}

func (e *ReconcileError) Error() string {
	if len(e.Keys) == 0 {
		return fmt.Sprintf("reconcile: %v", e.Err)
	}
	return fmt.Sprintf("reconcile: %d deletions failed %q: %v", len(e.Keys), e.Keys, e.Err)
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}
