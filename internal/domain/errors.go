package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)
	ErrTurnNotFound    = fmt.Errorf("turn %w", ErrNotFound)
	ErrPersistence     = errors.New("persistence failure")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUnknownTool     = errors.New("unknown tool")
	ErrToolBlocked     = errors.New("tool blocked by policy")
	ErrTurnFinished    = errors.New("turn already finished")
)

// PersistenceError reports a durable commit that did not succeed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// UpstreamError reports a producer that failed or disconnected.
type UpstreamError struct {
	Source string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed: %v", e.Source, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
