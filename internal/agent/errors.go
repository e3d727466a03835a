package agent

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for agent runs.
var (
	// ErrRequestCancelled indicates the request's cancellation handle fired.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrNoClient indicates the machine was built without a model client.
	ErrNoClient = errors.New("no model client configured")
)

// LoopError wraps a failure inside the actor-critic loop with the phase and
// turn it occurred on.
type LoopError struct {
	Phase string
	Turn  int
	Err   error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("agent loop failed in %s phase (turn %d): %v", e.Phase, e.Turn, e.Err)
}

func (e *LoopError) Unwrap() error { return e.Err }

// IsCancellation reports whether err stems from cancellation or a deadline.
// The two are indistinguishable downstream.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrRequestCancelled)
}
