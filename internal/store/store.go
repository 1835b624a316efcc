package store

import (
	"context"
	"errors"

	"github.com/nhle/mailpipe/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// KV is a durable key/value store for per-user state. Values are opaque
// bytes; UserState layers the JSON encoding and key layout on top.
type KV interface {
	// Get returns the value stored at key. The boolean is false when the
	// key does not exist.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put replaces the value stored at key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// StepLog persists bootstrap runs and their per-step results so that a
// restarted run can skip steps that already completed.
type StepLog interface {
	// === Runs ===

	// EnsureRun returns the run with runID, creating it in the pending
	// state for userID when it does not exist yet.
	EnsureRun(ctx context.Context, runID, userID string) (*model.BootstrapRun, error)
	GetRun(ctx context.Context, runID string) (*model.BootstrapRun, error)
	SetRunState(ctx context.Context, runID string, state model.RunState, failedStep string) error
	GetRunsForUser(ctx context.Context, userID string) ([]model.BootstrapRun, error)

	// === Steps ===

	GetSteps(ctx context.Context, runID string) ([]model.StepRecord, error)
	SaveStep(ctx context.Context, rec model.StepRecord) error
}
