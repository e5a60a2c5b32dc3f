package workflow

import (
	"context"
	"errors"
	"time"
)

// ErrWorkflowNotFound is returned when a workflow id does not resolve,
// including ids garbage-collected after the idle timeout.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Store persists workflow instances between resume calls.
// Implementations: in-memory (default), sqlite (durable across restarts).
type Store interface {
	// Create stores a new instance.
	Create(ctx context.Context, inst *Instance) error

	// Get retrieves an instance by id.
	// Returns ErrWorkflowNotFound if the id is unknown.
	Get(ctx context.Context, id string) (*Instance, error)

	// Update saves changes to an existing instance.
	Update(ctx context.Context, inst *Instance) error

	// Delete removes an instance. Absent ids are a no-op.
	Delete(ctx context.Context, id string) error

	// ListIdle returns instances whose last activity is older than the
	// cutoff, for idle garbage collection.
	ListIdle(ctx context.Context, before time.Time) ([]*Instance, error)
}

// FieldValidator checks collected field values for a phase beyond mere
// presence. Implementations: CEL rule evaluator. Returns the names of
// fields whose values failed validation.
type FieldValidator interface {
	Validate(ctx context.Context, phase Phase, fields map[string]string) ([]string, error)
}
