// Package driver defines the outbound ports to the browser-automation layer.
//
// The core never touches a page or a selector directly: it depends only on
// the narrow contracts below. The playwright adapter is the production
// implementation; tests use hand-rolled fakes.
package driver

import (
	"context"
	"errors"
)

// Handle is an opaque reference to one expensive automated-browser instance.
// Handles are never shared across two simultaneous borrowers; the session
// pool's in-use gate is the sole mechanism enforcing that.
type Handle interface {
	// ID uniquely identifies the handle for the lifetime of the process.
	ID() string
}

// Factory creates, destroys and probes browser handles.
type Factory interface {
	// Create launches a new browser instance. Portal login is not part of
	// this call; it happens in the first workflow phase. On failure no
	// handle may leak.
	Create(ctx context.Context) (Handle, error)

	// Destroy tears the handle down. Idempotent; destroying an unknown or
	// already-destroyed handle is not an error.
	Destroy(ctx context.Context, h Handle) error

	// Probe reports whether the handle still responds at all. A probe that
	// outlives ctx must return false rather than block.
	Probe(ctx context.Context, h Handle) bool

	// List enumerates every handle the factory currently knows about,
	// including ones that leaked from a crashed acquire. Used by the health
	// monitor for orphan reconciliation.
	List(ctx context.Context) []Handle
}

// PhaseResult is the outcome of one delegated form-filling phase.
type PhaseResult struct {
	// Missing names fields the portal itself rejected or asked for,
	// beyond what the engine already knew was mandatory.
	Missing []string
	// Output carries data extracted during the phase. Only the terminal
	// phase is expected to populate it, but any phase may.
	Output map[string]string
}

// FormDriver performs the scripted portal interaction for a single phase.
// Calls may block for seconds to tens of seconds and must honor ctx.
type FormDriver interface {
	// PerformPhase drives the given phase with the collected fields.
	// Errors wrapping ErrPhaseFatal are not retried by the engine.
	PerformPhase(ctx context.Context, h Handle, phase string, fields map[string]string) (*PhaseResult, error)

	// AuthExpired reports whether the handle responds but its remote
	// authenticated state has silently invalidated (the portal shows its
	// "session expired" signature).
	AuthExpired(ctx context.Context, h Handle) bool
}

// ErrPhaseFatal classifies a phase failure as non-retriable, e.g. the target
// entity does not exist on the portal. Adapters wrap it with context.
var ErrPhaseFatal = errors.New("phase failed fatally")
