// Package session manages the bounded pool of reusable browser sessions.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/formbridge/formbridge/internal/domain/driver"
)

// Session wraps one browser handle with the metadata the pool needs for
// reuse, eviction and background health refresh.
//
// All mutable fields are guarded by the owning Pool's mutex. Code outside
// this package only ever sees a Session while it holds the in-use gate
// (between Acquire and Release), so reading Handle and the identity fields
// is safe without further locking.
type Session struct {
	// ID is a cryptographically random identifier, 32 bytes hex-encoded.
	ID string
	// Fingerprint is the one-way hash of the owning caller's credentials.
	Fingerprint string
	// Handle is the underlying browser instance.
	Handle driver.Handle

	// CreatedAt is when the session was created (UTC).
	CreatedAt time.Time
	// LastUsed is the last time a borrower held the session (UTC).
	// Health probes deliberately do not update it, so background
	// maintenance never interferes with LRU ordering.
	LastUsed time.Time
	// LastHealthCheck is the last time a probe verified the session (UTC).
	LastHealthCheck time.Time
	// KeepAlive opts the session into background health refresh.
	KeepAlive bool

	// inUse is the mutual-exclusion gate between borrowers and the health
	// monitor. Guarded by the pool mutex; never a traditional lock with
	// queueing.
	inUse bool
	// boundWorkflow, when set on a held session, names the suspended
	// workflow the hold belongs to. The resume carrying that workflow id
	// re-enters the session instead of hitting the busy gate. Guarded by
	// the pool mutex; cleared on release and on re-entry.
	boundWorkflow string
}

// Snapshot is a point-in-time copy of a session's metadata, safe to use
// without holding the pool mutex.
type Snapshot struct {
	ID              string
	Fingerprint     string
	CreatedAt       time.Time
	LastUsed        time.Time
	LastHealthCheck time.Time
	KeepAlive       bool
	InUse           bool
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ID:              s.ID,
		Fingerprint:     s.Fingerprint,
		CreatedAt:       s.CreatedAt,
		LastUsed:        s.LastUsed,
		LastHealthCheck: s.LastHealthCheck,
		KeepAlive:       s.KeepAlive,
		InUse:           s.inUse,
	}
}

// newSessionID creates a cryptographically random session ID.
// Returns 64 hex characters (32 bytes).
func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}
