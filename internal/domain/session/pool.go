package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/formbridge/formbridge/internal/domain/driver"
)

// ErrPoolExhausted is returned when the pool is at capacity and every
// member is actively in use, so no eviction candidate exists.
var ErrPoolExhausted = errors.New("session pool exhausted")

// ErrSessionBusy is returned when the owner's session is held by another
// borrower and the bounded retry budget ran out.
var ErrSessionBusy = errors.New("session busy")

// ErrSessionNotFound is returned when a session id does not resolve to a
// live pool member.
var ErrSessionNotFound = errors.New("session not found")

// ErrCreationFailed wraps browser factory failures. No session is
// registered when creation fails.
var ErrCreationFailed = errors.New("session creation failed")

// Defaults applied by NewPool when Config leaves a field zero.
const (
	DefaultCapacity     = 4
	DefaultBusyRetries  = 3
	DefaultBusyBackoff  = 250 * time.Millisecond
	DefaultProbeTimeout = 5 * time.Second
)

// Config holds pool tuning knobs.
type Config struct {
	// Capacity bounds the number of live sessions. Default: 4.
	Capacity int
	// BusyRetries is how many times an acquire re-checks a busy session
	// before failing with ErrSessionBusy. Default: 3.
	BusyRetries int
	// BusyBackoff is the sleep between busy re-checks. Default: 250ms.
	BusyBackoff time.Duration
	// ProbeTimeout bounds the liveness probe run on every reuse.
	// Default: 5s.
	ProbeTimeout time.Duration
	// OnEvict, when set, is called with a snapshot of every session torn
	// down under capacity pressure. Used to feed eviction metrics.
	OnEvict func(Snapshot)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Pool is the bounded registry of sessions, keyed both by session id and by
// owner fingerprint. It owns admission control, identity-based reuse,
// least-recently-used eviction of idle members and lifecycle teardown.
//
// The single pool mutex guards only map and metadata mutation; it is never
// held across a factory call (create, destroy, probe), which can block for
// seconds.
type Pool struct {
	factory driver.Factory

	capacity     int
	busyRetries  int
	busyBackoff  time.Duration
	probeTimeout time.Duration
	onEvict      func(Snapshot)
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	byOwner  map[string]string
	// creating holds fingerprints with an in-flight create, so the
	// capacity check accounts for reserved slots and a second concurrent
	// acquire for the same owner takes the busy path instead of creating
	// a duplicate.
	creating map[string]struct{}

	now func() time.Time
}

// NewPool creates a Pool backed by the given browser factory.
func NewPool(factory driver.Factory, cfg Config) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.BusyRetries <= 0 {
		cfg.BusyRetries = DefaultBusyRetries
	}
	if cfg.BusyBackoff <= 0 {
		cfg.BusyBackoff = DefaultBusyBackoff
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		factory:      factory,
		capacity:     cfg.Capacity,
		busyRetries:  cfg.BusyRetries,
		busyBackoff:  cfg.BusyBackoff,
		probeTimeout: cfg.ProbeTimeout,
		onEvict:      cfg.OnEvict,
		logger:       cfg.Logger,
		sessions:     make(map[string]*Session),
		byOwner:      make(map[string]string),
		creating:     make(map[string]struct{}),
		now:          time.Now,
	}
}

type reuseState int

const (
	reuseMiss reuseState = iota
	reuseHit
	reuseBusy
)

// Acquire resolves or creates a session for the owner fingerprint and marks
// it in use. The second return value reports whether a new session was
// created.
//
// A reused session is liveness-probed first; a dead one is torn down and
// transparently replaced. When the pool is at capacity, the
// least-recently-used idle session is evicted; if every slot is actively in
// use, Acquire fails immediately with ErrPoolExhausted (no queueing).
func (p *Pool) Acquire(ctx context.Context, fingerprint string) (*Session, bool, error) {
	for attempt := 0; ; attempt++ {
		sess, state := p.tryReuse(fingerprint)
		switch state {
		case reuseHit:
			if p.probeAlive(ctx, sess.Handle) {
				return sess, false, nil
			}
			p.logger.Warn("session dead on reuse, replacing",
				"session_id", sess.ID)
			if err := p.Remove(ctx, sess.ID); err != nil {
				p.logger.Warn("teardown of dead session failed",
					"session_id", sess.ID, "error", err)
			}
		case reuseBusy:
			if attempt >= p.busyRetries {
				return nil, false, ErrSessionBusy
			}
			if err := p.backoff(ctx); err != nil {
				return nil, false, err
			}
			continue
		case reuseMiss:
		}

		created, err := p.create(ctx, fingerprint)
		if errors.Is(err, ErrSessionBusy) && attempt < p.busyRetries {
			if err := p.backoff(ctx); err != nil {
				return nil, false, err
			}
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return created, true, nil
	}
}

// AcquireByID marks an existing session in use, for callers that pin a
// session id instead of supplying credentials. A dead session is torn down
// and reported as ErrSessionNotFound; the caller falls back to credentials.
func (p *Pool) AcquireByID(ctx context.Context, id string) (*Session, error) {
	for attempt := 0; ; attempt++ {
		p.mu.Lock()
		sess, ok := p.sessions[id]
		if !ok {
			p.mu.Unlock()
			return nil, ErrSessionNotFound
		}
		if sess.inUse {
			p.mu.Unlock()
			if attempt >= p.busyRetries {
				return nil, ErrSessionBusy
			}
			if err := p.backoff(ctx); err != nil {
				return nil, err
			}
			continue
		}
		sess.inUse = true
		sess.LastUsed = p.now().UTC()
		p.mu.Unlock()

		if !p.probeAlive(ctx, sess.Handle) {
			if err := p.Remove(ctx, id); err != nil {
				p.logger.Warn("teardown of dead session failed",
					"session_id", id, "error", err)
			}
			return nil, ErrSessionNotFound
		}
		return sess, nil
	}
}

// Bind ties the current hold on a session to a workflow id, so the resume
// carrying that id can re-enter the held session through Resume instead of
// hitting the busy gate. No-op on idle or absent sessions.
func (p *Pool) Bind(id, workflowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[id]; ok && sess.inUse {
		sess.boundWorkflow = workflowID
	}
}

// Resume borrows a session on behalf of a workflow. A session whose current
// hold is bound to workflowID is re-entered directly: the hold carries over
// to the resume request and the binding is consumed, so a second concurrent
// resume for the same workflow takes the busy path. An idle session is
// borrowed the way AcquireByID borrows it; a dead one is torn down and
// reported as ErrSessionNotFound.
func (p *Pool) Resume(ctx context.Context, id, workflowID string) (*Session, error) {
	for attempt := 0; ; attempt++ {
		p.mu.Lock()
		sess, ok := p.sessions[id]
		if !ok {
			p.mu.Unlock()
			return nil, ErrSessionNotFound
		}
		if sess.inUse {
			if workflowID != "" && sess.boundWorkflow == workflowID {
				sess.boundWorkflow = ""
				sess.LastUsed = p.now().UTC()
				p.mu.Unlock()
				return sess, nil
			}
			p.mu.Unlock()
			if attempt >= p.busyRetries {
				return nil, ErrSessionBusy
			}
			if err := p.backoff(ctx); err != nil {
				return nil, err
			}
			continue
		}
		sess.inUse = true
		sess.LastUsed = p.now().UTC()
		p.mu.Unlock()

		if !p.probeAlive(ctx, sess.Handle) {
			if err := p.Remove(ctx, id); err != nil {
				p.logger.Warn("teardown of dead session failed",
					"session_id", id, "error", err)
			}
			return nil, ErrSessionNotFound
		}
		return sess, nil
	}
}

// Release returns a session to the pool. Idempotent: releasing an already
// idle or absent session is a no-op. Any workflow binding on the hold is
// dropped with it.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[id]
	if !ok || !sess.inUse {
		return
	}
	sess.inUse = false
	sess.boundWorkflow = ""
	sess.LastUsed = p.now().UTC()
}

// Remove tears a session down and unregisters it from both maps. Safe to
// call on an in-use session (caller-initiated close takes precedence) and
// on an absent id (no-op).
func (p *Pool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
		delete(p.byOwner, sess.Fingerprint)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := p.factory.Destroy(ctx, sess.Handle); err != nil {
		return fmt.Errorf("destroy session %s: %w", id, err)
	}
	return nil
}

// Lookup returns a read-only snapshot of a session without borrowing it.
func (p *Pool) Lookup(id string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return sess.snapshot(), true
}

// SetKeepAlive toggles background health refresh for a session.
func (p *Pool) SetKeepAlive(id string, keepAlive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[id]; ok {
		sess.KeepAlive = keepAlive
	}
}

// BorrowForProbe atomically marks every idle, keep-alive session whose last
// health check is older than the threshold as in use and returns them for
// probing. The in-use gate is what keeps the health monitor from ever
// touching a handle a borrower holds. Results are ordered by id.
func (p *Pool) BorrowForProbe(olderThan time.Time) []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Session
	for _, sess := range p.sessions {
		if sess.inUse || !sess.KeepAlive {
			continue
		}
		if !sess.LastHealthCheck.Before(olderThan) {
			continue
		}
		sess.inUse = true
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkProbed records a successful probe and returns the session to the
// pool. LastUsed is deliberately left untouched so probes never perturb
// eviction ordering.
func (p *Pool) MarkProbed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[id]
	if !ok {
		return
	}
	sess.LastHealthCheck = p.now().UTC()
	sess.inUse = false
}

// TrackedHandles returns the set of handle ids owned by live sessions,
// used by the health monitor to reconcile orphaned browser instances.
func (p *Pool) TrackedHandles() map[string]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]struct{}, len(p.sessions))
	for _, sess := range p.sessions {
		out[sess.Handle.ID()] = struct{}{}
	}
	return out
}

// Snapshots returns point-in-time metadata for every pool member, ordered
// by session id.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.sessions))
	for _, sess := range p.sessions {
		out = append(out, sess.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Capacity returns the configured maximum pool size.
func (p *Pool) Capacity() int {
	return p.capacity
}

// InUseCount returns the number of sessions currently borrowed.
func (p *Pool) InUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, sess := range p.sessions {
		if sess.inUse {
			n++
		}
	}
	return n
}

// Close tears down every session, including in-use ones. Intended for
// process shutdown only.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	drained := make([]*Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		drained = append(drained, sess)
	}
	p.sessions = make(map[string]*Session)
	p.byOwner = make(map[string]string)
	p.mu.Unlock()

	var firstErr error
	for _, sess := range drained {
		if err := p.factory.Destroy(ctx, sess.Handle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("destroy session %s: %w", sess.ID, err)
		}
	}
	return firstErr
}

// tryReuse checks for an existing session under the pool lock. On a hit the
// session is already marked in use when returned.
func (p *Pool) tryReuse(fingerprint string) (*Session, reuseState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byOwner[fingerprint]
	if !ok {
		if _, inflight := p.creating[fingerprint]; inflight {
			return nil, reuseBusy
		}
		return nil, reuseMiss
	}
	sess := p.sessions[id]
	if sess.inUse {
		return nil, reuseBusy
	}
	sess.inUse = true
	sess.LastUsed = p.now().UTC()
	return sess, reuseHit
}

// create reserves a slot (evicting the LRU idle session if the pool is
// full), builds a new session via the factory outside the lock, and
// registers it marked in use.
func (p *Pool) create(ctx context.Context, fingerprint string) (*Session, error) {
	p.mu.Lock()
	if _, ok := p.byOwner[fingerprint]; ok {
		// Raced with another creator that already registered.
		p.mu.Unlock()
		return nil, ErrSessionBusy
	}
	if _, inflight := p.creating[fingerprint]; inflight {
		p.mu.Unlock()
		return nil, ErrSessionBusy
	}
	var evicted *Session
	if len(p.sessions)+len(p.creating) >= p.capacity {
		evicted = p.evictionCandidateLocked()
		if evicted == nil {
			p.mu.Unlock()
			return nil, ErrPoolExhausted
		}
		delete(p.sessions, evicted.ID)
		delete(p.byOwner, evicted.Fingerprint)
	}
	p.creating[fingerprint] = struct{}{}
	p.mu.Unlock()

	if evicted != nil {
		p.logger.Info("evicting least-recently-used session",
			"session_id", evicted.ID, "last_used", evicted.LastUsed)
		if err := p.factory.Destroy(ctx, evicted.Handle); err != nil {
			p.logger.Warn("eviction teardown failed",
				"session_id", evicted.ID, "error", err)
		}
		if p.onEvict != nil {
			p.onEvict(evicted.snapshot())
		}
	}

	handle, err := p.factory.Create(ctx)
	if err != nil {
		p.unreserve(fingerprint)
		return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}
	id, err := newSessionID()
	if err != nil {
		_ = p.factory.Destroy(ctx, handle)
		p.unreserve(fingerprint)
		return nil, err
	}

	now := p.now().UTC()
	sess := &Session{
		ID:              id,
		Fingerprint:     fingerprint,
		Handle:          handle,
		CreatedAt:       now,
		LastUsed:        now,
		LastHealthCheck: now,
		KeepAlive:       true,
		inUse:           true,
	}
	p.mu.Lock()
	delete(p.creating, fingerprint)
	p.sessions[id] = sess
	p.byOwner[fingerprint] = id
	p.mu.Unlock()
	return sess, nil
}

func (p *Pool) unreserve(fingerprint string) {
	p.mu.Lock()
	delete(p.creating, fingerprint)
	p.mu.Unlock()
}

// evictionCandidateLocked selects the idle session with the oldest LastUsed
// timestamp. Equal timestamps (coarse clock) are broken by session id
// ordering so eviction stays deterministic. Returns nil when every member
// is in use.
func (p *Pool) evictionCandidateLocked() *Session {
	var cand *Session
	for _, sess := range p.sessions {
		if sess.inUse {
			continue
		}
		if cand == nil {
			cand = sess
			continue
		}
		switch {
		case sess.LastUsed.Before(cand.LastUsed):
			cand = sess
		case sess.LastUsed.Equal(cand.LastUsed) && sess.ID < cand.ID:
			cand = sess
		}
	}
	return cand
}

func (p *Pool) probeAlive(ctx context.Context, h driver.Handle) bool {
	pctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()
	return p.factory.Probe(pctx, h)
}

func (p *Pool) backoff(ctx context.Context) error {
	timer := time.NewTimer(p.busyBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
