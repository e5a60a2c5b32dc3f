package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/formbridge/formbridge/internal/domain/driver"
	"github.com/formbridge/formbridge/internal/domain/session"
	"github.com/formbridge/formbridge/internal/domain/workflow"
)

// Workflow engine defaults.
const (
	DefaultMaxRetries   = 2
	DefaultPhaseTimeout = 45 * time.Second
	DefaultIdleTTL      = 15 * time.Minute
	DefaultGCInterval   = 1 * time.Minute
)

// ErrPhaseRetriesExhausted is returned when a phase action kept failing
// past the retry budget. The instance stays addressable for one corrective
// resume unless the failure was fatal.
var ErrPhaseRetriesExhausted = errors.New("phase retries exhausted")

// ErrWorkflowFailed is returned when a fatally failed instance is resumed.
var ErrWorkflowFailed = errors.New("workflow failed fatally")

// WorkflowConfig tunes the workflow engine.
type WorkflowConfig struct {
	// Phases is the ordered phase list. Default: workflow.DefaultPhases().
	Phases []workflow.PhaseSpec
	// MaxRetries bounds retries of a failing phase action. Default: 2.
	MaxRetries int
	// PhaseTimeout bounds each delegated phase action; a timeout counts
	// as a transient failure. Default: 45s.
	PhaseTimeout time.Duration
	// IdleTTL is how long an instance may sit without a resume before
	// garbage collection destroys it. Default: 15m.
	IdleTTL time.Duration
	// GCInterval is how often idle instances are collected. Default: 1m.
	GCInterval time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Outcome is the result of driving a workflow as far as its fields allow.
type Outcome struct {
	WorkflowID string
	SessionID  string
	Phase      workflow.Phase
	// Missing names the fields required before the current phase can run,
	// including fields whose values failed validation and fields the
	// portal itself rejected.
	Missing   []string
	Completed bool
	Result    map[string]string
}

// WorkflowService drives the phase state machine over a borrowed session.
// It owns retries, suspension on missing input, and idle garbage
// collection of abandoned instances.
type WorkflowService struct {
	store     workflow.Store
	forms     driver.FormDriver
	pool      *session.Pool
	validator workflow.FieldValidator // optional
	metrics   *Metrics
	logger    *slog.Logger

	phases       []workflow.PhaseSpec
	maxRetries   int
	phaseTimeout time.Duration
	idleTTL      time.Duration
	gcInterval   time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	now func() time.Time
}

// NewWorkflowService creates the engine. validator may be nil to skip
// value validation (presence checks always run).
func NewWorkflowService(store workflow.Store, forms driver.FormDriver, pool *session.Pool, validator workflow.FieldValidator, metrics *Metrics, cfg WorkflowConfig) *WorkflowService {
	if len(cfg.Phases) == 0 {
		cfg.Phases = workflow.DefaultPhases()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultPhaseTimeout
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = DefaultGCInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WorkflowService{
		store:        store,
		forms:        forms,
		pool:         pool,
		validator:    validator,
		metrics:      metrics,
		logger:       cfg.Logger,
		phases:       cfg.Phases,
		maxRetries:   cfg.MaxRetries,
		phaseTimeout: cfg.PhaseTimeout,
		idleTTL:      cfg.IdleTTL,
		gcInterval:   cfg.GCInterval,
		stopChan:     make(chan struct{}),
		now:          time.Now,
	}
}

// Phases returns the configured phase order.
func (s *WorkflowService) Phases() []workflow.PhaseSpec {
	return s.phases
}

// Advance merges newly supplied fields into the instance and drives it
// through as many phases as the collected fields allow.
//
// The instance is persisted on every stop point, so a later resume is a
// pure data operation. The bound session id is rebound to the supplied
// session; when the original session died in the interim, only the current
// phase is replayed on the replacement.
func (s *WorkflowService) Advance(ctx context.Context, inst *workflow.Instance, sess *session.Session, fields map[string]string) (*Outcome, error) {
	inst.MergeFields(fields)
	inst.Touch(s.now().UTC())
	inst.SessionID = sess.ID

	if inst.Phase == workflow.PhaseFailed {
		if inst.Fatal {
			s.persistBestEffort(ctx, inst)
			return nil, fmt.Errorf("%w: %s", ErrWorkflowFailed, inst.LastError)
		}
		// One corrective resume: pick up in the phase that failed.
		inst.Phase = inst.FailedAt
		inst.FailedAt = ""
		inst.Attempts = 0
	}

	for {
		idx := s.phaseIndex(inst.Phase)
		if idx < 0 {
			return nil, fmt.Errorf("workflow %s is in unknown phase %q", inst.ID, inst.Phase)
		}
		spec := s.phases[idx]

		missing, err := s.missingFields(ctx, inst, spec)
		if err != nil {
			s.persistBestEffort(ctx, inst)
			return nil, err
		}
		if len(missing) > 0 {
			s.phaseOutcome(spec.ID, "missing")
			if err := s.persist(ctx, inst); err != nil {
				return nil, err
			}
			return &Outcome{
				WorkflowID: inst.ID,
				SessionID:  sess.ID,
				Phase:      spec.ID,
				Missing:    missing,
			}, nil
		}

		res, err := s.performWithRetry(ctx, inst, sess, spec)
		if err != nil {
			s.persistBestEffort(ctx, inst)
			return nil, err
		}
		if len(res.Missing) > 0 {
			// The portal asked for more than the static mandatory set.
			s.phaseOutcome(spec.ID, "missing")
			if err := s.persist(ctx, inst); err != nil {
				return nil, err
			}
			return &Outcome{
				WorkflowID: inst.ID,
				SessionID:  sess.ID,
				Phase:      spec.ID,
				Missing:    res.Missing,
			}, nil
		}

		inst.Attempts = 0
		inst.LastError = ""
		if len(res.Output) > 0 {
			if inst.Result == nil {
				inst.Result = make(map[string]string, len(res.Output))
			}
			for k, v := range res.Output {
				inst.Result[k] = v
			}
		}

		if idx == len(s.phases)-1 {
			inst.Phase = workflow.PhaseCompleted
			s.phaseOutcome(spec.ID, "completed")
			// Result delivered with the return value; the instance is done.
			if err := s.store.Delete(ctx, inst.ID); err != nil {
				s.logger.Warn("delete of completed workflow failed",
					"workflow_id", inst.ID, "error", err)
			}
			return &Outcome{
				WorkflowID: inst.ID,
				SessionID:  sess.ID,
				Phase:      workflow.PhaseCompleted,
				Completed:  true,
				Result:     inst.Result,
			}, nil
		}

		s.phaseOutcome(spec.ID, "advanced")
		inst.Phase = s.phases[idx+1].ID
		if err := s.persist(ctx, inst); err != nil {
			return nil, err
		}
	}
}

// missingFields combines the static mandatory-set check with value
// validation. Invalid values are reported under the same "missing" contract
// so callers have a single list of fields to fix.
func (s *WorkflowService) missingFields(ctx context.Context, inst *workflow.Instance, spec workflow.PhaseSpec) ([]string, error) {
	missing := inst.Missing(spec.Mandatory)
	if s.validator != nil {
		invalid, err := s.validator.Validate(ctx, spec.ID, inst.Fields)
		if err != nil {
			return nil, fmt.Errorf("validate fields for phase %s: %w", spec.ID, err)
		}
		missing = append(missing, invalid...)
	}
	if len(missing) > 1 {
		sort.Strings(missing)
		missing = dedupe(missing)
	}
	return missing, nil
}

// performWithRetry runs the delegated phase action under the phase timeout,
// retrying transient failures up to the budget. Fatal failures and
// exhausted retries move the instance to Failed.
func (s *WorkflowService) performWithRetry(ctx context.Context, inst *workflow.Instance, sess *session.Session, spec workflow.PhaseSpec) (*driver.PhaseResult, error) {
	for {
		pctx, cancel := context.WithTimeout(ctx, s.phaseTimeout)
		res, err := s.forms.PerformPhase(pctx, sess.Handle, string(spec.ID), inst.Fields)
		cancel()
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			// Caller went away; don't burn the retry budget on a dead ctx.
			return nil, ctx.Err()
		}
		if errors.Is(err, driver.ErrPhaseFatal) {
			s.failInstance(inst, spec.ID, err, true)
			s.phaseOutcome(spec.ID, "failed")
			return nil, err
		}
		inst.Attempts++
		if inst.Attempts > s.maxRetries {
			s.failInstance(inst, spec.ID, err, false)
			s.phaseOutcome(spec.ID, "failed")
			return nil, fmt.Errorf("%w: phase %s after %d attempts: %v",
				ErrPhaseRetriesExhausted, spec.ID, inst.Attempts, err)
		}
		s.phaseOutcome(spec.ID, "retried")
		s.logger.Warn("phase action failed, retrying",
			"workflow_id", inst.ID, "phase", spec.ID,
			"attempt", inst.Attempts, "error", err)
	}
}

func (s *WorkflowService) failInstance(inst *workflow.Instance, phase workflow.Phase, err error, fatal bool) {
	inst.FailedAt = phase
	inst.Phase = workflow.PhaseFailed
	inst.Fatal = fatal
	inst.LastError = err.Error()
}

// StartGC launches the idle-instance garbage collector.
func (s *WorkflowService) StartGC(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.collectIdle(ctx)
			}
		}
	}()
}

// Stop stops the garbage collector and waits for it. Safe to call twice.
func (s *WorkflowService) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// collectIdle destroys instances idle past the TTL and releases any session
// they still hold. Bounds memory for abandoned workflows.
func (s *WorkflowService) collectIdle(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.idleTTL)
	idle, err := s.store.ListIdle(ctx, cutoff)
	if err != nil {
		s.logger.Warn("idle workflow scan failed", "error", err)
		return
	}
	for _, inst := range idle {
		s.pool.Release(inst.SessionID)
		if err := s.store.Delete(ctx, inst.ID); err != nil {
			s.logger.Warn("idle workflow delete failed",
				"workflow_id", inst.ID, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.WorkflowsGCed.Inc()
		}
		s.logger.Info("garbage-collected idle workflow",
			"workflow_id", inst.ID, "phase", inst.Phase)
	}
}

func (s *WorkflowService) persist(ctx context.Context, inst *workflow.Instance) error {
	if err := s.store.Update(ctx, inst); err != nil {
		return fmt.Errorf("persist workflow %s: %w", inst.ID, err)
	}
	return nil
}

// persistBestEffort records failure state on a path already returning a
// phase error to the caller. The phase error stays the reported one; a
// store failure on top of it is logged rather than swallowed.
func (s *WorkflowService) persistBestEffort(ctx context.Context, inst *workflow.Instance) {
	if err := s.persist(ctx, inst); err != nil {
		s.logger.Warn("persisting failed workflow state failed",
			"workflow_id", inst.ID, "phase", inst.Phase, "error", err)
	}
}

func (s *WorkflowService) phaseIndex(p workflow.Phase) int {
	for i, spec := range s.phases {
		if spec.ID == p {
			return i
		}
	}
	return -1
}

func (s *WorkflowService) phaseOutcome(phase workflow.Phase, outcome string) {
	if s.metrics != nil {
		s.metrics.PhaseOutcomes.WithLabelValues(string(phase), outcome).Inc()
	}
}

func dedupe(sorted []string) []string {
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
