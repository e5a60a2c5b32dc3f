package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/formbridge/formbridge/internal/domain/auth"
	"github.com/formbridge/formbridge/internal/domain/driver"
	"github.com/formbridge/formbridge/internal/domain/session"
	"github.com/formbridge/formbridge/internal/domain/workflow"
	"github.com/formbridge/formbridge/pkg/api"
)

// PortalService is the API-facing façade: it resolves a session for the
// caller, drives the workflow engine, and translates outcomes and errors
// into wire responses. Callers never observe a bare resource-level failure.
type PortalService struct {
	pool    *session.Pool
	engine  *WorkflowService
	store   workflow.Store
	metrics *Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewPortalService creates the façade.
func NewPortalService(pool *session.Pool, engine *WorkflowService, store workflow.Store, metrics *Metrics, logger *slog.Logger) *PortalService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortalService{
		pool:    pool,
		engine:  engine,
		store:   store,
		metrics: metrics,
		logger:  logger,
		tracer:  otel.Tracer("formbridge/portal"),
		now:     time.Now,
	}
}

// Submit starts or resumes a workflow. The response always carries the
// session id when one was resolved; a suspended workflow additionally
// carries its workflow id and the missing field names.
func (s *PortalService) Submit(ctx context.Context, req *api.SubmitRequest) *api.Response {
	ctx, span := s.tracer.Start(ctx, "portal.submit")
	defer span.End()

	var (
		sess    *session.Session
		inst    *workflow.Instance
		errResp *api.Response
	)
	if req.WorkflowID != "" {
		// Resume: the suspended instance holds its session across the
		// suspension, so the workflow is resolved first and its session
		// re-entered through the binding Resume honors.
		inst, sess, errResp = s.resumeWorkflow(ctx, req)
	} else {
		var fingerprint string
		sess, fingerprint, errResp = s.resolveSession(ctx, req)
		if errResp == nil {
			inst, errResp = s.createWorkflow(ctx, sess, fingerprint)
			if errResp != nil {
				s.pool.Release(sess.ID)
			}
		}
	}
	if errResp != nil {
		return errResp
	}
	span.SetAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("workflow.id", inst.ID),
	)
	if req.KeepAlive != nil {
		s.pool.SetKeepAlive(sess.ID, *req.KeepAlive)
	}

	outcome, err := s.engine.Advance(ctx, inst, sess, req.Fields)
	if err != nil {
		s.pool.Release(sess.ID)
		s.logger.Warn("workflow advance failed",
			"workflow_id", inst.ID, "phase", inst.Phase, "error", err)
		return s.errorResponse(err, sess.ID, inst)
	}

	if outcome.Completed {
		s.pool.Release(sess.ID)
		return &api.Response{
			Success:   true,
			SessionID: sess.ID,
			Phase:     string(outcome.Phase),
			Result:    outcome.Result,
		}
	}

	// Suspended awaiting input: the session stays held so the resumed
	// call continues on the same browser state. Binding the hold to the
	// workflow lets that resume back in past the busy gate.
	s.pool.Bind(sess.ID, outcome.WorkflowID)
	return &api.Response{
		Success:       false,
		SessionID:     sess.ID,
		WorkflowID:    outcome.WorkflowID,
		Phase:         string(outcome.Phase),
		MissingFields: outcome.Missing,
	}
}

// CloseSession tears a session down on the owner's request.
func (s *PortalService) CloseSession(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "portal.close_session",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()
	if s.metrics != nil {
		s.metrics.Removals.WithLabelValues("caller").Inc()
	}
	return s.pool.Remove(ctx, id)
}

// Sessions lists pool members for the health/introspection surface.
func (s *PortalService) Sessions() []api.SessionInfo {
	snaps := s.pool.Snapshots()
	out := make([]api.SessionInfo, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, api.SessionInfo{
			ID:              sn.ID,
			CreatedAt:       sn.CreatedAt.Format(time.RFC3339),
			LastUsed:        sn.LastUsed.Format(time.RFC3339),
			LastHealthCheck: sn.LastHealthCheck.Format(time.RFC3339),
			InUse:           sn.InUse,
			KeepAlive:       sn.KeepAlive,
		})
	}
	return out
}

// resolveSession borrows a session either by explicit id or by deriving
// the owner fingerprint from credentials. An explicit id that turns out
// dead falls back to credentials when they were also supplied.
func (s *PortalService) resolveSession(ctx context.Context, req *api.SubmitRequest) (*session.Session, string, *api.Response) {
	if req.SessionID != "" {
		sess, err := s.pool.AcquireByID(ctx, req.SessionID)
		if err == nil {
			s.countAcquire("reused")
			return sess, sess.Fingerprint, nil
		}
		if !errors.Is(err, session.ErrSessionNotFound) || req.Credentials == nil {
			return nil, "", s.sessionError(err, req.SessionID)
		}
		// Fall through: the pinned session is gone but we can still
		// resolve by credentials.
	}
	if req.Credentials == nil {
		return nil, "", badRequest("either credentials or session_id is required")
	}
	fingerprint := auth.Fingerprint(req.Credentials.Username, req.Credentials.Secret)
	sess, isNew, err := s.pool.Acquire(ctx, fingerprint)
	if err != nil {
		return nil, "", s.sessionError(err, "")
	}
	if isNew {
		s.countAcquire("created")
	} else {
		s.countAcquire("reused")
	}
	return sess, fingerprint, nil
}

// createWorkflow opens a fresh instance on the borrowed session.
func (s *PortalService) createWorkflow(ctx context.Context, sess *session.Session, fingerprint string) (*workflow.Instance, *api.Response) {
	inst := workflow.NewInstance(fingerprint, sess.ID, s.engine.Phases(), s.now().UTC())
	if err := s.store.Create(ctx, inst); err != nil {
		return nil, internalError(fmt.Errorf("create workflow: %w", err))
	}
	return inst, nil
}

// resumeWorkflow loads the suspended instance and re-enters the session it
// holds. Ownership is settled before any session is touched: with
// credentials, the instance must belong to the caller's owner fingerprint,
// and any mismatch reads as not-found so workflow ids cannot be probed.
// Without credentials, possession of both the workflow and session ids is
// the capability. When the held session is gone, credentialed callers
// continue on a freshly acquired browser from the suspended phase.
func (s *PortalService) resumeWorkflow(ctx context.Context, req *api.SubmitRequest) (*workflow.Instance, *session.Session, *api.Response) {
	if req.Credentials == nil && req.SessionID == "" {
		return nil, nil, badRequest("either credentials or session_id is required")
	}
	inst, err := s.store.Get(ctx, req.WorkflowID)
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			return nil, nil, workflowNotFound(req.WorkflowID)
		}
		return nil, nil, internalError(err)
	}
	if req.Credentials != nil {
		fingerprint := auth.Fingerprint(req.Credentials.Username, req.Credentials.Secret)
		if inst.Fingerprint != fingerprint {
			return nil, nil, workflowNotFound(req.WorkflowID)
		}
	}

	id := req.SessionID
	if id == "" {
		id = inst.SessionID
	}
	sess, err := s.pool.Resume(ctx, id, inst.ID)
	switch {
	case err == nil:
		if sess.Fingerprint != inst.Fingerprint {
			s.pool.Release(sess.ID)
			return nil, nil, workflowNotFound(req.WorkflowID)
		}
		s.countAcquire("reused")
		return inst, sess, nil
	case errors.Is(err, session.ErrSessionNotFound) && req.Credentials != nil:
		fresh, isNew, aerr := s.pool.Acquire(ctx, inst.Fingerprint)
		if aerr != nil {
			return nil, nil, s.sessionError(aerr, "")
		}
		if isNew {
			s.countAcquire("created")
		} else {
			s.countAcquire("reused")
		}
		return inst, fresh, nil
	default:
		return nil, nil, s.sessionError(err, id)
	}
}

func workflowNotFound(id string) *api.Response {
	return &api.Response{
		Success: false,
		Error: &api.ErrorInfo{
			Kind:    api.ErrorKindWorkflowNotFound,
			Message: fmt.Sprintf("workflow %s not found or expired", id),
		},
	}
}

func (s *PortalService) sessionError(err error, sessionID string) *api.Response {
	kind := api.ErrorKindInternal
	switch {
	case errors.Is(err, session.ErrPoolExhausted):
		kind = api.ErrorKindCapacity
		s.countAcquire("exhausted")
	case errors.Is(err, session.ErrSessionBusy):
		kind = api.ErrorKindSessionBusy
		s.countAcquire("busy")
	case errors.Is(err, session.ErrSessionNotFound):
		kind = api.ErrorKindSessionNotFound
	case errors.Is(err, session.ErrCreationFailed):
		kind = api.ErrorKindCreationFailed
		s.countAcquire("creation_failed")
	}
	return &api.Response{
		Success:   false,
		SessionID: sessionID,
		Error:     &api.ErrorInfo{Kind: kind, Message: err.Error()},
	}
}

func (s *PortalService) errorResponse(err error, sessionID string, inst *workflow.Instance) *api.Response {
	kind := api.ErrorKindInternal
	switch {
	case errors.Is(err, ErrPhaseRetriesExhausted):
		kind = api.ErrorKindPhaseFailed
	case errors.Is(err, ErrWorkflowFailed):
		kind = api.ErrorKindPhaseFatal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = api.ErrorKindPhaseFailed
	default:
		if isFatal(err) {
			kind = api.ErrorKindPhaseFatal
		}
	}
	resp := &api.Response{
		Success:   false,
		SessionID: sessionID,
		Error: &api.ErrorInfo{
			Kind:    kind,
			Message: err.Error(),
		},
	}
	if inst != nil {
		resp.Error.Phase = string(failedPhase(inst))
		// A retriable failure stays addressable for a corrective resume.
		if kind == api.ErrorKindPhaseFailed {
			resp.WorkflowID = inst.ID
		}
	}
	return resp
}

func (s *PortalService) countAcquire(outcome string) {
	if s.metrics != nil {
		s.metrics.Acquires.WithLabelValues(outcome).Inc()
	}
}

func isFatal(err error) bool {
	return errors.Is(err, driver.ErrPhaseFatal)
}

func failedPhase(inst *workflow.Instance) workflow.Phase {
	if inst.Phase == workflow.PhaseFailed && inst.FailedAt != "" {
		return inst.FailedAt
	}
	return inst.Phase
}

func badRequest(msg string) *api.Response {
	return &api.Response{
		Success: false,
		Error:   &api.ErrorInfo{Kind: api.ErrorKindBadRequest, Message: msg},
	}
}

func internalError(err error) *api.Response {
	return &api.Response{
		Success: false,
		Error:   &api.ErrorInfo{Kind: api.ErrorKindInternal, Message: err.Error()},
	}
}
