package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/formbridge/formbridge/internal/adapter/outbound/memory"
	"github.com/formbridge/formbridge/internal/domain/driver"
	"github.com/formbridge/formbridge/internal/domain/session"
	"github.com/formbridge/formbridge/internal/domain/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newEngine builds a workflow engine over in-memory fakes, returning the
// pieces tests poke at.
func newEngine(t *testing.T, forms *fakeForms, validator workflow.FieldValidator) (*WorkflowService, *memory.WorkflowStore, *session.Pool) {
	t.Helper()
	store := memory.NewWorkflowStore()
	pool := session.NewPool(newFakeFactory(), session.Config{Capacity: 4})
	engine := NewWorkflowService(store, forms, pool, validator, nil, WorkflowConfig{
		MaxRetries: 2,
	})
	return engine, store, pool
}

// borrow acquires a live session for tests to pass into Advance.
func borrow(t *testing.T, pool *session.Pool, fingerprint string) *session.Session {
	t.Helper()
	sess, _, err := pool.Acquire(context.Background(), fingerprint)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	return sess
}

// newStoredInstance creates an instance and registers it in the store, the
// way the façade does before calling Advance.
func newStoredInstance(t *testing.T, store workflow.Store, engine *WorkflowService, fingerprint, sessionID string) *workflow.Instance {
	t.Helper()
	inst := workflow.NewInstance(fingerprint, sessionID, engine.Phases(), time.Now().UTC())
	if err := store.Create(context.Background(), inst); err != nil {
		t.Fatalf("store.Create() error = %v", err)
	}
	return inst
}

func allFields() map[string]string {
	return map[string]string{
		"service":   "passport",
		"location":  "downtown",
		"full_name": "Ada Lovelace",
		"email":     "ada@example.com",
		"date":      "2026-04-01",
		"confirm":   "yes",
	}
}

func TestAdvanceCompletesAllPhasesInOneCall(t *testing.T) {
	forms := newFakeForms()
	forms.perform = func(phase string, fields map[string]string) (*driver.PhaseResult, error) {
		if phase == string(workflow.PhaseConfirm) {
			return &driver.PhaseResult{Output: map[string]string{"confirmation": "ABC123"}}, nil
		}
		return &driver.PhaseResult{}, nil
	}
	engine, store, pool := newEngine(t, forms, nil)
	sess := borrow(t, pool, "fp-1")
	inst := newStoredInstance(t, store, engine, "fp-1", sess.ID)

	outcome, err := engine.Advance(context.Background(), inst, sess, allFields())
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if !outcome.Completed {
		t.Fatalf("outcome = %+v, want completed", outcome)
	}
	if outcome.Result["confirmation"] != "ABC123" {
		t.Errorf("Result = %v, want extracted confirmation", outcome.Result)
	}
	want := []string{"lookup", "details", "confirm"}
	if got := forms.phaseCalls(); !reflect.DeepEqual(got, want) {
		t.Errorf("phase calls = %v, want %v", got, want)
	}
	if store.Size() != 0 {
		t.Errorf("store.Size() = %d, want 0 (completed instance deleted)", store.Size())
	}
}

func TestAdvanceSuspendsOnMissingFields(t *testing.T) {
	forms := newFakeForms()
	engine, store, pool := newEngine(t, forms, nil)
	sess := borrow(t, pool, "fp-1")
	inst := newStoredInstance(t, store, engine, "fp-1", sess.ID)

	outcome, err := engine.Advance(context.Background(), inst, sess, map[string]string{"service": "passport"})
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if outcome.Completed {
		t.Fatal("outcome completed, want suspension")
	}
	if outcome.Phase != workflow.PhaseLookup {
		t.Errorf("Phase = %s, want %s", outcome.Phase, workflow.PhaseLookup)
	}
	if !reflect.DeepEqual(outcome.Missing, []string{"location"}) {
		t.Errorf("Missing = %v, want [location]", outcome.Missing)
	}
	if len(forms.phaseCalls()) != 0 {
		t.Errorf("phase calls = %v, want none before fields are complete", forms.phaseCalls())
	}

	// The merged fields must be persisted for the resume.
	stored, err := store.Get(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	if stored.Fields["service"] != "passport" {
		t.Errorf("persisted fields = %v, want merged service field", stored.Fields)
	}
}

func TestAdvanceResumeContinuesFromSuspension(t *testing.T) {
	forms := newFakeForms()
	engine, store, pool := newEngine(t, forms, nil)
	sess := borrow(t, pool, "fp-1")
	inst := newStoredInstance(t, store, engine, "fp-1", sess.ID)

	if _, err := engine.Advance(context.Background(), inst, sess, map[string]string{
		"service": "passport", "location": "downtown",
	}); err != nil {
		t.Fatalf("first Advance() error = %v", err)
	}
	// lookup ran, details is short three fields
	if inst.Phase != workflow.PhaseDetails {
		t.Fatalf("Phase = %s, want %s after lookup", inst.Phase, workflow.PhaseDetails)
	}

	outcome, err := engine.Advance(context.Background(), inst, sess, map[string]string{
		"full_name": "Ada Lovelace", "email": "ada@example.com", "date": "2026-04-01", "confirm": "yes",
	})
	if err != nil {
		t.Fatalf("resume Advance() error = %v", err)
	}
	if !outcome.Completed {
		t.Fatalf("outcome = %+v, want completed after resume", outcome)
	}
	want := []string{"lookup", "details", "confirm"}
	if got := forms.phaseCalls(); !reflect.DeepEqual(got, want) {
		t.Errorf("phase calls = %v, want %v (no replay of finished phases)", got, want)
	}
}

func TestAdvanceSurfacesPortalReportedMissing(t *testing.T) {
	forms := newFakeForms()
	forms.perform = func(phase string, fields map[string]string) (*driver.PhaseResult, error) {
		if phase == string(workflow.PhaseLookup) {
			return &driver.PhaseResult{Missing: []string{"appointment_type"}}, nil
		}
		return &driver.PhaseResult{}, nil
	}
	engine, store, pool := newEngine(t, forms, nil)
	sess := borrow(t, pool, "fp-1")
	inst := newStoredInstance(t, store, engine, "fp-1", sess.ID)

	outcome, err := engine.Advance(context.Background(), inst, sess, allFields())
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if !reflect.DeepEqual(outcome.Missing, []string{"appointment_type"}) {
		t.Errorf("Missing = %v, want [appointment_type]", outcome.Missing)
	}
	if inst.Phase != workflow.PhaseLookup {
		t.Errorf("Phase = %s, want %s (phase not advanced)", inst.Phase, workflow.PhaseLookup)
	}
}

func TestAdvanceInvalidValuesReportedAsMissing(t *testing.T) {
	forms := newFakeForms()
	engine, store, pool := newEngine(t, forms, &fakeValidator{invalid: []string{"email"}})
	sess := borrow(t, pool, "fp-1")
	inst := newStoredInstance(t, store, engine, "fp-1", sess.ID)

	fields := allFields()
	fields["email"] = "not-an-email"
	outcome, err := engine.Advance(context.Background(), inst, sess, fields)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if outcome.Completed {
		t.Fatal("outcome completed, want suspension on invalid value")
	}
	// lookup has no email field rule hit... the validator rejects email in
	// every phase here, so the first phase already suspends.
	found := false
	for _, m := range outcome.Missing {
		if m == "email" {
			found = true
		}
	}
	if !found {
		t.Errorf("Missing = %v, want email listed", outcome.Missing)
	}
}

func TestAdvanceRetriesTransientFailures(t *testing.T) {
	forms := newFakeForms()
	failures := 2
	forms.perform = func(phase string, fields map[string]string) (*driver.PhaseResult, error) {
		if phase == string(workflow.PhaseLookup) && failures > 0 {
			failures--
			return nil, errors.New("portal timeout")
		}
		return &driver.PhaseResult{}, nil
	}
	engine, store, pool := newEngine(t, forms, nil)
	sess := borrow(t, pool, "fp-1")
	inst := newStoredInstance(t, store, engine, "fp-1", sess.ID)

	outcome, err := engine.Advance(context.Background(), inst, sess, allFields())
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if !outcome.Completed {
		t.Fatalf("outcome = %+v, want completed after retries", outcome)
	}
	if inst.Attempts != 0 {
		t.Errorf("Attempts = %d, want reset to 0 on success", inst.Attempts)
	}
}

func TestAdvanceRetriesExhaustedThenCorrectiveResume(t *testing.T) {
	forms := newFakeForms()
	broken := true
	forms.perform = func(phase string, fields map[string]string) (*driver.PhaseResult, error) {
		if broken {
			return nil, errors.New("portal error 500")
		}
		return &driver.PhaseResult{}, nil
	}
	engine, store, pool := newEngine(t, forms, nil)
	sess := borrow(t, pool, "fp-1")
	inst := newStoredInstance(t, store, engine, "fp-1", sess.ID)

	_, err := engine.Advance(context.Background(), inst, sess, allFields())
	if !errors.Is(err, ErrPhaseRetriesExhausted) {
		t.Fatalf("Advance() error = %v, want ErrPhaseRetriesExhausted", err)
	}
	if inst.Phase != workflow.PhaseFailed || inst.Fatal {
		t.Fatalf("instance = phase %s fatal %v, want non-fatal failed", inst.Phase, inst.Fatal)
	}
	if inst.FailedAt != workflow.PhaseLookup {
		t.Errorf("FailedAt = %s, want %s", inst.FailedAt, workflow.PhaseLookup)
	}

	// Failure persisted: the workflow id stays addressable.
	if _, err := store.Get(context.Background(), inst.ID); err != nil {
		t.Fatalf("store.Get() after failure error = %v", err)
	}

	// Corrective resume replays the failed phase and completes.
	broken = false
	outcome, err := engine.Advance(context.Background(), inst, sess, nil)
	if err != nil {
		t.Fatalf("corrective Advance() error = %v", err)
	}
	if !outcome.Completed {
		t.Fatalf("outcome = %+v, want completed", outcome)
	}
}

func TestAdvanceFatalFailureRejectsResume(t *testing.T) {
	forms := newFakeForms()
	forms.perform = func(phase string, fields map[string]string) (*driver.PhaseResult, error) {
		return nil, fmt.Errorf("%w: no appointment slots exist", driver.ErrPhaseFatal)
	}
	engine, store, pool := newEngine(t, forms, nil)
	sess := borrow(t, pool, "fp-1")
	inst := newStoredInstance(t, store, engine, "fp-1", sess.ID)

	_, err := engine.Advance(context.Background(), inst, sess, allFields())
	if !errors.Is(err, driver.ErrPhaseFatal) {
		t.Fatalf("Advance() error = %v, want ErrPhaseFatal", err)
	}
	if !inst.Fatal {
		t.Fatal("instance not marked fatal")
	}
	if calls := forms.phaseCalls(); len(calls) != 1 {
		t.Errorf("phase calls = %v, want exactly 1 (fatal errors are not retried)", calls)
	}

	// A fatal failure is terminal: resuming is rejected.
	_, err = engine.Advance(context.Background(), inst, sess, nil)
	if !errors.Is(err, ErrWorkflowFailed) {
		t.Fatalf("resume Advance() error = %v, want ErrWorkflowFailed", err)
	}
}

func TestAdvancePhaseTimeoutCountsAsTransient(t *testing.T) {
	forms := newFakeForms()
	calls := 0
	forms.perform = func(phase string, fields map[string]string) (*driver.PhaseResult, error) {
		calls++
		if calls == 1 {
			return nil, context.DeadlineExceeded
		}
		return &driver.PhaseResult{}, nil
	}
	engine, store, pool := newEngine(t, forms, nil)
	sess := borrow(t, pool, "fp-1")
	inst := newStoredInstance(t, store, engine, "fp-1", sess.ID)

	outcome, err := engine.Advance(context.Background(), inst, sess, allFields())
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if !outcome.Completed {
		t.Fatalf("outcome = %+v, want completed after timeout retry", outcome)
	}
}

func TestCollectIdleReleasesSessionAndDeletes(t *testing.T) {
	forms := newFakeForms()
	engine, store, pool := newEngine(t, forms, nil)
	sess := borrow(t, pool, "fp-1")
	inst := newStoredInstance(t, store, engine, "fp-1", sess.ID)

	// Backdate activity past the TTL.
	inst.LastActivity = time.Now().UTC().Add(-time.Hour)
	if err := store.Update(context.Background(), inst); err != nil {
		t.Fatalf("store.Update() error = %v", err)
	}

	engine.collectIdle(context.Background())

	if store.Size() != 0 {
		t.Errorf("store.Size() = %d, want 0 after GC", store.Size())
	}
	if pool.InUseCount() != 0 {
		t.Errorf("InUseCount() = %d, want 0 (GC released the held session)", pool.InUseCount())
	}
}

func TestCollectIdleSparesActiveInstances(t *testing.T) {
	forms := newFakeForms()
	engine, store, pool := newEngine(t, forms, nil)
	sess := borrow(t, pool, "fp-1")
	newStoredInstance(t, store, engine, "fp-1", sess.ID)

	engine.collectIdle(context.Background())

	if store.Size() != 1 {
		t.Errorf("store.Size() = %d, want 1 (fresh instance kept)", store.Size())
	}
}

func TestGCLoopStops(t *testing.T) {
	forms := newFakeForms()
	store := memory.NewWorkflowStore()
	pool := session.NewPool(newFakeFactory(), session.Config{Capacity: 4})
	engine := NewWorkflowService(store, forms, pool, nil, nil, WorkflowConfig{
		GCInterval: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.StartGC(ctx)
	time.Sleep(5 * time.Millisecond)
	engine.Stop()
	engine.Stop() // idempotent
}

// brokenUpdateStore delegates to an in-memory store but rejects updates,
// simulating a persistence layer outage mid-workflow.
type brokenUpdateStore struct {
	*memory.WorkflowStore
}

func (s *brokenUpdateStore) Update(ctx context.Context, inst *workflow.Instance) error {
	return fmt.Errorf("disk full")
}

func TestAdvancePersistFailureOnErrorPathIsLogged(t *testing.T) {
	forms := newFakeForms()
	forms.perform = func(phase string, fields map[string]string) (*driver.PhaseResult, error) {
		return nil, fmt.Errorf("portal flaked")
	}
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	store := &brokenUpdateStore{WorkflowStore: memory.NewWorkflowStore()}
	pool := session.NewPool(newFakeFactory(), session.Config{Capacity: 4})
	engine := NewWorkflowService(store, forms, pool, nil, nil, WorkflowConfig{
		MaxRetries: 1,
		Logger:     logger,
	})
	sess := borrow(t, pool, "fp-1")
	inst := newStoredInstance(t, store, engine, "fp-1", sess.ID)

	_, err := engine.Advance(context.Background(), inst, sess, allFields())

	// The phase error stays the reported one even though the failure
	// state could not be written back.
	if !errors.Is(err, ErrPhaseRetriesExhausted) {
		t.Fatalf("Advance() error = %v, want ErrPhaseRetriesExhausted", err)
	}
	logged := logBuf.String()
	if !strings.Contains(logged, "persisting failed workflow state failed") {
		t.Errorf("log output %q lacks the persistence warning", logged)
	}
	if !strings.Contains(logged, inst.ID) {
		t.Errorf("log output %q lacks the workflow id", logged)
	}
}
