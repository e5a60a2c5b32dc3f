package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/formbridge/formbridge/internal/domain/workflow"
)

func newInstance(id string, activity time.Time) *workflow.Instance {
	inst := workflow.NewInstance("fp-1", "sess-1", workflow.DefaultPhases(), activity)
	inst.ID = id
	return inst
}

func TestWorkflowStoreCRUD(t *testing.T) {
	store := NewWorkflowStore()
	ctx := context.Background()
	inst := newInstance("wf-1", time.Now().UTC())
	inst.Fields = map[string]string{"service": "passport"}

	if err := store.Create(ctx, inst); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Phase != workflow.PhaseLookup || got.Fields["service"] != "passport" {
		t.Errorf("Get() = %+v, want stored instance", got)
	}

	got.Phase = workflow.PhaseDetails
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	again, _ := store.Get(ctx, "wf-1")
	if again.Phase != workflow.PhaseDetails {
		t.Errorf("Phase after update = %q, want details", again.Phase)
	}

	if err := store.Delete(ctx, "wf-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "wf-1"); !errors.Is(err, workflow.ErrWorkflowNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrWorkflowNotFound", err)
	}
}

func TestWorkflowStoreGetAbsent(t *testing.T) {
	store := NewWorkflowStore()
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, workflow.ErrWorkflowNotFound) {
		t.Errorf("Get() error = %v, want ErrWorkflowNotFound", err)
	}
}

func TestWorkflowStoreUpdateAbsent(t *testing.T) {
	store := NewWorkflowStore()
	inst := newInstance("wf-ghost", time.Now().UTC())
	if err := store.Update(context.Background(), inst); !errors.Is(err, workflow.ErrWorkflowNotFound) {
		t.Errorf("Update() error = %v, want ErrWorkflowNotFound", err)
	}
}

func TestWorkflowStoreDeleteAbsentIsNoop(t *testing.T) {
	store := NewWorkflowStore()
	if err := store.Delete(context.Background(), "nope"); err != nil {
		t.Errorf("Delete() error = %v, want nil", err)
	}
}

func TestWorkflowStoreReturnsClones(t *testing.T) {
	store := NewWorkflowStore()
	ctx := context.Background()
	inst := newInstance("wf-1", time.Now().UTC())
	inst.Fields = map[string]string{"service": "passport"}
	if err := store.Create(ctx, inst); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	inst.Fields["service"] = "tampered"
	got, _ := store.Get(ctx, "wf-1")
	if got.Fields["service"] != "passport" {
		t.Error("store shares field map with caller")
	}

	got.Fields["service"] = "tampered-again"
	fresh, _ := store.Get(ctx, "wf-1")
	if fresh.Fields["service"] != "passport" {
		t.Error("store shares field map with reader")
	}
}

func TestWorkflowStoreListIdle(t *testing.T) {
	store := NewWorkflowStore()
	ctx := context.Background()
	now := time.Now().UTC()

	old := newInstance("wf-old", now.Add(-time.Hour))
	fresh := newInstance("wf-fresh", now)
	if err := store.Create(ctx, old); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	idle, err := store.ListIdle(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListIdle() error = %v", err)
	}
	if len(idle) != 1 || idle[0].ID != "wf-old" {
		t.Errorf("ListIdle() = %v, want [wf-old]", idle)
	}

	if store.Size() != 2 {
		t.Errorf("Size() = %d, want 2", store.Size())
	}
}
