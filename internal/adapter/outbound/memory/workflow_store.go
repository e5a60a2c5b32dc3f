// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/formbridge/formbridge/internal/domain/workflow"
)

// WorkflowStore implements workflow.Store with an in-memory map.
// Thread-safe for concurrent access. Instances are stored and returned as
// deep copies to prevent external mutation.
//
// Idle garbage collection is driven by the workflow service (it must also
// release the bound session), so this store has no background goroutine of
// its own.
type WorkflowStore struct {
	mu        sync.RWMutex
	instances map[string]*workflow.Instance
}

// NewWorkflowStore creates an empty in-memory workflow store.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{
		instances: make(map[string]*workflow.Instance),
	}
}

// Create stores a new instance.
func (s *WorkflowStore) Create(ctx context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// Get retrieves an instance by id.
func (s *WorkflowStore) Get(ctx context.Context, id string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, workflow.ErrWorkflowNotFound
	}
	return inst.Clone(), nil
}

// Update saves changes to an existing instance.
func (s *WorkflowStore) Update(ctx context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return workflow.ErrWorkflowNotFound
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// Delete removes an instance. Absent ids are a no-op.
func (s *WorkflowStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	return nil
}

// ListIdle returns instances whose last activity is older than the cutoff.
func (s *WorkflowStore) ListIdle(ctx context.Context, before time.Time) ([]*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Instance
	for _, inst := range s.instances {
		if inst.LastActivity.Before(before) {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

// Size returns the number of stored instances. Useful in tests.
func (s *WorkflowStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// Compile-time interface verification.
var _ workflow.Store = (*WorkflowStore)(nil)
