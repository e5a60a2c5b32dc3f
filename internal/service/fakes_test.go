package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/formbridge/formbridge/internal/domain/driver"
	"github.com/formbridge/formbridge/internal/domain/workflow"
)

// fakeHandle is a minimal driver.Handle.
type fakeHandle struct {
	id string
}

func (h *fakeHandle) ID() string { return h.id }

// fakeFactory is an in-memory driver.Factory. Tests can mark handles dead
// and inject orphaned handles into List.
type fakeFactory struct {
	mu        sync.Mutex
	seq       int
	live      map[string]driver.Handle
	dead      map[string]bool
	orphans   []driver.Handle
	destroyed []string
	probed    []string
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		live: make(map[string]driver.Handle),
		dead: make(map[string]bool),
	}
}

func (f *fakeFactory) Create(ctx context.Context) (driver.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	h := &fakeHandle{id: fmt.Sprintf("handle-%d", f.seq)}
	f.live[h.id] = h
	return h, nil
}

func (f *fakeFactory) Destroy(ctx context.Context, h driver.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, h.ID())
	f.destroyed = append(f.destroyed, h.ID())
	return nil
}

func (f *fakeFactory) Probe(ctx context.Context, h driver.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, h.ID())
	return !f.dead[h.ID()]
}

func (f *fakeFactory) List(ctx context.Context) []driver.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]driver.Handle, 0, len(f.live)+len(f.orphans))
	for _, h := range f.live {
		out = append(out, h)
	}
	out = append(out, f.orphans...)
	return out
}

func (f *fakeFactory) markDead(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[id] = true
}

func (f *fakeFactory) addOrphan(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orphans = append(f.orphans, &fakeHandle{id: id})
}

func (f *fakeFactory) removeOrphan(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.orphans[:0]
	for _, h := range f.orphans {
		if h.ID() != id {
			out = append(out, h)
		}
	}
	f.orphans = out
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

func (f *fakeFactory) probedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.probed...)
}

func (f *fakeFactory) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

// fakeForms is a scriptable driver.FormDriver.
type fakeForms struct {
	mu      sync.Mutex
	perform func(phase string, fields map[string]string) (*driver.PhaseResult, error)
	expired map[string]bool
	calls   []string
}

func newFakeForms() *fakeForms {
	return &fakeForms{
		perform: func(string, map[string]string) (*driver.PhaseResult, error) {
			return &driver.PhaseResult{}, nil
		},
		expired: make(map[string]bool),
	}
}

func (f *fakeForms) PerformPhase(ctx context.Context, h driver.Handle, phase string, fields map[string]string) (*driver.PhaseResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, phase)
	fn := f.perform
	f.mu.Unlock()
	return fn(phase, fields)
}

func (f *fakeForms) AuthExpired(ctx context.Context, h driver.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired[h.ID()]
}

func (f *fakeForms) phaseCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeValidator rejects the configured field names for any phase.
type fakeValidator struct {
	invalid []string
}

func (v *fakeValidator) Validate(ctx context.Context, phase workflow.Phase, fields map[string]string) ([]string, error) {
	var out []string
	for _, name := range v.invalid {
		if _, ok := fields[name]; ok {
			out = append(out, name)
		}
	}
	return out, nil
}
