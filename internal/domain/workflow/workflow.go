// Package workflow models the resumable multi-phase portal operation.
//
// An Instance is pure data: phase ordinal plus collected fields. Retries and
// resumptions are data operations on the instance, decoupled from the
// session that executes them, so a workflow can survive the death of its
// browser and be replayed on a fresh one.
package workflow

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Phase identifies one step of the ordered form-filling sequence.
type Phase string

// The appointment flow phases, in order, plus the two terminal states.
const (
	PhaseLookup    Phase = "lookup"
	PhaseDetails   Phase = "details"
	PhaseConfirm   Phase = "confirm"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// PhaseSpec declares one active phase and the fields it cannot run without.
type PhaseSpec struct {
	ID        Phase
	Mandatory []string
}

// DefaultPhases is the built-in appointment flow. Deployments override it
// from configuration.
func DefaultPhases() []PhaseSpec {
	return []PhaseSpec{
		{ID: PhaseLookup, Mandatory: []string{"service", "location"}},
		{ID: PhaseDetails, Mandatory: []string{"full_name", "email", "date"}},
		{ID: PhaseConfirm, Mandatory: []string{"confirm"}},
	}
}

// Instance is the resumable state of one multi-phase operation.
type Instance struct {
	// ID is the workflow id callers use to resume.
	ID string
	// Fingerprint is the owner the instance belongs to. Used both for
	// access control on resume and to transparently re-acquire a session
	// when the bound one died in the interim.
	Fingerprint string
	// SessionID references the borrowed session. May go stale; the façade
	// rebinds on resume.
	SessionID string

	// Phase is the current phase. Always exactly one of the declared
	// phases or a terminal state.
	Phase Phase
	// FailedAt remembers the phase a failed instance was in, so one
	// corrective resume can pick up where it stopped.
	FailedAt Phase
	// Fatal marks a failure as non-retriable; resuming a fatally failed
	// instance is rejected.
	Fatal bool

	// Fields is the collected-fields record. Merge semantics: new values
	// overwrite old on conflict.
	Fields map[string]string
	// Result is the terminal payload attached on completion.
	Result map[string]string

	Attempts     int
	LastError    string
	CreatedAt    time.Time
	LastActivity time.Time
}

// NewInstance creates an instance in the first declared phase.
func NewInstance(fingerprint, sessionID string, phases []PhaseSpec, now time.Time) *Instance {
	first := PhaseCompleted
	if len(phases) > 0 {
		first = phases[0].ID
	}
	return &Instance{
		ID:           uuid.NewString(),
		Fingerprint:  fingerprint,
		SessionID:    sessionID,
		Phase:        first,
		Fields:       make(map[string]string),
		CreatedAt:    now,
		LastActivity: now,
	}
}

// MergeFields folds newly supplied fields into the collected record.
func (i *Instance) MergeFields(fields map[string]string) {
	if i.Fields == nil {
		i.Fields = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		i.Fields[k] = v
	}
}

// Missing returns the mandatory field names absent from the collected
// record, sorted for stable reporting.
func (i *Instance) Missing(mandatory []string) []string {
	var out []string
	for _, name := range mandatory {
		if _, ok := i.Fields[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Touch updates the last-activity timestamp used by idle garbage collection.
func (i *Instance) Touch(now time.Time) {
	i.LastActivity = now
}

// Terminal reports whether the instance reached Completed or Failed.
func (i *Instance) Terminal() bool {
	return i.Phase == PhaseCompleted || i.Phase == PhaseFailed
}

// Clone deep-copies the instance so stores can hand out copies without
// aliasing the caller's maps.
func (i *Instance) Clone() *Instance {
	out := *i
	out.Fields = make(map[string]string, len(i.Fields))
	for k, v := range i.Fields {
		out.Fields[k] = v
	}
	if i.Result != nil {
		out.Result = make(map[string]string, len(i.Result))
		for k, v := range i.Result {
			out.Result[k] = v
		}
	}
	return &out
}
