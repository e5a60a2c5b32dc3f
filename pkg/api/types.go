// Package api defines the wire types exchanged between FormBridge and its
// clients. The types are plain JSON structs so that clients in any language
// can drive the service without a generated SDK.
package api

// Credentials identify the portal account a session is opened for.
// The service never stores the raw secret; it derives a one-way owner
// fingerprint from the pair and keys session reuse on that.
type Credentials struct {
	// Username is the portal login name.
	Username string `json:"username"`
	// Secret is the portal password or token. Only ever hashed.
	Secret string `json:"secret"`
}

// SubmitRequest starts or resumes a portal workflow.
//
// Exactly one of Credentials or SessionID must be set: credentials resolve
// (or create) a pooled session for the owner, an explicit session id reuses
// one returned by a previous response. WorkflowID, when set, resumes a
// suspended workflow with the newly supplied Fields.
type SubmitRequest struct {
	Credentials *Credentials      `json:"credentials,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	WorkflowID  string            `json:"workflow_id,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	// KeepAlive controls background health refresh for the session.
	// Defaults to true when omitted.
	KeepAlive *bool `json:"keep_alive,omitempty"`
}

// Response is the uniform reply for every workflow call.
//
// Exactly one of three shapes is populated:
//   - completed: Success=true, Result set, WorkflowID cleared
//   - needs input: Success=false, MissingFields and WorkflowID set
//   - error: Success=false, Error set
//
// SessionID is always set when a session was resolved, so callers can pin
// follow-up requests to the same browser.
type Response struct {
	Success       bool              `json:"success"`
	SessionID     string            `json:"session_id,omitempty"`
	WorkflowID    string            `json:"workflow_id,omitempty"`
	Phase         string            `json:"phase,omitempty"`
	MissingFields []string          `json:"missing_fields,omitempty"`
	Result        map[string]string `json:"result,omitempty"`
	Error         *ErrorInfo        `json:"error,omitempty"`
}

// Error kinds surfaced in ErrorInfo.Kind. Stable strings, part of the API.
const (
	ErrorKindCapacity         = "capacity"
	ErrorKindSessionBusy      = "session_busy"
	ErrorKindSessionNotFound  = "session_not_found"
	ErrorKindCreationFailed   = "creation_failed"
	ErrorKindWorkflowNotFound = "workflow_not_found"
	ErrorKindPhaseFailed      = "phase_failed"
	ErrorKindPhaseFatal       = "phase_fatal"
	ErrorKindBadRequest       = "bad_request"
	ErrorKindInternal         = "internal"
)

// ErrorInfo carries a classified, actionable error description.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Phase is the workflow phase the error occurred in, when applicable.
	Phase string `json:"phase,omitempty"`
}

// SessionInfo describes one pooled session, returned by the sessions listing.
type SessionInfo struct {
	ID              string `json:"id"`
	CreatedAt       string `json:"created_at"`
	LastUsed        string `json:"last_used"`
	LastHealthCheck string `json:"last_health_check"`
	InUse           bool   `json:"in_use"`
	KeepAlive       bool   `json:"keep_alive"`
}
