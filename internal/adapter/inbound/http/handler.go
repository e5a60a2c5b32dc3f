package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/formbridge/formbridge/internal/service"
	"github.com/formbridge/formbridge/pkg/api"
)

// maxRequestBodySize bounds workflow submissions (1 MB).
const maxRequestBodySize = 1 << 20

// Handler serves the workflow and session endpoints.
type Handler struct {
	portal *service.PortalService
	logger *slog.Logger
}

// NewHandler creates the API handler over the façade.
func NewHandler(portal *service.PortalService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{portal: portal, logger: logger}
}

// handleSubmit starts or resumes a workflow.
// POST /v1/workflows
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusBadRequest
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, &api.Response{
			Success: false,
			Error:   &api.ErrorInfo{Kind: api.ErrorKindBadRequest, Message: "invalid request body"},
		})
		return
	}

	resp := h.portal.Submit(r.Context(), &req)
	writeJSON(w, statusFor(resp), resp)
}

// handleCloseSession destroys a session on the owner's request.
// DELETE /v1/sessions/{id}
func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, &api.Response{
			Success: false,
			Error:   &api.ErrorInfo{Kind: api.ErrorKindBadRequest, Message: "session id is required"},
		})
		return
	}
	if err := h.portal.CloseSession(r.Context(), id); err != nil {
		h.logger.Warn("session close failed", "session_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, &api.Response{
			Success:   false,
			SessionID: id,
			Error:     &api.ErrorInfo{Kind: api.ErrorKindInternal, Message: err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusOK, &api.Response{Success: true, SessionID: id})
}

// handleListSessions lists pool members.
// GET /v1/sessions
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.portal.Sessions())
}

// statusFor maps a façade response onto an HTTP status. A suspended
// workflow (needs more input) is a successful exchange, not an error.
func statusFor(resp *api.Response) int {
	if resp.Error == nil {
		return http.StatusOK
	}
	switch resp.Error.Kind {
	case api.ErrorKindBadRequest:
		return http.StatusBadRequest
	case api.ErrorKindCapacity, api.ErrorKindSessionBusy:
		return http.StatusTooManyRequests
	case api.ErrorKindSessionNotFound, api.ErrorKindWorkflowNotFound:
		return http.StatusNotFound
	case api.ErrorKindPhaseFailed, api.ErrorKindPhaseFatal, api.ErrorKindCreationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
