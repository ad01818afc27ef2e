package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"identity-reconciliation/internal/logger"
	"identity-reconciliation/internal/models"
	"identity-reconciliation/internal/service"
)

// maxPhoneLength matches the phone_number column width.
const maxPhoneLength = 15

// Identifier is the slice of the reconciliation service the handler needs.
type Identifier interface {
	Identify(ctx context.Context, email, phoneNumber *string) (*models.ConsolidatedIdentity, error)
}

// IdentifyHandler handles the /identify endpoint
type IdentifyHandler struct {
	service Identifier
	log     *logger.Logger
	timeout time.Duration
}

// NewIdentifyHandler creates a new identify handler
func NewIdentifyHandler(svc Identifier, log *logger.Logger, timeout time.Duration) *IdentifyHandler {
	return &IdentifyHandler{
		service: svc,
		log:     log.With("handler", "identify"),
		timeout: timeout,
	}
}

// Handle processes the identify request
func (h *IdentifyHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req models.IdentifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("decode identify request", "error", err)
		writeError(w, h.log, http.StatusBadRequest, "Invalid JSON")
		return
	}

	email, phone := req.Email.Value, req.PhoneNumber.Value

	// Validate request - at least one of email or phoneNumber must be provided
	if models.Deref(email) == "" && models.Deref(phone) == "" {
		writeError(w, h.log, http.StatusBadRequest, service.ErrInvalidInput.Error())
		return
	}
	if len(models.Deref(phone)) > maxPhoneLength {
		writeError(w, h.log, http.StatusBadRequest, "phoneNumber must be at most 15 characters")
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	identity, err := h.service.Identify(ctx, email, phone)
	if err != nil {
		h.log.Error("processing identify request", "error", err)
		writeServiceError(w, h.log, err)
		return
	}

	writeJSON(w, h.log, http.StatusOK, models.IdentifyResponse{Contact: *identity})
}

// writeServiceError maps resolver errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, log, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrContactNotFound):
		writeError(w, log, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrStoreUnavailable):
		writeError(w, log, http.StatusServiceUnavailable, "Contact store unavailable")
	default:
		writeError(w, log, http.StatusInternalServerError, "Internal server error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, log *logger.Logger, status int, msg string) {
	writeJSON(w, log, status, errorResponse{Error: msg})
}

// writeJSON sends body with the given status. Encoding failures happen after
// the header is out, so they are only logged.
func writeJSON(w http.ResponseWriter, log *logger.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("encoding response", "status", status, "error", err)
	}
}
