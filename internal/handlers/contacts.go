package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"identity-reconciliation/internal/logger"
	"identity-reconciliation/internal/models"
)

// ContactReader exposes stored contacts for inspection.
type ContactReader interface {
	ListContacts(ctx context.Context) ([]models.Contact, error)
	GetContact(ctx context.Context, id int64) (models.Contact, error)
}

// ContactsHandler serves read-only views of the stored contacts.
type ContactsHandler struct {
	service ContactReader
	log     *logger.Logger
}

// NewContactsHandler creates a new contacts handler
func NewContactsHandler(svc ContactReader, log *logger.Logger) *ContactsHandler {
	return &ContactsHandler{service: svc, log: log.With("handler", "contacts")}
}

// List returns every live contact ordered by id.
func (h *ContactsHandler) List(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.service.ListContacts(r.Context())
	if err != nil {
		h.log.Error("listing contacts", "error", err)
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]any{"contacts": contacts})
}

// Get returns a single contact by id.
func (h *ContactsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, h.log, http.StatusBadRequest, "invalid contact id")
		return
	}
	contact, err := h.service.GetContact(r.Context(), id)
	if err != nil {
		h.log.Debug("getting contact", "id", id, "error", err)
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, contact)
}
