package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"identity-reconciliation/internal/logger"
	"identity-reconciliation/internal/metrics"
	"identity-reconciliation/internal/models"
	"identity-reconciliation/internal/service"
	"identity-reconciliation/internal/store"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	svc := service.NewReconciliationService(store.NewInMemory(), logger.NewNop(),
		service.WithMetrics(metrics.New(reg)),
	)
	return NewRouter(RouterConfig{
		Service:  svc,
		Log:      logger.NewNop(),
		Gatherer: reg,
	})
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeIdentify(t *testing.T, rec *httptest.ResponseRecorder) models.ConsolidatedIdentity {
	t.Helper()
	var resp models.IdentifyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Contact
}

func TestIdentifyFlow(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/identify", `{"email":"lorraine@hillvalley.edu","phoneNumber":"123456"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	first := decodeIdentify(t, rec)
	assert.Equal(t, []string{"lorraine@hillvalley.edu"}, first.Emails)
	assert.Equal(t, []string{"123456"}, first.PhoneNumbers)
	assert.Empty(t, first.SecondaryContactIDs)

	// Numeric phone numbers are accepted as-is.
	rec = doRequest(t, router, http.MethodPost, "/identify", `{"email":"mcfly@hillvalley.edu","phoneNumber":123456}`)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeIdentify(t, rec)
	assert.Equal(t, first.PrimaryContactID, second.PrimaryContactID)
	assert.Equal(t, []string{"lorraine@hillvalley.edu", "mcfly@hillvalley.edu"}, second.Emails)
	assert.Len(t, second.SecondaryContactIDs, 1)

	rec = doRequest(t, router, http.MethodPost, "/identify", `{"email":null,"phoneNumber":"123456"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, second, decodeIdentify(t, rec))
}

func TestIdentifyResponseFieldNames(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/identify", `{"email":"a@x.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&raw))
	contact := raw["contact"]
	for _, key := range []string{"primaryContactId", "emails", "phoneNumbers", "secondaryContactIds"} {
		assert.Contains(t, contact, key)
	}
	assert.JSONEq(t, `[]`, string(contact["phoneNumbers"]))
	assert.JSONEq(t, `[]`, string(contact["secondaryContactIds"]))
}

func TestIdentifyRejectsBadInput(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"email":`},
		{"no attributes", `{}`},
		{"empty attributes", `{"email":"","phoneNumber":null}`},
		{"phone too long", `{"phoneNumber":"1234567890123456"}`},
		{"phone wrong type", `{"phoneNumber":true}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/identify", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var body errorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestIdentifyMethodNotAllowed(t *testing.T) {
	router := newTestRouter(t)
	rec := doRequest(t, router, http.MethodGet, "/identify", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type stubService struct {
	err error
}

func (s stubService) Identify(context.Context, *string, *string) (*models.ConsolidatedIdentity, error) {
	return nil, s.err
}

func (s stubService) ListContacts(context.Context) ([]models.Contact, error) {
	return nil, s.err
}

func (s stubService) GetContact(context.Context, int64) (models.Contact, error) {
	return models.Contact{}, s.err
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"store unavailable", &service.StoreError{Op: "find contacts by email", Err: errors.New("connection refused")}, http.StatusServiceUnavailable},
		{"broken link", service.ErrBrokenLink, http.StatusInternalServerError},
		{"invalid input", service.ErrInvalidInput, http.StatusBadRequest},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := NewRouter(RouterConfig{Service: stubService{err: tc.err}, Log: logger.NewNop()})
			rec := doRequest(t, router, http.MethodPost, "/identify", `{"email":"a@x.com"}`)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestContactsEndpoints(t *testing.T) {
	router := newTestRouter(t)
	rec := doRequest(t, router, http.MethodPost, "/identify", `{"email":"a@x.com","phoneNumber":"111"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeIdentify(t, rec).PrimaryContactID

	t.Run("list", func(t *testing.T) {
		rec := doRequest(t, router, http.MethodGet, "/contacts", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Contacts []models.Contact `json:"contacts"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Len(t, body.Contacts, 1)
		assert.Equal(t, id, body.Contacts[0].ID)
	})

	t.Run("get", func(t *testing.T) {
		rec := doRequest(t, router, http.MethodGet, "/contacts/1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var c models.Contact
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&c))
		assert.Equal(t, models.LinkPrimary, c.LinkPrecedence)
		assert.Equal(t, "a@x.com", models.Deref(c.Email))
	})

	t.Run("get missing", func(t *testing.T) {
		rec := doRequest(t, router, http.MethodGet, "/contacts/99", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	doRequest(t, router, http.MethodPost, "/identify", `{"email":"a@x.com"}`)
	rec = doRequest(t, router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `identify_requests_total{outcome="created_primary"} 1`)

	down := NewRouter(RouterConfig{
		Service: stubService{},
		Log:     logger.NewNop(),
		Health:  pingerFunc(func(context.Context) error { return errors.New("db down") }),
	})
	rec = doRequest(t, down, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWriteJSONLogsEncodeFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}

	rec := httptest.NewRecorder()
	writeJSON(rec, log, http.StatusOK, map[string]any{"contacts": make(chan int)})

	assert.Equal(t, http.StatusOK, rec.Code)
	entries := logs.FilterMessage("encoding response").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "unsupported type")
}
