package waitlist

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dafyddcrosby/sdc-cnapi/pkg/ticket"
)

func newTestHandler(now time.Time) (*Handler, *Manager) {
	store := newFakeStore()
	manager := NewManager(store, fixedClock(now), nil)
	registry := NewRegistry(manager)
	return NewHandler(testLogger(), manager, registry), manager
}

func TestHandleCreateValidation(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h, _ := newTestHandler(now)
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "missing scope",
			body:       `{"id":"A","expires_at":"2026-01-01T00:01:00Z"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid JSON",
			body:       `{bad}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "valid",
			body:       `{"scope":"vm","id":"A","expires_at":"2026-01-01T00:01:00Z"}`,
			wantStatus: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/servers/srv-1/tickets", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestHandleDeleteAllRequiresForce(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h, _ := newTestHandler(now)
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	r := httptest.NewRequest(http.MethodDelete, "/servers/srv-1/tickets", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d, want 412", w.Code)
	}

	r = httptest.NewRequest(http.MethodDelete, "/servers/srv-1/tickets?force=true", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
}

func TestHandleGetNotFound(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h, _ := newTestHandler(now)
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	r := httptest.NewRequest(http.MethodGet, "/tickets/00000000-0000-0000-0000-000000000001", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleCreateThenGet(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h, _ := newTestHandler(now)
	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	body := `{"scope":"vm","id":"A","expires_at":"2026-01-01T00:01:00Z","action":"reboot"}`
	r := httptest.NewRequest(http.MethodPost, "/servers/srv-1/tickets", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}

	var created createTicketResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding create response: %v", err)
	}

	r = httptest.NewRequest(http.MethodGet, "/tickets/"+created.UUID.String(), nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", w.Code, w.Body.String())
	}

	var got ticket.Ticket
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding get response: %v", err)
	}
	if got.Scope != "vm" || got.ID != "A" || got.Action != "reboot" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}
