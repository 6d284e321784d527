package waitlist

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dafyddcrosby/sdc-cnapi/internal/httpserver"
	"github.com/dafyddcrosby/sdc-cnapi/internal/telemetry"
	"github.com/dafyddcrosby/sdc-cnapi/pkg/ticket"
)

// Handler provides the HTTP contract (spec.md §4.5, §6): thin adapters over
// the queue manager and waiter registry. No waitlist logic lives here.
type Handler struct {
	logger  *slog.Logger
	manager *Manager
	waiters *Registry
}

// NewHandler creates a waitlist Handler.
func NewHandler(logger *slog.Logger, manager *Manager, waiters *Registry) *Handler {
	return &Handler{logger: logger, manager: manager, waiters: waiters}
}

// Routes returns a chi.Router with all waitlist routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/servers/{server}/tickets", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Delete("/", h.handleDeleteAll)
	})
	r.Route("/tickets/{uuid}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Delete("/", h.handleDelete)
		r.Get("/wait", h.handleWait)
		r.Put("/release", h.handleRelease)
	})
	return r
}

type createTicketRequest struct {
	Scope     string         `json:"scope" validate:"required"`
	ID        string         `json:"id" validate:"required"`
	ExpiresAt string         `json:"expires_at" validate:"required"`
	Action    string         `json:"action"`
	Extra     map[string]any `json:"extra"`
}

type createTicketResponse struct {
	UUID  uuid.UUID   `json:"uuid"`
	Queue []uuid.UUID `json:"queue"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	serverUUID := chi.URLParam(r, "server")

	var req createTicketRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.manager.Create(r.Context(), ticket.CreateParams{
		ServerUUID: serverUUID,
		Scope:      req.Scope,
		ID:         req.ID,
		ExpiresAt:  req.ExpiresAt,
		Action:     req.Action,
		Extra:      req.Extra,
	}, httpserver.RequestIDFromContext(r.Context()))
	if err != nil {
		h.respondErr(w, "Create", err)
		return
	}

	telemetry.TicketsCreatedTotal.WithLabelValues(req.Scope).Inc()

	httpserver.Respond(w, http.StatusAccepted, createTicketResponse{
		UUID:  result.UUID,
		Queue: result.Queue,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	serverUUID := chi.URLParam(r, "server")

	params, err := httpserver.ParseListParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid-argument", err.Error())
		return
	}

	tickets, err := h.manager.List(r.Context(), serverUUID, params.Limit, params.Offset, params.Attribute, params.Order)
	if err != nil {
		h.respondErr(w, "List", err)
		return
	}
	if tickets == nil {
		tickets = []ticket.Ticket{}
	}

	httpserver.Respond(w, http.StatusOK, tickets)
}

func (h *Handler) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	serverUUID := chi.URLParam(r, "server")
	force := r.URL.Query().Get("force") == "true"

	if !force {
		httpserver.RespondError(w, http.StatusPreconditionFailed, "precondition-failed", "force=true is required to delete all tickets for a server")
		return
	}

	if err := h.manager.DeleteAll(r.Context(), serverUUID, true); err != nil {
		h.respondErr(w, "DeleteAll", err)
		return
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid-argument", "invalid ticket uuid")
		return
	}

	t, err := h.manager.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, "Get", err)
		return
	}

	httpserver.Respond(w, http.StatusOK, t)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid-argument", "invalid ticket uuid")
		return
	}

	if err := h.manager.Delete(r.Context(), id); err != nil {
		h.respondErr(w, "Delete", err)
		return
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid-argument", "invalid ticket uuid")
		return
	}

	priorStatus, statusErr := h.manager.StatusOf(r.Context(), id)

	if err := h.manager.Release(r.Context(), id); err != nil {
		h.respondErr(w, "Release", err)
		return
	}

	if statusErr == nil {
		telemetry.TicketsReleasedTotal.WithLabelValues(string(priorStatus)).Inc()
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

// handleWait blocks until the ticket's status resolves to active, expired,
// or finished (spec.md §4.4, §6, §7: "expirations during a wait resolve the
// wait with status expired — success, 204"). The caller infers the precise
// outcome via a subsequent GET.
func (h *Handler) handleWait(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid-argument", "invalid ticket uuid")
		return
	}

	// This route can legitimately block for longer than the server's fixed
	// WriteTimeout (a ticket may sit active well past it before release or
	// expiry), so its own write deadline is lifted; the client's own context
	// (or its disconnect) is what actually bounds the wait.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Warn("wait: could not clear write deadline", "error", err)
	}

	handle, err := h.waiters.Register(r.Context(), id)
	if err != nil {
		h.respondErr(w, "Wait", err)
		return
	}

	status, err := handle.Wait(r.Context())
	if err != nil {
		h.waiters.Cancel(id, handle)
		// Client disconnected or request context expired; nothing to report.
		return
	}

	h.logger.Debug("wait resolved", "ticket", id, "status", status)
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// respondErr maps a core *Error to the corresponding HTTP status
// (spec.md §7).
func (h *Handler) respondErr(w http.ResponseWriter, op string, err error) {
	var coreErr *Error
	kind := KindOf(err)

	if errors.As(err, &coreErr) && coreErr.Err != nil {
		h.logger.Error("waitlist operation failed", "op", op, "kind", kind, "error", coreErr.Err)
	}

	switch kind {
	case KindInvalidArgument:
		httpserver.RespondError(w, http.StatusBadRequest, string(kind), err.Error())
	case KindNotFound:
		httpserver.RespondError(w, http.StatusNotFound, string(kind), "ticket not found")
	case KindConflict:
		httpserver.RespondError(w, http.StatusConflict, string(kind), err.Error())
	case KindPreconditionFail:
		httpserver.RespondError(w, http.StatusPreconditionFailed, string(kind), err.Error())
	case KindStoreUnavailable:
		httpserver.RespondError(w, http.StatusServiceUnavailable, string(kind), "store unavailable")
	default:
		httpserver.RespondError(w, http.StatusInternalServerError, string(kind), "internal error")
	}
}
