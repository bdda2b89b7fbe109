package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tanvir/chatbridge/internal/models"
	"github.com/tanvir/chatbridge/internal/retry"
	"github.com/tanvir/chatbridge/internal/storage"
)

// DLQHandler is the administrative surface over dead-lettered deliveries.
type DLQHandler struct {
	store  storage.Storage
	engine *retry.Engine
}

func NewDLQHandler(store storage.Storage, engine *retry.Engine) *DLQHandler {
	return &DLQHandler{store: store, engine: engine}
}

func (h *DLQHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	account, err := h.store.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get account")
		return
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	deliveries, err := h.store.ListDLQ(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dlq")
		return
	}
	if deliveries == nil {
		deliveries = []models.WebhookDelivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (h *DLQHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := h.engine.Requeue(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeliveryHandler exposes read access to delivery records, their attempt
// audit rows, and their transition history.
type DeliveryHandler struct {
	store storage.Storage
}

func NewDeliveryHandler(store storage.Storage) *DeliveryHandler {
	return &DeliveryHandler{store: store}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	deliveries, err := h.store.ListDeliveries(r.Context(), account.ID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []models.WebhookDelivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	d, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if d == nil || d.AccountID != account.ID {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeliveryHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	d, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if d == nil || d.AccountID != account.ID {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}

	attempts, err := h.store.AttemptsByDelivery(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get attempts")
		return
	}
	if attempts == nil {
		attempts = []models.DeliveryAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *DeliveryHandler) History(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	d, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if d == nil || d.AccountID != account.ID {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}

	history, err := h.store.DeliveryHistory(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get history")
		return
	}
	if history == nil {
		history = []models.StatusTransition{}
	}
	writeJSON(w, http.StatusOK, history)
}
