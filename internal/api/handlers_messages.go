package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tanvir/chatbridge/internal/dispatch"
	"github.com/tanvir/chatbridge/internal/models"
	"github.com/tanvir/chatbridge/internal/storage"
)

type MessageHandler struct {
	store      storage.Storage
	dispatcher *dispatch.Dispatcher
}

func NewMessageHandler(store storage.Storage, dispatcher *dispatch.Dispatcher) *MessageHandler {
	return &MessageHandler{store: store, dispatcher: dispatcher}
}

type sendMessageRequest struct {
	RecipientID    string `json:"recipient_id"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key"`
}

const maxBodySize = 64 * 1024 // 64KB

// Send accepts a CRM send request. The response is always prompt: the
// message id plus whatever status the message has reached so far. Retries
// on transient platform failures continue in the background.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	msg, err := h.dispatcher.Send(r.Context(), account.ID, req.RecipientID, req.Text, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, msg)
}

func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	msg, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get message")
		return
	}
	if msg == nil || msg.AccountID != account.ID {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	msgs, err := h.store.ListMessages(r.Context(), account.ID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// History returns the append-only status trail of one message.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	msg, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get message")
		return
	}
	if msg == nil || msg.AccountID != account.ID {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}

	history, err := h.store.MessageHistory(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get history")
		return
	}
	if history == nil {
		history = []models.StatusTransition{}
	}
	writeJSON(w, http.StatusOK, history)
}
