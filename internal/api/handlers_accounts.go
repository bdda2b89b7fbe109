package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tanvir/chatbridge/internal/models"
	"github.com/tanvir/chatbridge/internal/storage"
)

type AccountHandler struct {
	store storage.Storage
}

func NewAccountHandler(store storage.Storage) *AccountHandler {
	return &AccountHandler{store: store}
}

type createAccountRequest struct {
	Name       string `json:"name"`
	WebhookURL string `json:"webhook_url"`
}

func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.WebhookURL == "" {
		writeError(w, http.StatusBadRequest, "webhook_url is required")
		return
	}

	now := time.Now().UTC()
	account := &models.Account{
		ID:            models.NewID("acct"),
		Name:          req.Name,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: models.NewSecret(),
		APIToken:      models.NewAPIToken(),
		Status:        models.AccountActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.store.CreateAccount(r.Context(), account); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	// The secret and token are shown once, on creation.
	writeJSON(w, http.StatusCreated, account)
}

func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	if accounts == nil {
		accounts = []models.Account{}
	}
	for i := range accounts {
		accounts[i].WebhookSecret = ""
		accounts[i].APIToken = ""
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	account, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get account")
		return
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	account.WebhookSecret = ""
	account.APIToken = ""
	writeJSON(w, http.StatusOK, account)
}

type setStatusRequest struct {
	Status models.AccountStatus `json:"status"`
}

// SetStatus activates or deactivates an account. Deactivation stops webhook
// retries for the account at the engine's next attempt.
func (h *AccountHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != models.AccountActive && req.Status != models.AccountInactive {
		writeError(w, http.StatusBadRequest, "status must be active or inactive")
		return
	}

	account, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get account")
		return
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	if err := h.store.SetAccountStatus(r.Context(), id, req.Status); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(req.Status)})
}
