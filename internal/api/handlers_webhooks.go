package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/tanvir/chatbridge/internal/dispatch"
	"github.com/tanvir/chatbridge/internal/platform"
	"github.com/tanvir/chatbridge/internal/relay"
	"github.com/tanvir/chatbridge/internal/signing"
)

// WebhookHandler receives callbacks from the messaging platform: new
// inbound messages and delivery/read receipts for outbound ones.
type WebhookHandler struct {
	appSecret  string
	relay      *relay.Relay
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger
}

func NewWebhookHandler(appSecret string, rl *relay.Relay, dispatcher *dispatch.Dispatcher, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		appSecret:  appSecret,
		relay:      rl,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "platform-webhook").Logger(),
	}
}

// Receive verifies the platform's signature over the raw body, then routes
// the event. A 2xx acknowledges the event; any error response makes the
// platform redeliver, so persistence failures must not return 2xx.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if !signing.Verify(h.appSecret, body, r.Header.Get(signing.Header)) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var ev platform.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event body")
		return
	}
	if ev.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	switch ev.Event {
	case platform.EventReceived:
		err = h.relay.Forward(r.Context(), ev)
	case platform.EventDelivered, platform.EventRead:
		err = h.dispatcher.HandleStatusCallback(r.Context(), ev)
	default:
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	if err != nil {
		h.log.Error().Err(err).Str("event", ev.Event).Str("account_id", ev.AccountID).Msg("failed to process platform event")
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
