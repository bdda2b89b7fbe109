package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanvir/chatbridge/internal/models"
	"github.com/tanvir/chatbridge/internal/storage"
)

// Emitter turns message status changes into pending webhook deliveries.
// It only writes to the local store; the retry engine performs the HTTP
// work on its next tick, so callers never block on CRM latency.
type Emitter struct {
	store  storage.Storage
	window time.Duration
	log    zerolog.Logger
}

func NewEmitter(store storage.Storage, window time.Duration, log zerolog.Logger) *Emitter {
	return &Emitter{
		store:  store,
		window: window,
		log:    log.With().Str("component", "emitter").Logger(),
	}
}

// NotifyStatus enqueues a delivery-status event for msg's current status.
// Statuses without an outward event are ignored. Failures are logged, not
// returned: a lost status event must never fail the transition it reports.
func (em *Emitter) NotifyStatus(ctx context.Context, account *models.Account, msg *models.Message) {
	eventType, ok := eventTypeFor(msg.Status)
	if !ok {
		return
	}

	now := time.Now().UTC()
	payload, err := json.Marshal(newStatusPayload(eventType, msg, now))
	if err != nil {
		em.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to marshal status payload")
		return
	}

	d := &models.WebhookDelivery{
		ID:        models.NewID("dlv"),
		AccountID: account.ID,
		EventType: eventType,
		Payload:   payload,
		TargetURL: account.WebhookURL,
		Status:    models.DeliveryPending,
		ExpiresAt: now.Add(em.window),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := em.store.CreateDelivery(ctx, d); err != nil {
		em.log.Error().Err(err).Str("message_id", msg.ID).Str("event", string(eventType)).Msg("failed to enqueue status event")
		return
	}

	em.log.Debug().
		Str("delivery_id", d.ID).
		Str("message_id", msg.ID).
		Str("event", string(eventType)).
		Msg("status event enqueued")
}
