// Package relay forwards received platform events to the CRM: it persists
// the inbound message first, then tries one immediate signed delivery and
// hands anything that did not get through to the retry engine.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanvir/chatbridge/internal/models"
	"github.com/tanvir/chatbridge/internal/platform"
	"github.com/tanvir/chatbridge/internal/retry"
	"github.com/tanvir/chatbridge/internal/storage"
)

// Sender sends an outbound message; satisfied by the dispatcher. Used for
// auto-replies only.
type Sender interface {
	Send(ctx context.Context, accountID, recipientID, text, idempotencyKey string) (*models.Message, error)
}

type Relay struct {
	store          storage.Storage
	engine         *retry.Engine
	attemptTimeout time.Duration
	responder      Responder
	sender         Sender
	log            zerolog.Logger
}

func New(store storage.Storage, engine *retry.Engine, attemptTimeout time.Duration, log zerolog.Logger) *Relay {
	if attemptTimeout <= 0 {
		attemptTimeout = 2 * time.Second
	}
	return &Relay{
		store:          store,
		engine:         engine,
		attemptTimeout: attemptTimeout,
		log:            log.With().Str("component", "relay").Logger(),
	}
}

// WithResponder wires an optional auto-reply strategy. Replies go back out
// through sender like any other CRM send.
func (r *Relay) WithResponder(responder Responder, sender Sender) *Relay {
	r.responder = responder
	r.sender = sender
	return r
}

// Forward handles one received platform event. The inbound message must be
// persisted before any relay attempt; if that fails the error propagates so
// the event is not acknowledged upstream. Everything after persistence is
// best-effort here because the retry engine owns the delivery from then on.
func (r *Relay) Forward(ctx context.Context, ev platform.Event) error {
	account, err := r.store.GetAccount(ctx, ev.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return &models.NotFoundError{Kind: "account", ID: ev.AccountID}
	}

	now := time.Now().UTC()
	msg := &models.Message{
		ID:                models.NewID("msg"),
		AccountID:         account.ID,
		Direction:         models.DirectionInbound,
		SenderID:          ev.SenderID,
		Text:              ev.Text,
		MessageType:       ev.MessageType,
		ConversationID:    ev.ConversationID,
		PlatformMessageID: ev.PlatformMessageID,
		Status:            models.MessageReceived,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist inbound message: %w", err)
	}

	payload, err := json.Marshal(newReceivedPayload(msg))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	d := &models.WebhookDelivery{
		ID:        models.NewID("dlv"),
		AccountID: account.ID,
		EventType: models.EventMessageReceived,
		Payload:   payload,
		TargetURL: account.WebhookURL,
		Status:    models.DeliveryPending,
		ExpiresAt: now.Add(r.engine.Window()),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateDelivery(ctx, d); err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}

	// One immediate synchronous try with a short deadline; a failure here
	// just leaves the record scheduled for the engine.
	if account.Active() {
		actx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		r.engine.Attempt(actx, account, d)
		cancel()
	}

	r.autoReply(ctx, msg)
	return nil
}

func (r *Relay) autoReply(ctx context.Context, inbound *models.Message) {
	if r.responder == nil || r.sender == nil {
		return
	}
	reply, ok := r.responder.Reply(inbound)
	if !ok {
		return
	}

	// Keyed on the inbound message id: re-delivered platform events cannot
	// trigger a second reply.
	if _, err := r.sender.Send(ctx, inbound.AccountID, inbound.SenderID, reply, "auto_"+inbound.ID); err != nil {
		r.log.Error().Err(err).Str("message_id", inbound.ID).Msg("auto-reply send failed")
	}
}
