// Package dispatch turns CRM send requests into platform API calls. It
// enforces at-most-once sends per idempotency key, retries transient
// platform failures with a small local backoff, and reports every status
// change through the status notifier.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanvir/chatbridge/internal/config"
	"github.com/tanvir/chatbridge/internal/models"
	"github.com/tanvir/chatbridge/internal/platform"
	"github.com/tanvir/chatbridge/internal/storage"
)

// StatusNotifier receives every outward-visible message status change.
// Implementations must not do blocking network work in the caller's path.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, account *models.Account, msg *models.Message)
}

type Dispatcher struct {
	store       storage.Storage
	client      platform.Client
	notifier    StatusNotifier
	maxAttempts int
	backoff     []time.Duration
	log         zerolog.Logger
	stop        chan struct{}
	wg          sync.WaitGroup
}

func New(cfg config.DispatchConfig, store storage.Storage, client platform.Client, notifier StatusNotifier, log zerolog.Logger) *Dispatcher {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	}
	return &Dispatcher{
		store:       store,
		client:      client,
		notifier:    notifier,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		log:         log.With().Str("component", "dispatcher").Logger(),
		stop:        make(chan struct{}),
	}
}

// Recover settles messages stranded in `sending` by a previous unclean
// shutdown. Call once on startup, before accepting sends.
func (d *Dispatcher) Recover(ctx context.Context) {
	if n, err := d.store.ResetStuckMessages(ctx); err != nil {
		d.log.Error().Err(err).Msg("failed to reset stuck messages")
	} else if n > 0 {
		d.log.Warn().Int64("count", n).Msg("failed messages stuck in sending")
	}
}

// Close stops background retry loops and waits for them to drain.
func (d *Dispatcher) Close() {
	close(d.stop)
	d.wg.Wait()
}

// Wait blocks until all in-flight background retries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Send is the CRM-facing send operation. A duplicate idempotency key
// returns the already-reserved message without touching the platform. The
// first platform attempt happens synchronously; transient-failure retries
// continue in the background, so the caller always gets a message id and a
// provisional status promptly.
func (d *Dispatcher) Send(ctx context.Context, accountID, recipientID, text, idempotencyKey string) (*models.Message, error) {
	if recipientID == "" {
		return nil, models.Validationf("recipient_id is required")
	}
	if text == "" {
		return nil, models.Validationf("text is required")
	}
	if idempotencyKey == "" {
		return nil, models.Validationf("idempotency_key is required")
	}

	account, err := d.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, &models.NotFoundError{Kind: "account", ID: accountID}
	}
	if !account.Active() {
		return nil, models.Validationf("account %s is inactive", accountID)
	}

	now := time.Now().UTC()
	draft := &models.Message{
		ID:             models.NewID("msg"),
		AccountID:      account.ID,
		Direction:      models.DirectionOutbound,
		RecipientID:    recipientID,
		Text:           text,
		IdempotencyKey: idempotencyKey,
		Status:         models.MessageQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	msg, isNew, err := d.store.ReserveMessage(ctx, draft)
	if err != nil {
		return nil, err
	}
	if !isNew {
		d.log.Debug().
			Str("message_id", msg.ID).
			Str("idempotency_key", idempotencyKey).
			Msg("duplicate idempotency key, returning existing message")
		return msg, nil
	}

	if err := d.store.TransitionMessage(ctx, msg, models.MessageSending, ""); err != nil {
		return nil, err
	}

	if done := d.attempt(ctx, account, msg); !done {
		// The caller keeps msg and may encode it concurrently; the retry
		// loop mutates its own copy.
		bg := *msg
		d.wg.Add(1)
		go d.retryLoop(account, &bg)
	}
	return msg, nil
}

// retryLoop runs the remaining attempts off the request path. It uses a
// background context: the originating HTTP request is long gone.
func (d *Dispatcher) retryLoop(account *models.Account, msg *models.Message) {
	defer d.wg.Done()
	for {
		idx := msg.RetryCount - 1
		if idx >= len(d.backoff) {
			idx = len(d.backoff) - 1
		}
		if !d.sleep(d.backoff[idx]) {
			return
		}
		if d.attempt(context.Background(), account, msg) {
			return
		}
	}
}

func (d *Dispatcher) sleep(dur time.Duration) bool {
	select {
	case <-time.After(dur):
		return true
	case <-d.stop:
		return false
	}
}

// attempt performs exactly one platform send and classifies the outcome.
// It returns true when msg reached a settled state (sent or failed) and
// false when another retry is due.
func (d *Dispatcher) attempt(ctx context.Context, account *models.Account, msg *models.Message) bool {
	resp, err := d.client.Send(ctx, msg.RecipientID, msg.Text)
	now := time.Now().UTC()

	if err == nil {
		msg.PlatformMessageID = resp.PlatformMessageID
		msg.SentAt = &now
		d.transition(ctx, account, msg, models.MessageSent, "")
		d.log.Info().
			Str("message_id", msg.ID).
			Str("platform_message_id", resp.PlatformMessageID).
			Msg("message sent")
		return true
	}

	se, ok := platform.AsSendError(err)
	if !ok {
		se = &platform.SendError{Code: "internal", Message: err.Error(), Retryable: true}
	}

	if !se.Retryable {
		msg.Error = &models.MessageError{Code: se.Code, Message: se.Message, Retryable: false}
		d.transition(ctx, account, msg, models.MessageFailed, se.Code)
		d.log.Warn().
			Str("message_id", msg.ID).
			Str("code", se.Code).
			Msg("message failed permanently")
		return true
	}

	msg.RetryCount++
	if msg.RetryCount >= d.maxAttempts {
		msg.Error = &models.MessageError{Code: se.Code, Message: se.Message, Retryable: true}
		d.transition(ctx, account, msg, models.MessageFailed, "retries exhausted")
		d.log.Warn().
			Str("message_id", msg.ID).
			Int("attempts", msg.RetryCount).
			Str("code", se.Code).
			Msg("message failed after retries")
		return true
	}

	d.log.Info().
		Str("message_id", msg.ID).
		Int("attempt", msg.RetryCount).
		Str("code", se.Code).
		Msg("transient send failure, will retry")
	return false
}

func (d *Dispatcher) transition(ctx context.Context, account *models.Account, msg *models.Message, to models.MessageStatus, note string) {
	if err := d.store.TransitionMessage(ctx, msg, to, note); err != nil {
		d.log.Error().Err(err).Str("message_id", msg.ID).Str("to", string(to)).Msg("failed to transition message")
		return
	}
	d.notifier.NotifyStatus(ctx, account, msg)
}

// HandleStatusCallback applies a platform delivery/read receipt to the
// owning outbound message. Receipts are idempotent and never move a
// message backwards; unknown or early receipts are dropped.
func (d *Dispatcher) HandleStatusCallback(ctx context.Context, ev platform.Event) error {
	account, err := d.store.GetAccount(ctx, ev.AccountID)
	if err != nil {
		return err
	}
	if account == nil {
		return &models.NotFoundError{Kind: "account", ID: ev.AccountID}
	}

	msg, err := d.store.GetMessageByPlatformID(ctx, account.ID, ev.PlatformMessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return &models.NotFoundError{Kind: "message", ID: ev.PlatformMessageID}
	}
	if msg.Status.Terminal() {
		// Late receipt for a settled message; drop it.
		return nil
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	switch ev.Event {
	case platform.EventDelivered:
		if msg.Status != models.MessageSent {
			return nil
		}
		msg.DeliveredAt = &ts
		d.transition(ctx, account, msg, models.MessageDelivered, "")
	case platform.EventRead:
		if msg.Status != models.MessageSent && msg.Status != models.MessageDelivered {
			return nil
		}
		if msg.DeliveredAt == nil {
			msg.DeliveredAt = &ts
		}
		msg.ReadAt = &ts
		d.transition(ctx, account, msg, models.MessageRead, "")
	default:
		return models.Validationf("unknown status event %q", ev.Event)
	}
	return nil
}
