// Package retry owns WebhookDelivery records from pending until terminal:
// it polls for due deliveries, attempts them with a signed POST, backs off
// per the schedule, escalates to an extended retry window, and finally
// dead-letters what never got through.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanvir/chatbridge/internal/config"
	"github.com/tanvir/chatbridge/internal/models"
	"github.com/tanvir/chatbridge/internal/storage"
)

// Alerter is notified when a CRM endpoint rejects a signed delivery with
// 401/403. That is terminal and needs operator attention.
type Alerter interface {
	AuthFailure(account *models.Account, d *models.WebhookDelivery, statusCode int)
}

type LogAlerter struct {
	Log zerolog.Logger
}

func (a LogAlerter) AuthFailure(account *models.Account, d *models.WebhookDelivery, statusCode int) {
	a.Log.Error().
		Str("account_id", account.ID).
		Str("delivery_id", d.ID).
		Int("status_code", statusCode).
		Msg("webhook endpoint rejected signature, delivery halted")
}

type Engine struct {
	store            storage.Storage
	sender           *Sender
	schedule         []time.Duration
	extendedInterval time.Duration
	dlqWindow        time.Duration
	workers          int
	pollInterval     time.Duration
	alerter          Alerter
	log              zerolog.Logger
	stop             chan struct{}
	wg               sync.WaitGroup
	now              func() time.Time
}

func NewEngine(cfg config.RetryConfig, store storage.Storage, alerter Alerter, log zerolog.Logger) *Engine {
	schedule := cfg.Schedule
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	extended := cfg.ExtendedInterval
	if extended <= 0 {
		extended = DefaultExtendedInterval
	}
	window := cfg.DLQWindow
	if window <= 0 {
		window = DefaultDLQWindow
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 10
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return &Engine{
		store:            store,
		sender:           NewSender(cfg.Timeout),
		schedule:         schedule,
		extendedInterval: extended,
		dlqWindow:        window,
		workers:          workers,
		pollInterval:     pollInterval,
		alerter:          alerter,
		log:              log.With().Str("component", "retry-engine").Logger(),
		stop:             make(chan struct{}),
		now:              time.Now,
	}
}

// Window is the DLQ escalation window; producers use it to stamp
// expires_at on new deliveries.
func (e *Engine) Window() time.Duration {
	return e.dlqWindow
}

func (e *Engine) Start(ctx context.Context) {
	if n, err := e.store.ResetStuckDeliveries(ctx); err != nil {
		e.log.Error().Err(err).Msg("failed to reset stuck deliveries")
	} else if n > 0 {
		e.log.Warn().Int64("count", n).Msg("requeued deliveries stuck in delivering")
	}

	e.log.Info().Int("workers", e.workers).Dur("poll_interval", e.pollInterval).Msg("starting retry engine")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(ctx)
	}()
}

func (e *Engine) Stop() {
	e.log.Info().Msg("stopping retry engine")
	close(e.stop)
	e.wg.Wait()
	e.log.Info().Msg("retry engine stopped")
}

func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, e.workers)

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx, sem)
		}
	}
}

// tick fetches due deliveries and fans them out one goroutine per account,
// each account's batch processed in creation order. Accounts are
// independent; within an account order is preserved.
func (e *Engine) tick(ctx context.Context, sem chan struct{}) {
	due, err := e.store.DueDeliveries(ctx, e.workers*10)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to fetch due deliveries")
		return
	}

	for _, batch := range groupByAccount(due) {
		batch := batch
		sem <- struct{}{}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() { <-sem }()
			e.processBatch(ctx, batch)
		}()
	}
}

// groupByAccount splits rows (already ordered by account, created_at) into
// per-account batches, preserving order.
func groupByAccount(ds []models.WebhookDelivery) [][]models.WebhookDelivery {
	var batches [][]models.WebhookDelivery
	for _, d := range ds {
		if n := len(batches); n > 0 && batches[n-1][0].AccountID == d.AccountID {
			batches[n-1] = append(batches[n-1], d)
			continue
		}
		batches = append(batches, []models.WebhookDelivery{d})
	}
	return batches
}

func (e *Engine) processBatch(ctx context.Context, batch []models.WebhookDelivery) {
	account, err := e.store.GetAccount(ctx, batch[0].AccountID)
	if err != nil || account == nil {
		e.log.Error().Err(err).Str("account_id", batch[0].AccountID).Msg("failed to load account for delivery batch")
		return
	}

	for i := range batch {
		select {
		case <-e.stop:
			return
		default:
		}
		e.Attempt(ctx, account, &batch[i])
	}
}

// Attempt performs one delivery attempt and applies the resulting
// transition. It is also invoked synchronously by the inbound relay for the
// immediate first try; the caller bounds that via ctx.
func (e *Engine) Attempt(ctx context.Context, account *models.Account, d *models.WebhookDelivery) {
	if d.Status.Terminal() {
		return
	}

	// Account went inactive: stop retrying but keep the record; push the
	// next check out by one extended interval.
	if !account.Active() {
		next := e.now().UTC().Add(e.extendedInterval)
		d.NextRetryAt = &next
		if err := e.store.DeferDelivery(ctx, d); err != nil {
			e.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to defer delivery")
		}
		e.log.Info().Str("delivery_id", d.ID).Str("account_id", account.ID).Msg("deferring delivery for inactive account")
		return
	}

	if err := e.store.TransitionDelivery(ctx, d, models.DeliveryDelivering, ""); err != nil {
		if err == storage.ErrStaleStatus {
			// Someone else claimed it.
			return
		}
		e.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to claim delivery")
		return
	}

	result := e.sender.Send(ctx, d.TargetURL, account.WebhookSecret, d.ID, d.EventType, d.Payload)

	now := e.now().UTC()
	d.LastAttemptAt = &now

	attempt := &models.DeliveryAttempt{
		ID:            models.NewID("att"),
		DeliveryID:    d.ID,
		AttemptNumber: d.RetryCount + 1,
		StatusCode:    result.StatusCode,
		ResponseBody:  result.ResponseBody,
		LatencyMs:     result.LatencyMs,
		Error:         result.Error,
		CreatedAt:     now,
	}
	if err := e.store.CreateAttempt(ctx, attempt); err != nil {
		e.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to record attempt")
	}

	e.classify(ctx, account, d, result, now)
}

func (e *Engine) classify(ctx context.Context, account *models.Account, d *models.WebhookDelivery, result *SendResult, now time.Time) {
	switch {
	case result.Error == "" && IsSuccess(result.StatusCode):
		d.NextRetryAt = nil
		d.DeliveredAt = &now
		e.transition(ctx, d, models.DeliveryDelivered, "")
		e.log.Info().
			Str("delivery_id", d.ID).
			Int("status_code", result.StatusCode).
			Int64("latency_ms", result.LatencyMs).
			Msg("delivery succeeded")

	case result.Error == "" && IsAuthFailure(result.StatusCode):
		d.NextRetryAt = nil
		e.transition(ctx, d, models.DeliveryFailedAuth, fmt.Sprintf("endpoint returned %d", result.StatusCode))
		e.alerter.AuthFailure(account, d, result.StatusCode)

	default:
		d.RetryCount++
		if !now.Before(d.ExpiresAt) {
			d.NextRetryAt = nil
			e.transition(ctx, d, models.DeliveryDLQ, "retry window exhausted")
			e.log.Warn().
				Str("delivery_id", d.ID).
				Int("attempts", d.RetryCount).
				Msg("delivery dead-lettered")
			return
		}

		delay := NextDelay(d.RetryCount, e.schedule, e.extendedInterval)
		next := now.Add(delay)
		d.NextRetryAt = &next
		note := ""
		if d.RetryCount > len(e.schedule) {
			note = "extended retry window"
		}
		e.transition(ctx, d, models.DeliveryRetrying, note)
		e.log.Info().
			Str("delivery_id", d.ID).
			Int("attempt", d.RetryCount).
			Time("next_retry", next).
			Str("error", result.Error).
			Int("status_code", result.StatusCode).
			Msg("delivery scheduled for retry")
	}
}

func (e *Engine) transition(ctx context.Context, d *models.WebhookDelivery, to models.DeliveryStatus, note string) {
	if err := e.store.TransitionDelivery(ctx, d, to, note); err != nil {
		e.log.Error().Err(err).Str("delivery_id", d.ID).Str("to", string(to)).Msg("failed to transition delivery")
	}
}

// Requeue manually re-enqueues a dead-lettered delivery: status back to
// pending, retry count reset to the last base-schedule step so further
// failures continue at the extended cadence, and a fresh expiry window.
func (e *Engine) Requeue(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	d, err := e.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, &models.NotFoundError{Kind: "delivery", ID: id}
	}
	if d.Status != models.DeliveryDLQ {
		return nil, models.Validationf("delivery %s is %s, only dlq deliveries can be requeued", id, d.Status)
	}

	d.RetryCount = len(e.schedule)
	d.NextRetryAt = nil
	d.ExpiresAt = e.now().UTC().Add(e.dlqWindow)
	if err := e.store.TransitionDelivery(ctx, d, models.DeliveryPending, "manual requeue"); err != nil {
		return nil, err
	}

	e.log.Info().Str("delivery_id", d.ID).Msg("delivery requeued from dlq")
	return d, nil
}
