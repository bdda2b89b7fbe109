package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tanvir/chatbridge/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return s
}

func newTestAccount(t *testing.T, s *SQLiteStorage) *models.Account {
	t.Helper()
	now := time.Now().UTC()
	a := &models.Account{
		ID:            models.NewID("acct"),
		Name:          "test",
		WebhookURL:    "https://crm.example.com/hooks",
		WebhookSecret: models.NewSecret(),
		APIToken:      models.NewAPIToken(),
		Status:        models.AccountActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	return a
}

func outboundDraft(accountID, key string) *models.Message {
	now := time.Now().UTC()
	return &models.Message{
		ID:             models.NewID("msg"),
		AccountID:      accountID,
		Direction:      models.DirectionOutbound,
		RecipientID:    "psid_1",
		Text:           "hello",
		IdempotencyKey: key,
		Status:         models.MessageQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestReserveMessageIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	first, isNew, err := s.ReserveMessage(ctx, outboundDraft(account.ID, "order_1"))
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if !isNew {
		t.Fatal("first reserve must be new")
	}

	second, isNew, err := s.ReserveMessage(ctx, outboundDraft(account.ID, "order_1"))
	if err != nil {
		t.Fatalf("duplicate reserve must not error: %v", err)
	}
	if isNew {
		t.Fatal("duplicate reserve must not be new")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate reserve returned a different message: %s vs %s", second.ID, first.ID)
	}
}

func TestReserveMessageConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	newCount := 0
	ids := make(map[string]struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, isNew, err := s.ReserveMessage(ctx, outboundDraft(account.ID, "order_racy"))
			if err != nil {
				t.Errorf("reserve failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if isNew {
				newCount++
			}
			ids[msg.ID] = struct{}{}
		}()
	}
	wg.Wait()

	if newCount != 1 {
		t.Fatalf("expected exactly one winner, got %d", newCount)
	}
	if len(ids) != 1 {
		t.Fatalf("all callers must observe the same message, saw %d ids", len(ids))
	}
}

func TestReserveMessageDifferentAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := newTestAccount(t, s)
	a2 := newTestAccount(t, s)

	_, isNew, err := s.ReserveMessage(ctx, outboundDraft(a1.ID, "order_1"))
	if err != nil || !isNew {
		t.Fatalf("reserve for first account: isNew=%v err=%v", isNew, err)
	}
	_, isNew, err = s.ReserveMessage(ctx, outboundDraft(a2.ID, "order_1"))
	if err != nil || !isNew {
		t.Fatalf("same key under another account must be new: isNew=%v err=%v", isNew, err)
	}
}

func TestTransitionMessageAppendsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	msg, _, err := s.ReserveMessage(ctx, outboundDraft(account.ID, "order_1"))
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	if err := s.TransitionMessage(ctx, msg, models.MessageSending, ""); err != nil {
		t.Fatalf("transition to sending: %v", err)
	}
	now := time.Now().UTC()
	msg.PlatformMessageID = "pm_1"
	msg.SentAt = &now
	if err := s.TransitionMessage(ctx, msg, models.MessageSent, ""); err != nil {
		t.Fatalf("transition to sent: %v", err)
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Status != models.MessageSent {
		t.Fatalf("expected sent, got %s", got.Status)
	}
	if got.PlatformMessageID != "pm_1" {
		t.Fatalf("platform message id not persisted: %q", got.PlatformMessageID)
	}
	if got.SentAt == nil {
		t.Fatal("sent_at not persisted")
	}

	history, err := s.MessageHistory(ctx, msg.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := []string{"queued", "sending", "sent"}
	if len(history) != len(want) {
		t.Fatalf("expected %d history entries, got %d", len(want), len(history))
	}
	for i, h := range history {
		if h.ToStatus != want[i] {
			t.Fatalf("history[%d]: expected %s, got %s", i, want[i], h.ToStatus)
		}
	}
}

func TestTransitionMessageStaleStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	msg, _, err := s.ReserveMessage(ctx, outboundDraft(account.ID, "order_1"))
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	stale := *msg
	if err := s.TransitionMessage(ctx, msg, models.MessageSending, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if err := s.TransitionMessage(ctx, &stale, models.MessageFailed, ""); err != ErrStaleStatus {
		t.Fatalf("expected ErrStaleStatus, got %v", err)
	}
}

func TestResetStuckMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	stuck, _, err := s.ReserveMessage(ctx, outboundDraft(account.ID, "order_1"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.TransitionMessage(ctx, stuck, models.MessageSending, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	untouched, _, err := s.ReserveMessage(ctx, outboundDraft(account.ID, "order_2"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	n, err := s.ResetStuckMessages(ctx)
	if err != nil {
		t.Fatalf("reset stuck messages: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset message, got %d", n)
	}

	got, err := s.GetMessage(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Status != models.MessageFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error == nil || got.Error.Code != "interrupted" || !got.Error.Retryable {
		t.Fatalf("unexpected error record: %+v", got.Error)
	}

	history, err := s.MessageHistory(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := history[len(history)-1]
	if last.FromStatus != "sending" || last.ToStatus != "failed" {
		t.Fatalf("unexpected final transition: %s -> %s", last.FromStatus, last.ToStatus)
	}

	other, err := s.GetMessage(ctx, untouched.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if other.Status != models.MessageQueued {
		t.Fatalf("queued message must not be swept, got %s", other.Status)
	}
}

func newTestDelivery(accountID string, createdAt time.Time) *models.WebhookDelivery {
	return &models.WebhookDelivery{
		ID:        models.NewID("dlv"),
		AccountID: accountID,
		EventType: models.EventMessageReceived,
		Payload:   []byte(`{"event":"message.received"}`),
		TargetURL: "https://crm.example.com/hooks",
		Status:    models.DeliveryPending,
		ExpiresAt: createdAt.Add(24 * time.Hour),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestDueDeliveriesOrderAndDueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	base := time.Now().UTC().Add(-time.Minute)
	first := newTestDelivery(account.ID, base)
	second := newTestDelivery(account.ID, base.Add(time.Second))
	notDue := newTestDelivery(account.ID, base.Add(2*time.Second))
	future := time.Now().UTC().Add(time.Hour)
	notDue.NextRetryAt = &future
	notDue.Status = models.DeliveryRetrying

	for _, d := range []*models.WebhookDelivery{second, first, notDue} {
		if err := s.CreateDelivery(ctx, d); err != nil {
			t.Fatalf("create delivery: %v", err)
		}
	}

	due, err := s.DueDeliveries(ctx, 10)
	if err != nil {
		t.Fatalf("due deliveries: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due deliveries, got %d", len(due))
	}
	if due[0].ID != first.ID || due[1].ID != second.ID {
		t.Fatalf("deliveries out of creation order: %s, %s", due[0].ID, due[1].ID)
	}
}

func TestTransitionDeliveryGuardsStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	d := newTestDelivery(account.ID, time.Now().UTC())
	if err := s.CreateDelivery(ctx, d); err != nil {
		t.Fatalf("create delivery: %v", err)
	}

	stale := *d
	if err := s.TransitionDelivery(ctx, d, models.DeliveryDelivering, ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.TransitionDelivery(ctx, &stale, models.DeliveryDelivering, ""); err != ErrStaleStatus {
		t.Fatalf("expected ErrStaleStatus for double claim, got %v", err)
	}

	history, err := s.DeliveryHistory(ctx, d.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[1].FromStatus != "pending" || history[1].ToStatus != "delivering" {
		t.Fatalf("unexpected transition %s -> %s", history[1].FromStatus, history[1].ToStatus)
	}
}

func TestResetStuckDeliveries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	d := newTestDelivery(account.ID, time.Now().UTC())
	if err := s.CreateDelivery(ctx, d); err != nil {
		t.Fatalf("create delivery: %v", err)
	}
	if err := s.TransitionDelivery(ctx, d, models.DeliveryDelivering, ""); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := s.ResetStuckDeliveries(ctx)
	if err != nil {
		t.Fatalf("reset stuck: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}

	got, err := s.GetDelivery(ctx, d.ID)
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if got.Status != models.DeliveryPending {
		t.Fatalf("expected pending after reset, got %s", got.Status)
	}
}

func TestListDLQ(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	dead := newTestDelivery(account.ID, time.Now().UTC())
	alive := newTestDelivery(account.ID, time.Now().UTC())
	for _, d := range []*models.WebhookDelivery{dead, alive} {
		if err := s.CreateDelivery(ctx, d); err != nil {
			t.Fatalf("create delivery: %v", err)
		}
	}
	if err := s.TransitionDelivery(ctx, dead, models.DeliveryDLQ, "retry window exhausted"); err != nil {
		t.Fatalf("transition to dlq: %v", err)
	}

	entries, err := s.ListDLQ(ctx, account.ID)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != dead.ID {
		t.Fatalf("expected exactly the dead delivery, got %d entries", len(entries))
	}
}

func TestListDeliveries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)
	other := newTestAccount(t, s)

	base := time.Now().UTC().Add(-time.Minute)
	older := newTestDelivery(account.ID, base)
	newer := newTestDelivery(account.ID, base.Add(time.Second))
	foreign := newTestDelivery(other.ID, base)
	for _, d := range []*models.WebhookDelivery{older, newer, foreign} {
		if err := s.CreateDelivery(ctx, d); err != nil {
			t.Fatalf("create delivery: %v", err)
		}
	}

	ds, err := s.ListDeliveries(ctx, account.ID, 10, 0)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(ds))
	}
	if ds[0].ID != newer.ID || ds[1].ID != older.ID {
		t.Fatal("deliveries not in newest-first order")
	}

	page, err := s.ListDeliveries(ctx, account.ID, 1, 1)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(page) != 1 || page[0].ID != older.ID {
		t.Fatal("pagination broken")
	}
}

func TestAttemptsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	d := newTestDelivery(account.ID, time.Now().UTC())
	if err := s.CreateDelivery(ctx, d); err != nil {
		t.Fatalf("create delivery: %v", err)
	}

	for i := 1; i <= 2; i++ {
		a := &models.DeliveryAttempt{
			ID:            models.NewID("att"),
			DeliveryID:    d.ID,
			AttemptNumber: i,
			StatusCode:    500,
			Error:         "server error",
			CreatedAt:     time.Now().UTC(),
		}
		if err := s.CreateAttempt(ctx, a); err != nil {
			t.Fatalf("create attempt: %v", err)
		}
	}

	attempts, err := s.AttemptsByDelivery(ctx, d.ID)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].AttemptNumber != 1 || attempts[1].AttemptNumber != 2 {
		t.Fatal("attempts out of order")
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	msg, _, err := s.ReserveMessage(ctx, outboundDraft(account.ID, "order_1"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.TransitionMessage(ctx, msg, models.MessageSending, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.TransitionMessage(ctx, msg, models.MessageSent, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	d := newTestDelivery(account.ID, time.Now().UTC())
	if err := s.CreateDelivery(ctx, d); err != nil {
		t.Fatalf("create delivery: %v", err)
	}

	stats, err := s.GetStats(ctx, account.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.OutboundMessages != 1 || stats.SentCount != 1 {
		t.Fatalf("unexpected message stats: %+v", stats)
	}
	if stats.TotalDeliveries != 1 || stats.PendingCount != 1 {
		t.Fatalf("unexpected delivery stats: %+v", stats)
	}
}
