package dispatch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanvir/chatbridge/internal/config"
	"github.com/tanvir/chatbridge/internal/models"
	"github.com/tanvir/chatbridge/internal/platform"
	"github.com/tanvir/chatbridge/internal/storage"
)

// fakeClient scripts platform responses: each Send pops the next result.
// When the script runs out it repeats the last entry.
type fakeClient struct {
	mu      sync.Mutex
	script  []fakeResult
	calls   int32
	lastMsg string
}

type fakeResult struct {
	resp *platform.SendResponse
	err  error
}

func (c *fakeClient) Send(ctx context.Context, recipientID, text string) (*platform.SendResponse, error) {
	atomic.AddInt32(&c.calls, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastMsg = text
	r := c.script[0]
	if len(c.script) > 1 {
		c.script = c.script[1:]
	}
	return r.resp, r.err
}

func (c *fakeClient) callCount() int { return int(atomic.LoadInt32(&c.calls)) }

func okResult(platformID string) fakeResult {
	return fakeResult{resp: &platform.SendResponse{PlatformMessageID: platformID}}
}

func errResult(code string, retryable bool) fakeResult {
	return fakeResult{err: &platform.SendError{Code: code, Message: code, Retryable: retryable}}
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []models.MessageStatus
}

func (n *recordingNotifier) NotifyStatus(ctx context.Context, account *models.Account, msg *models.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, msg.Status)
}

func (n *recordingNotifier) seen() []models.MessageStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.MessageStatus, len(n.statuses))
	copy(out, n.statuses)
	return out
}

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestAccount(t *testing.T, store storage.Storage) *models.Account {
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
	require.NoError(t, store.CreateAccount(context.Background(), a))
	return a
}

func newTestDispatcher(store storage.Storage, client platform.Client, notifier StatusNotifier) *Dispatcher {
	return New(config.DispatchConfig{
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}, store, client, notifier, zerolog.Nop())
}

func TestSendSuccess(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	client := &fakeClient{script: []fakeResult{okResult("wamid.1")}}
	notifier := &recordingNotifier{}
	d := newTestDispatcher(store, client, notifier)

	msg, err := d.Send(context.Background(), account.ID, "user_9", "hello", "order_1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageSent, msg.Status)
	assert.Equal(t, "wamid.1", msg.PlatformMessageID)
	assert.NotNil(t, msg.SentAt)
	assert.Equal(t, 1, client.callCount())
	assert.Equal(t, []models.MessageStatus{models.MessageSent}, notifier.seen())

	history, err := store.MessageHistory(context.Background(), msg.ID)
	require.NoError(t, err)
	var tos []string
	for _, h := range history {
		tos = append(tos, h.ToStatus)
	}
	assert.Equal(t, []string{"queued", "sending", "sent"}, tos)
}

func TestSendDuplicateIdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	client := &fakeClient{script: []fakeResult{okResult("wamid.1")}}
	d := newTestDispatcher(store, client, &recordingNotifier{})

	first, err := d.Send(context.Background(), account.ID, "user_9", "hello", "order_1")
	require.NoError(t, err)

	second, err := d.Send(context.Background(), account.ID, "user_9", "hello", "order_1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, client.callCount(), "duplicate must not reach the platform")
}

func TestSendConcurrentDuplicates(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	client := &fakeClient{script: []fakeResult{okResult("wamid.1")}}
	d := newTestDispatcher(store, client, &recordingNotifier{})

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := d.Send(context.Background(), account.ID, "user_9", "hello", "order_42")
			if err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
			ids[i] = msg.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, client.callCount())
}

func TestSendPermanentFailureNoRetry(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	client := &fakeClient{script: []fakeResult{errResult("invalid_recipient", false)}}
	d := newTestDispatcher(store, client, &recordingNotifier{})

	msg, err := d.Send(context.Background(), account.ID, "nobody", "hello", "order_1")
	require.NoError(t, err)
	d.Wait()

	got, err := store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "invalid_recipient", got.Error.Code)
	assert.False(t, got.Error.Retryable)
	assert.Equal(t, 1, client.callCount(), "permanent failures must not be retried")
}

func TestSendTransientExhaustsRetries(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	client := &fakeClient{script: []fakeResult{errResult("rate_limited", true)}}
	d := newTestDispatcher(store, client, &recordingNotifier{})

	msg, err := d.Send(context.Background(), account.ID, "user_9", "hello", "order_1")
	require.NoError(t, err)
	d.Wait()

	got, err := store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "rate_limited", got.Error.Code)
	assert.True(t, got.Error.Retryable)
	assert.Equal(t, 3, client.callCount())
	assert.Equal(t, 3, got.RetryCount)
}

func TestSendRecoversAfterTransientFailure(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	client := &fakeClient{script: []fakeResult{errResult("timeout", true), okResult("wamid.2")}}
	d := newTestDispatcher(store, client, &recordingNotifier{})

	msg, err := d.Send(context.Background(), account.ID, "user_9", "hello", "order_1")
	require.NoError(t, err)
	d.Wait()

	got, err := store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageSent, got.Status)
	assert.Equal(t, "wamid.2", got.PlatformMessageID)
	assert.Equal(t, 2, client.callCount())
}

// The HTTP handler JSON-encodes the returned message while background
// retries are still running; the returned value must never be written to
// after Send returns.
func TestSendReturnedMessageSafeDuringRetries(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	client := &fakeClient{script: []fakeResult{
		errResult("timeout", true),
		errResult("timeout", true),
		okResult("wamid.3"),
	}}
	d := newTestDispatcher(store, client, &recordingNotifier{})

	msg, err := d.Send(context.Background(), account.ID, "user_9", "hello", "order_1")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := json.Marshal(msg)
		require.NoError(t, err)
	}
	d.Wait()

	// The caller's snapshot keeps its provisional status.
	assert.Equal(t, models.MessageSending, msg.Status)

	got, err := store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageSent, got.Status)
	assert.Equal(t, "wamid.3", got.PlatformMessageID)
	assert.Equal(t, 3, client.callCount())
}

func TestRecoverSettlesInterruptedSends(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)

	now := time.Now().UTC()
	stuck := &models.Message{
		ID:             models.NewID("msg"),
		AccountID:      account.ID,
		Direction:      models.DirectionOutbound,
		RecipientID:    "user_9",
		Text:           "hello",
		IdempotencyKey: "order_1",
		Status:         models.MessageQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	reserved, _, err := store.ReserveMessage(context.Background(), stuck)
	require.NoError(t, err)
	require.NoError(t, store.TransitionMessage(context.Background(), reserved, models.MessageSending, ""))

	client := &fakeClient{script: []fakeResult{okResult("wamid.1")}}
	d := newTestDispatcher(store, client, &recordingNotifier{})
	d.Recover(context.Background())

	got, err := store.GetMessage(context.Background(), reserved.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "interrupted", got.Error.Code)
	assert.True(t, got.Error.Retryable)
	assert.Equal(t, 0, client.callCount())
}

func TestSendValidation(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	client := &fakeClient{script: []fakeResult{okResult("wamid.1")}}
	d := newTestDispatcher(store, client, &recordingNotifier{})

	cases := []struct {
		name                       string
		accountID, recipient, text string
		key                        string
		wantNotFound               bool
	}{
		{name: "missing recipient", accountID: account.ID, text: "hi", key: "k"},
		{name: "missing text", accountID: account.ID, recipient: "u", key: "k"},
		{name: "missing idempotency key", accountID: account.ID, recipient: "u", text: "hi"},
		{name: "unknown account", accountID: "acct_missing", recipient: "u", text: "hi", key: "k", wantNotFound: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.Send(context.Background(), tc.accountID, tc.recipient, tc.text, tc.key)
			if tc.wantNotFound {
				assert.True(t, models.IsNotFound(err))
			} else {
				assert.True(t, models.IsValidation(err))
			}
		})
	}
	assert.Equal(t, 0, client.callCount())
}

func TestSendRejectsInactiveAccount(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	require.NoError(t, store.SetAccountStatus(context.Background(), account.ID, models.AccountInactive))

	client := &fakeClient{script: []fakeResult{okResult("wamid.1")}}
	d := newTestDispatcher(store, client, &recordingNotifier{})

	_, err := d.Send(context.Background(), account.ID, "user_9", "hello", "order_1")
	assert.True(t, models.IsValidation(err))
	assert.Equal(t, 0, client.callCount())
}

func TestHandleStatusCallback(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	client := &fakeClient{script: []fakeResult{okResult("wamid.1")}}
	notifier := &recordingNotifier{}
	d := newTestDispatcher(store, client, notifier)

	msg, err := d.Send(context.Background(), account.ID, "user_9", "hello", "order_1")
	require.NoError(t, err)

	ev := platform.Event{
		Event:             platform.EventDelivered,
		AccountID:         account.ID,
		PlatformMessageID: "wamid.1",
		Timestamp:         time.Now().UTC(),
	}
	require.NoError(t, d.HandleStatusCallback(context.Background(), ev))

	got, err := store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)

	// Duplicate receipt is a no-op.
	require.NoError(t, d.HandleStatusCallback(context.Background(), ev))
	again, err := store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageDelivered, again.Status)

	ev.Event = platform.EventRead
	require.NoError(t, d.HandleStatusCallback(context.Background(), ev))
	got, err = store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageRead, got.Status)
	assert.NotNil(t, got.ReadAt)

	// read is terminal: a late delivered receipt never moves it back.
	ev.Event = platform.EventDelivered
	require.NoError(t, d.HandleStatusCallback(context.Background(), ev))
	got, err = store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageRead, got.Status)
}

func TestHandleStatusCallbackReadBackfillsDelivered(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	client := &fakeClient{script: []fakeResult{okResult("wamid.1")}}
	d := newTestDispatcher(store, client, &recordingNotifier{})

	msg, err := d.Send(context.Background(), account.ID, "user_9", "hello", "order_1")
	require.NoError(t, err)

	require.NoError(t, d.HandleStatusCallback(context.Background(), platform.Event{
		Event:             platform.EventRead,
		AccountID:         account.ID,
		PlatformMessageID: "wamid.1",
	}))

	got, err := store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageRead, got.Status)
	assert.NotNil(t, got.DeliveredAt)
	assert.NotNil(t, got.ReadAt)
}

func TestHandleStatusCallbackUnknownEvent(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	client := &fakeClient{script: []fakeResult{okResult("wamid.1")}}
	d := newTestDispatcher(store, client, &recordingNotifier{})

	_, err := d.Send(context.Background(), account.ID, "user_9", "hello", "order_1")
	require.NoError(t, err)

	err = d.HandleStatusCallback(context.Background(), platform.Event{
		Event:             "message.exploded",
		AccountID:         account.ID,
		PlatformMessageID: "wamid.1",
	})
	assert.True(t, models.IsValidation(err))
}
