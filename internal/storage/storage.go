package storage

import (
	"context"
	"errors"

	"github.com/tanvir/chatbridge/internal/models"
)

// ErrStaleStatus is returned when a status transition loses a race: the
// row's current status no longer matches what the caller read. Terminal
// records are immutable, so late transitions also surface as this.
var ErrStaleStatus = errors.New("storage: stale status transition")

type Storage interface {
	// Accounts
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByToken(ctx context.Context, token string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	SetAccountStatus(ctx context.Context, id string, status models.AccountStatus) error

	// Messages. ReserveMessage is the idempotency ledger: it atomically
	// inserts msg keyed on (account_id, idempotency_key); on collision it
	// returns the existing row with isNew=false and no side effect.
	ReserveMessage(ctx context.Context, msg *models.Message) (*models.Message, bool, error)
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetMessageByPlatformID(ctx context.Context, accountID, platformID string) (*models.Message, error)
	ListMessages(ctx context.Context, accountID string, limit, offset int) ([]models.Message, error)
	TransitionMessage(ctx context.Context, msg *models.Message, to models.MessageStatus, note string) error
	MessageHistory(ctx context.Context, id string) ([]models.StatusTransition, error)
	ResetStuckMessages(ctx context.Context) (int64, error)

	// Webhook deliveries
	CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error
	GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error)
	DueDeliveries(ctx context.Context, limit int) ([]models.WebhookDelivery, error)
	TransitionDelivery(ctx context.Context, d *models.WebhookDelivery, to models.DeliveryStatus, note string) error
	DeferDelivery(ctx context.Context, d *models.WebhookDelivery) error
	ResetStuckDeliveries(ctx context.Context) (int64, error)
	ListDeliveries(ctx context.Context, accountID string, limit, offset int) ([]models.WebhookDelivery, error)
	ListDLQ(ctx context.Context, accountID string) ([]models.WebhookDelivery, error)
	DeliveryHistory(ctx context.Context, id string) ([]models.StatusTransition, error)

	// Attempts
	CreateAttempt(ctx context.Context, a *models.DeliveryAttempt) error
	AttemptsByDelivery(ctx context.Context, deliveryID string) ([]models.DeliveryAttempt, error)

	// Stats
	GetStats(ctx context.Context, accountID string) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type Stats struct {
	OutboundMessages    int64   `json:"outbound_messages"`
	InboundMessages     int64   `json:"inbound_messages"`
	SentCount           int64   `json:"sent_count"`
	FailedCount         int64   `json:"failed_count"`
	TotalDeliveries     int64   `json:"total_deliveries"`
	DeliveredCount      int64   `json:"delivered_count"`
	PendingCount        int64   `json:"pending_count"`
	DLQCount            int64   `json:"dlq_count"`
	FailedAuthCount     int64   `json:"failed_auth_count"`
	DeliverySuccessRate float64 `json:"delivery_success_rate"`
}
