package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tanvir/chatbridge/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			webhook_url TEXT NOT NULL,
			webhook_secret TEXT NOT NULL,
			api_token TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			direction TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			recipient_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			platform_message_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			error_retryable INTEGER NOT NULL DEFAULT 0,
			sent_at DATETIME,
			delivered_at DATETIME,
			read_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			target_url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_attempt_at DATETIME,
			next_retry_at DATETIME,
			delivered_at DATETIME,
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			id TEXT PRIMARY KEY,
			delivery_id TEXT NOT NULL REFERENCES webhook_deliveries(id) ON DELETE CASCADE,
			attempt_number INTEGER NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS message_transitions (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_transitions (
			id TEXT PRIMARY KEY,
			delivery_id TEXT NOT NULL REFERENCES webhook_deliveries(id) ON DELETE CASCADE,
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency
			ON messages(account_id, idempotency_key) WHERE idempotency_key != ''`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_token ON accounts(api_token)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_platform ON messages(account_id, platform_message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_account ON webhook_deliveries(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON webhook_deliveries(status, next_retry_at) WHERE status IN ('pending', 'retrying')`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_delivery ON delivery_attempts(delivery_id)`,
		`CREATE INDEX IF NOT EXISTS idx_message_transitions ON message_transitions(message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_transitions ON delivery_transitions(delivery_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Accounts ---

func (s *SQLiteStorage) CreateAccount(ctx context.Context, a *models.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, webhook_url, webhook_secret, api_token, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.WebhookURL, a.WebhookSecret, a.APIToken, a.Status, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) scanAccount(row interface{ Scan(...interface{}) error }) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Name, &a.WebhookURL, &a.WebhookSecret, &a.APIToken, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

const accountCols = `id, name, webhook_url, webhook_secret, api_token, status, created_at, updated_at`

func (s *SQLiteStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	a, err := s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *SQLiteStorage) GetAccountByToken(ctx context.Context, token string) (*models.Account, error) {
	a, err := s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE api_token = ?`, token))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *SQLiteStorage) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStorage) SetAccountStatus(ctx context.Context, id string, status models.AccountStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	return err
}

// --- Messages ---

const messageCols = `id, account_id, direction, sender_id, recipient_id, text, message_type,
	conversation_id, idempotency_key, platform_message_id, status, retry_count,
	error_code, error_message, error_retryable, sent_at, delivered_at, read_at, created_at, updated_at`

func insertMessage(ctx context.Context, tx *sql.Tx, msg *models.Message) (int64, error) {
	var errCode, errMsg string
	var errRetryable int
	if msg.Error != nil {
		errCode, errMsg = msg.Error.Code, msg.Error.Message
		if msg.Error.Retryable {
			errRetryable = 1
		}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		msg.ID, msg.AccountID, msg.Direction, msg.SenderID, msg.RecipientID, msg.Text,
		msg.MessageType, msg.ConversationID, msg.IdempotencyKey, msg.PlatformMessageID,
		msg.Status, msg.RetryCount, errCode, errMsg, errRetryable,
		msg.SentAt, msg.DeliveredAt, msg.ReadAt, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReserveMessage is the idempotency ledger. The insert races against the
// unique (account_id, idempotency_key) index; the loser of the race gets
// the winner's row back with isNew=false and must not send again.
func (s *SQLiteStorage) ReserveMessage(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	n, err := insertMessage(ctx, tx, msg)
	if err != nil {
		return nil, false, err
	}

	if n == 0 {
		existing, err := s.scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+messageCols+` FROM messages WHERE account_id = ? AND idempotency_key = ?`,
			msg.AccountID, msg.IdempotencyKey))
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := appendTransition(ctx, tx, "message_transitions", "message_id", msg.ID, "", string(msg.Status), ""); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

func (s *SQLiteStorage) CreateMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := insertMessage(ctx, tx, msg); err != nil {
		return err
	}
	if err := appendTransition(ctx, tx, "message_transitions", "message_id", msg.ID, "", string(msg.Status), ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) scanMessage(row interface{ Scan(...interface{}) error }) (*models.Message, error) {
	var msg models.Message
	var errCode, errMsg string
	var errRetryable int
	err := row.Scan(&msg.ID, &msg.AccountID, &msg.Direction, &msg.SenderID, &msg.RecipientID,
		&msg.Text, &msg.MessageType, &msg.ConversationID, &msg.IdempotencyKey,
		&msg.PlatformMessageID, &msg.Status, &msg.RetryCount, &errCode, &errMsg, &errRetryable,
		&msg.SentAt, &msg.DeliveredAt, &msg.ReadAt, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if errCode != "" || errMsg != "" {
		msg.Error = &models.MessageError{Code: errCode, Message: errMsg, Retryable: errRetryable == 1}
	}
	return &msg, nil
}

func (s *SQLiteStorage) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

func (s *SQLiteStorage) GetMessageByPlatformID(ctx context.Context, accountID, platformID string) (*models.Message, error) {
	msg, err := s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE account_id = ? AND platform_message_id = ? AND platform_message_id != ''`,
		accountID, platformID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

func (s *SQLiteStorage) ListMessages(ctx context.Context, accountID string, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE account_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// TransitionMessage moves msg from its current status to `to`, updating the
// mutable row and appending one history entry in the same transaction. The
// update is guarded by the status the caller read; a concurrent transition
// surfaces as ErrStaleStatus.
func (s *SQLiteStorage) TransitionMessage(ctx context.Context, msg *models.Message, to models.MessageStatus, note string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var errCode, errMsg string
	var errRetryable int
	if msg.Error != nil {
		errCode, errMsg = msg.Error.Code, msg.Error.Message
		if msg.Error.Retryable {
			errRetryable = 1
		}
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = ?, retry_count = ?, platform_message_id = ?,
			error_code = ?, error_message = ?, error_retryable = ?,
			sent_at = ?, delivered_at = ?, read_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, msg.RetryCount, msg.PlatformMessageID, errCode, errMsg, errRetryable,
		msg.SentAt, msg.DeliveredAt, msg.ReadAt, now, msg.ID, msg.Status,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleStatus
	}

	if err := appendTransition(ctx, tx, "message_transitions", "message_id", msg.ID, string(msg.Status), string(to), note); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	msg.Status = to
	msg.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) MessageHistory(ctx context.Context, id string) ([]models.StatusTransition, error) {
	return s.listTransitions(ctx, "message_transitions", "message_id", id)
}

// ResetStuckMessages settles outbound rows left in `sending` by an unclean
// shutdown. Their retry loop is gone, so they fail as retryable. Called
// once on startup.
func (s *SQLiteStorage) ResetStuckMessages(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM messages WHERE status = 'sending'`)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = 'failed', error_code = 'interrupted',
				error_message = 'send interrupted by shutdown', error_retryable = 1, updated_at = ?
			 WHERE id = ?`, now, id); err != nil {
			return 0, err
		}
		if err := appendTransition(ctx, tx, "message_transitions", "message_id", id,
			string(models.MessageSending), string(models.MessageFailed), "recovered after restart"); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), tx.Commit()
}

// --- Webhook deliveries ---

const deliveryCols = `id, account_id, event_type, payload, target_url, status, retry_count,
	last_attempt_at, next_retry_at, delivered_at, expires_at, created_at, updated_at`

func (s *SQLiteStorage) CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (`+deliveryCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.AccountID, d.EventType, string(d.Payload), d.TargetURL, d.Status, d.RetryCount,
		d.LastAttemptAt, d.NextRetryAt, d.DeliveredAt, d.ExpiresAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if err := appendTransition(ctx, tx, "delivery_transitions", "delivery_id", d.ID, "", string(d.Status), ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) scanDelivery(row interface{ Scan(...interface{}) error }) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	var payload string
	err := row.Scan(&d.ID, &d.AccountID, &d.EventType, &payload, &d.TargetURL, &d.Status,
		&d.RetryCount, &d.LastAttemptAt, &d.NextRetryAt, &d.DeliveredAt, &d.ExpiresAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Payload = []byte(payload)
	return &d, nil
}

func (s *SQLiteStorage) GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	d, err := s.scanDelivery(s.db.QueryRowContext(ctx,
		`SELECT `+deliveryCols+` FROM webhook_deliveries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// DueDeliveries returns pending/retrying rows whose next attempt is due,
// ordered by account then creation time so the engine can preserve
// per-account ordering.
func (s *SQLiteStorage) DueDeliveries(ctx context.Context, limit int) ([]models.WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM webhook_deliveries
		 WHERE status IN ('pending', 'retrying') AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY account_id, created_at ASC LIMIT ?`,
		time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []models.WebhookDelivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func (s *SQLiteStorage) TransitionDelivery(ctx context.Context, d *models.WebhookDelivery, to models.DeliveryStatus, note string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status = ?, retry_count = ?, last_attempt_at = ?,
			next_retry_at = ?, delivered_at = ?, expires_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, d.RetryCount, d.LastAttemptAt, d.NextRetryAt, d.DeliveredAt, d.ExpiresAt, now,
		d.ID, d.Status,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleStatus
	}

	if err := appendTransition(ctx, tx, "delivery_transitions", "delivery_id", d.ID, string(d.Status), string(to), note); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	d.Status = to
	d.UpdatedAt = now
	return nil
}

// DeferDelivery pushes next_retry_at forward without a status change, e.g.
// when the owning account is inactive.
func (s *SQLiteStorage) DeferDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET next_retry_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		d.NextRetryAt, time.Now().UTC(), d.ID, d.Status,
	)
	return err
}

// ResetStuckDeliveries requeues rows left in `delivering` by an unclean
// shutdown. Called once on engine start.
func (s *SQLiteStorage) ResetStuckDeliveries(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM webhook_deliveries WHERE status = 'delivering'`)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE webhook_deliveries SET status = 'pending', updated_at = ? WHERE id = ?`, now, id); err != nil {
			return 0, err
		}
		if err := appendTransition(ctx, tx, "delivery_transitions", "delivery_id", id,
			string(models.DeliveryDelivering), string(models.DeliveryPending), "recovered after restart"); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), tx.Commit()
}

func (s *SQLiteStorage) ListDeliveries(ctx context.Context, accountID string, limit, offset int) ([]models.WebhookDelivery, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM webhook_deliveries WHERE account_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []models.WebhookDelivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func (s *SQLiteStorage) ListDLQ(ctx context.Context, accountID string) ([]models.WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM webhook_deliveries WHERE account_id = ? AND status = 'dlq' ORDER BY created_at ASC`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []models.WebhookDelivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func (s *SQLiteStorage) DeliveryHistory(ctx context.Context, id string) ([]models.StatusTransition, error) {
	return s.listTransitions(ctx, "delivery_transitions", "delivery_id", id)
}

// --- Transitions ---

func appendTransition(ctx context.Context, tx *sql.Tx, table, fkCol, subjectID, from, to, note string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO `+table+` (id, `+fkCol+`, from_status, to_status, note, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		models.NewID("trn"), subjectID, from, to, note, time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStorage) listTransitions(ctx context.Context, table, fkCol, subjectID string) ([]models.StatusTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, `+fkCol+`, from_status, to_status, note, created_at FROM `+table+` WHERE `+fkCol+` = ? ORDER BY created_at ASC, id ASC`,
		subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []models.StatusTransition
	for rows.Next() {
		var t models.StatusTransition
		if err := rows.Scan(&t.ID, &t.SubjectID, &t.FromStatus, &t.ToStatus, &t.Note, &t.CreatedAt); err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// --- Attempts ---

func (s *SQLiteStorage) CreateAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (id, delivery_id, attempt_number, status_code, response_body, latency_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DeliveryID, a.AttemptNumber, a.StatusCode, a.ResponseBody, a.LatencyMs, a.Error, a.CreatedAt,
	)
	return err
}

func (s *SQLiteStorage) AttemptsByDelivery(ctx context.Context, deliveryID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, delivery_id, attempt_number, status_code, response_body, latency_ms, error, created_at
		 FROM delivery_attempts WHERE delivery_id = ? ORDER BY attempt_number`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.AttemptNumber, &a.StatusCode, &a.ResponseBody, &a.LatencyMs, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- Stats ---

func (s *SQLiteStorage) GetStats(ctx context.Context, accountID string) (*Stats, error) {
	stats := &Stats{}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE account_id = ? AND direction = 'outbound'`, accountID).Scan(&stats.OutboundMessages)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE account_id = ? AND direction = 'inbound'`, accountID).Scan(&stats.InboundMessages)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE account_id = ? AND status IN ('sent', 'delivered', 'read')`, accountID).Scan(&stats.SentCount)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE account_id = ? AND status = 'failed'`, accountID).Scan(&stats.FailedCount)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_deliveries WHERE account_id = ?`, accountID).Scan(&stats.TotalDeliveries)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_deliveries WHERE account_id = ? AND status = 'delivered'`, accountID).Scan(&stats.DeliveredCount)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_deliveries WHERE account_id = ? AND status IN ('pending', 'delivering', 'retrying')`, accountID).Scan(&stats.PendingCount)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_deliveries WHERE account_id = ? AND status = 'dlq'`, accountID).Scan(&stats.DLQCount)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_deliveries WHERE account_id = ? AND status = 'failed_auth'`, accountID).Scan(&stats.FailedAuthCount)

	if stats.TotalDeliveries > 0 {
		stats.DeliverySuccessRate = float64(stats.DeliveredCount) / float64(stats.TotalDeliveries) * 100
	}

	return stats, nil
}
