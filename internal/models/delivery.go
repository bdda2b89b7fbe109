package models

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventMessageReceived  EventType = "message.received"
	EventMessageSent      EventType = "message.sent"
	EventMessageDelivered EventType = "message.delivered"
	EventMessageRead      EventType = "message.read"
	EventMessageFailed    EventType = "message.failed"
)

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryDelivering DeliveryStatus = "delivering"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDLQ        DeliveryStatus = "dlq"
	DeliveryFailedAuth DeliveryStatus = "failed_auth"
)

// WebhookDelivery is one event that must reach the CRM's webhook endpoint.
// The payload is an immutable snapshot taken when the event occurred.
// RetryCount counts failed attempts; ExpiresAt bounds the extended retry
// window after which the record is dead-lettered.
type WebhookDelivery struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	TargetURL     string          `json:"target_url"`
	Status        DeliveryStatus  `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Terminal deliveries are immutable; re-delivery of a dlq record requires
// an explicit manual requeue.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryDLQ || s == DeliveryFailedAuth
}

// DeliveryAttempt is the audit row for a single HTTP attempt.
type DeliveryAttempt struct {
	ID            string    `json:"id"`
	DeliveryID    string    `json:"delivery_id"`
	AttemptNumber int       `json:"attempt_number"`
	StatusCode    int       `json:"status_code"`
	ResponseBody  string    `json:"response_body"`
	LatencyMs     int64     `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// StatusTransition is one append-only history entry for a message or a
// webhook delivery. History is never edited.
type StatusTransition struct {
	ID         string    `json:"id"`
	SubjectID  string    `json:"subject_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
