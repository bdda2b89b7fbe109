package models

import "time"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
	MessageReceived  MessageStatus = "received"
)

// MessageError records why a send ended up failed. Retryable means the
// failure was transient and the local retry budget ran out.
type MessageError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type Message struct {
	ID                string        `json:"id"`
	AccountID         string        `json:"account_id"`
	Direction         Direction     `json:"direction"`
	SenderID          string        `json:"sender_id,omitempty"`
	RecipientID       string        `json:"recipient_id,omitempty"`
	Text              string        `json:"text"`
	MessageType       string        `json:"message_type,omitempty"`
	ConversationID    string        `json:"conversation_id,omitempty"`
	IdempotencyKey    string        `json:"idempotency_key,omitempty"`
	PlatformMessageID string        `json:"platform_message_id,omitempty"`
	Status            MessageStatus `json:"status"`
	RetryCount        int           `json:"retry_count"`
	Error             *MessageError `json:"error,omitempty"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty"`
	ReadAt            *time.Time    `json:"read_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Terminal reports whether no further automatic transition can happen.
func (s MessageStatus) Terminal() bool {
	return s == MessageFailed || s == MessageRead
}
