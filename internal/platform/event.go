package platform

import "time"

// Webhook event names the platform sends us.
const (
	EventReceived  = "message.received"
	EventDelivered = "message.delivered"
	EventRead      = "message.read"
)

// Event is one webhook callback from the platform: either a new inbound
// message from an end user or a delivery-status update for an outbound one.
type Event struct {
	Event             string    `json:"event"`
	AccountID         string    `json:"account_id"`
	PlatformMessageID string    `json:"platform_message_id"`
	SenderID          string    `json:"sender_id,omitempty"`
	Text              string    `json:"text,omitempty"`
	MessageType       string    `json:"message_type,omitempty"`
	ConversationID    string    `json:"conversation_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}
