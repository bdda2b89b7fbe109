package relay

import (
	"time"

	"github.com/tanvir/chatbridge/internal/models"
)

// ReceivedPayload is the message.received webhook body sent to the CRM.
type ReceivedPayload struct {
	Event             string    `json:"event"`
	MessageID         string    `json:"message_id"`
	AccountID         string    `json:"account_id"`
	SenderID          string    `json:"sender_id"`
	Message           string    `json:"message"`
	MessageType       string    `json:"message_type"`
	Timestamp         time.Time `json:"timestamp"`
	PlatformMessageID string    `json:"platform_message_id"`
	ConversationID    string    `json:"conversation_id"`
}

// StatusPayload is the delivery-status webhook body for
// message.sent|delivered|read|failed events.
type StatusPayload struct {
	Event             string               `json:"event"`
	MessageID         string               `json:"message_id"`
	AccountID         string               `json:"account_id"`
	RecipientID       string               `json:"recipient_id"`
	Status            string               `json:"status"`
	Timestamp         time.Time            `json:"timestamp"`
	PlatformMessageID *string              `json:"platform_message_id"`
	Error             *models.MessageError `json:"error"`
}

func newReceivedPayload(msg *models.Message) ReceivedPayload {
	return ReceivedPayload{
		Event:             string(models.EventMessageReceived),
		MessageID:         msg.ID,
		AccountID:         msg.AccountID,
		SenderID:          msg.SenderID,
		Message:           msg.Text,
		MessageType:       msg.MessageType,
		Timestamp:         msg.CreatedAt,
		PlatformMessageID: msg.PlatformMessageID,
		ConversationID:    msg.ConversationID,
	}
}

func newStatusPayload(eventType models.EventType, msg *models.Message, at time.Time) StatusPayload {
	var platformID *string
	if msg.PlatformMessageID != "" {
		platformID = &msg.PlatformMessageID
	}
	return StatusPayload{
		Event:             string(eventType),
		MessageID:         msg.ID,
		AccountID:         msg.AccountID,
		RecipientID:       msg.RecipientID,
		Status:            string(msg.Status),
		Timestamp:         at,
		PlatformMessageID: platformID,
		Error:             msg.Error,
	}
}

// eventTypeFor maps a message status to its outward event type. Interim
// statuses (queued, sending) have no event.
func eventTypeFor(status models.MessageStatus) (models.EventType, bool) {
	switch status {
	case models.MessageSent:
		return models.EventMessageSent, true
	case models.MessageDelivered:
		return models.EventMessageDelivered, true
	case models.MessageRead:
		return models.EventMessageRead, true
	case models.MessageFailed:
		return models.EventMessageFailed, true
	default:
		return "", false
	}
}
