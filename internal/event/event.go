package event

import (
	"encoding/json"
	"time"

	"whisperwire/internal/model"
)

const (
	EventClientMessage     = "client_message"
	EventServerMessage     = "server_message"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventMessageDelivered  = "message_delivered"
	EventMessagesRead      = "messages_read"
	EventTyping            = "typing"
	EventSendAck           = "send_ack"
	EventError             = "error"
)

// WsEvent is the envelope for every frame on the realtime socket.
type WsEvent struct {
	Event     string          `json:"event"`
	ChannelID string          `json:"channelId"`
	Message   json.RawMessage `json:"message"`
	MessageID string          `json:"messageId"`
}

// NewWsEvent marshals payload into an envelope. Marshal errors are
// impossible for the payload types used here, so they surface as an
// empty body rather than a dropped frame.
func NewWsEvent(name, channelID, messageID string, payload any) WsEvent {
	raw, _ := json.Marshal(payload)
	return WsEvent{
		Event:     name,
		ChannelID: channelID,
		Message:   raw,
		MessageID: messageID,
	}
}

// Message is the realtime message envelope. Content carries the
// recipient-role ciphertext only; the sender already holds its
// optimistic echo and could not open this copy anyway.
type Message struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	Type           string   `json:"type"`
	SenderID       string   `json:"senderId"`
	SenderName     string   `json:"senderName"`
	Content        string   `json:"content"`
	Nonce          string   `json:"nonce"`
	Timestamp      int64    `json:"timestamp"`
	Delivered      []string `json:"delivered"`
	Read           []string `json:"read"`
}

// FromModel builds the realtime envelope from a stored message.
func FromModel(m *model.Message) Message {
	return Message{
		ID:             m.MessageID,
		ConversationID: m.ConversationID,
		Type:           m.Type,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.CiphertextForRecipient,
		Nonce:          m.NonceForRecipient,
		Timestamp:      m.CreatedAt.UnixMilli(),
		Delivered:      m.DeliveredTo,
		Read:           m.ReadBy,
	}
}

// ToModel converts a realtime envelope back into the store shape, so
// the reconciliation layer consumes one message type no matter which
// path delivered it.
func (m Message) ToModel() model.Message {
	return model.Message{
		MessageID:              m.ID,
		ConversationID:         m.ConversationID,
		SenderID:               m.SenderID,
		SenderName:             m.SenderName,
		Type:                   m.Type,
		CiphertextForRecipient: m.Content,
		NonceForRecipient:      m.Nonce,
		CreatedAt:              time.UnixMilli(m.Timestamp),
		DeliveredTo:            m.Delivered,
		ReadBy:                 m.Read,
	}
}

// SendAck acknowledges a send over the socket. DeliveredTo is a
// best-effort hint populated only when a live peer session was found at
// broadcast time; receipt events are the source of truth for status.
type SendAck struct {
	Success     bool     `json:"success"`
	MessageID   string   `json:"messageId,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty"`
	DeliveredTo []string `json:"deliveredTo,omitempty"`
	Error       string   `json:"error,omitempty"`
}
