package model

import "time"

// Conversation type constants
const (
	ConversationTypeDirect = "direct"
)

// Conversation is a chat conversation document in MongoDB. For direct
// conversations the _id is the canonical participant-order-independent
// id, so both sides upsert the same document.
type Conversation struct {
	ID             string       `json:"id" bson:"_id"`
	Type           string       `json:"type" bson:"type"`
	ParticipantIDs []string     `json:"participantIds" bson:"participant_ids"`
	CreatedAt      time.Time    `json:"createdAt" bson:"created_at"`
	UpdatedAt      time.Time    `json:"updatedAt" bson:"updated_at"`
	LastMessage    *LastMessage `json:"lastMessage" bson:"last_message"`
	IsActive       bool         `json:"isActive" bson:"is_active"`
}

// LastMessage is the most recent message preview on a conversation.
// The content is the recipient-role ciphertext; the server never holds
// plaintext.
type LastMessage struct {
	MessageID  string    `json:"messageId" bson:"message_id"`
	Ciphertext string    `json:"ciphertext" bson:"ciphertext"`
	Nonce      string    `json:"nonce" bson:"nonce"`
	SenderID   string    `json:"senderId" bson:"sender_id"`
	SenderName string    `json:"senderName" bson:"sender_name"`
	SentAt     time.Time `json:"sentAt" bson:"sent_at"`
}
