package model

// DeliveredReceipt - emitted by a recipient on first render of a message
type DeliveredReceipt struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	DeliveredAt    string `json:"deliveredAt"`
}

// ReadReceipt - batched per viewport visibility; carries message-id
// lists rather than one event per message to bound volume
type ReadReceipt struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	UserID         string   `json:"userId"`
	ReadAt         string   `json:"readAt"`
}

// TypingIndicator - ephemeral, scoped to the conversation room, never
// persisted; clients expire it locally if no stop event arrives
type TypingIndicator struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
}

// RoomChange - join or leave request for a conversation room
type RoomChange struct {
	ConversationID string `json:"conversationId"`
}
