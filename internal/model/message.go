package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Message type constants
const (
	MessageTypeText   = "text"
	MessageTypeSystem = "system"
)

// Message is one encrypted direct message as stored in MongoDB. The
// body is carried twice, sealed once per reader role: the recipient
// copy under (sender private x recipient public) and the sender's own
// copy under (sender private x sender public). Ciphertext fields are
// immutable once written; DeliveredTo and ReadBy grow by array-union
// only.
type Message struct {
	ID                     primitive.ObjectID `json:"-" bson:"_id,omitempty"`
	MessageID              string             `json:"id" bson:"message_id"`
	ConversationID         string             `json:"conversationId" bson:"conversation_id"`
	SenderID               string             `json:"senderId" bson:"sender_id"`
	SenderName             string             `json:"senderName" bson:"sender_name"`
	Type                   string             `json:"type" bson:"type"`
	CiphertextForRecipient string             `json:"ciphertextForRecipient" bson:"ciphertext_recipient"`
	NonceForRecipient      string             `json:"nonceForRecipient" bson:"nonce_recipient"`
	CiphertextForSender    string             `json:"ciphertextForSender" bson:"ciphertext_sender"`
	NonceForSender         string             `json:"nonceForSender" bson:"nonce_sender"`
	CreatedAt              time.Time          `json:"createdAt" bson:"created_at"`
	DeliveredTo            []string           `json:"deliveredTo" bson:"delivered_to"`
	ReadBy                 []string           `json:"readBy" bson:"read_by"`
}

// ErrorPayload is an error response sent to a client over the socket.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
