package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UserKeyRecord is the published key material for one user in MongoDB.
// There is exactly one active long-term public key per user at a time;
// rotation archives the previous key instead of deleting it so old
// ciphertexts stay decryptable on the owning device.
type UserKeyRecord struct {
	ID           primitive.ObjectID `json:"-" bson:"_id,omitempty"`
	UserID       string             `json:"userId" bson:"user_id"`
	PublicKey    string             `json:"publicKey" bson:"public_key"`
	CreatedAt    time.Time          `json:"createdAt" bson:"created_at"`
	UpdatedAt    time.Time          `json:"updatedAt" bson:"updated_at"`
	PreKeys      []PreKey           `json:"preKeys" bson:"pre_keys"`
	ArchivedKeys []ArchivedKey      `json:"archivedKeys" bson:"archived_keys"`
}

// PreKey is a one-time public key fragment. Consumed prekeys are marked
// used rather than removed; exhaustion degrades encryption to the
// long-term key only.
type PreKey struct {
	KeyID     string    `json:"id" bson:"key_id"`
	PublicKey string    `json:"publicKey" bson:"public_key"`
	Used      bool      `json:"used" bson:"used"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// ArchivedKey is a rotated-out long-term key kept for backward
// decryption.
type ArchivedKey struct {
	PublicKey string    `json:"publicKey" bson:"public_key"`
	RotatedAt time.Time `json:"rotatedAt" bson:"rotated_at"`
}
