package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"whisperwire/internal/convid"
	"whisperwire/internal/crypto"
	"whisperwire/internal/event"
	"whisperwire/internal/model"
	"whisperwire/internal/presence"
	"whisperwire/internal/repo"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrDurableWrite is terminal for the send that hit it. The caller
	// rolls back its optimistic echo and offers a retry.
	ErrDurableWrite = errors.New("service: durable log write failed")
	// ErrTransportEmit is non-fatal; the durable path stays
	// authoritative and recipients catch up via the log subscription.
	ErrTransportEmit = errors.New("service: realtime emit failed")
	ErrNotDirect     = errors.New("service: sender is not a participant of a direct conversation")
	ErrEmptySend     = errors.New("service: nothing to send")
)

// Broadcaster is the realtime half of the dual-path transport.
type Broadcaster interface {
	EmitToRoom(roomID string, ev event.WsEvent) error
	EmitToUser(userID string, ev event.WsEvent) error
	Occupancy(roomID string) int
	Connected() bool
}

// KeyDirectory is the lookup surface the send path depends on. Prekey
// claims are a session-bootstrap concern and stay on the directory's
// own API; a per-message send never touches them.
type KeyDirectory interface {
	GetPublicKey(ctx context.Context, userID string) (crypto.PublicKey, error)
}

// Messenger runs the dual-path send: encrypt for both reader roles,
// append to the durable log (authoritative), then broadcast as a
// best-effort accelerant.
type Messenger struct {
	keys          KeyDirectory
	messages      repo.MessageRepository
	conversations repo.ConversationRepository
	broadcaster   Broadcaster
	presence      presence.Registry
	logger        *zap.Logger
}

func NewMessenger(
	keys KeyDirectory,
	messages repo.MessageRepository,
	conversations repo.ConversationRepository,
	broadcaster Broadcaster,
	presenceReg presence.Registry,
	logger *zap.Logger,
) *Messenger {
	return &Messenger{
		keys:          keys,
		messages:      messages,
		conversations: conversations,
		broadcaster:   broadcaster,
		presence:      presenceReg,
		logger:        logger,
	}
}

// SendRequest is one plaintext send from the composing device.
type SendRequest struct {
	ConversationID string
	SenderID       string
	SenderName     string
	SenderKeys     *crypto.KeyPair
	Plaintext      []byte
	Type           string
}

// Send encrypts and dispatches one message. The recipient key lookup
// happens before any network write, so a peer that never registered
// fails the send fast with keydir.ErrKeyNotFound and leaves nothing
// dangling.
func (m *Messenger) Send(ctx context.Context, req SendRequest) (event.SendAck, error) {
	if len(req.Plaintext) == 0 || req.SenderKeys == nil {
		return failAck(ErrEmptySend), ErrEmptySend
	}

	canonical := convid.Normalize(req.ConversationID)
	if canonical != req.ConversationID {
		m.logger.Debug("conversation id normalized",
			zap.String("from", req.ConversationID),
			zap.String("to", canonical),
		)
	}

	peer, ok := convid.Peer(canonical, req.SenderID)
	if !ok {
		return failAck(ErrNotDirect), ErrNotDirect
	}

	recipientPub, err := m.keys.GetPublicKey(ctx, peer)
	if err != nil {
		return failAck(err), err
	}

	forRecipient, forSender, err := crypto.DualEncrypt(req.Plaintext, req.SenderKeys, recipientPub)
	if err != nil {
		return failAck(err), err
	}

	msgType := req.Type
	if msgType == "" {
		msgType = model.MessageTypeText
	}

	msg := &model.Message{
		MessageID:              uuid.New().String(),
		ConversationID:         canonical,
		SenderID:               req.SenderID,
		SenderName:             req.SenderName,
		Type:                   msgType,
		CiphertextForRecipient: base64.StdEncoding.EncodeToString(forRecipient.Ciphertext),
		NonceForRecipient:      base64.StdEncoding.EncodeToString(forRecipient.Nonce),
		CiphertextForSender:    base64.StdEncoding.EncodeToString(forSender.Ciphertext),
		NonceForSender:         base64.StdEncoding.EncodeToString(forSender.Nonce),
	}

	return m.deliver(ctx, msg)
}

// Deliver implements the hub's inbound path: the payload arrives
// already encrypted by the sending device. The sender identity always
// comes from the verified connection, never from the payload.
func (m *Messenger) Deliver(ctx context.Context, raw []byte, senderID string) event.SendAck {
	var msg model.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return failAck(fmt.Errorf("malformed message payload: %w", err))
	}

	msg.SenderID = senderID
	msg.ConversationID = convid.Normalize(msg.ConversationID)
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.Type == "" {
		msg.Type = model.MessageTypeText
	}

	if _, ok := convid.Peer(msg.ConversationID, senderID); !ok {
		return failAck(ErrNotDirect)
	}

	ack, err := m.deliver(ctx, &msg)
	if err != nil {
		m.logger.Error("inbound delivery failed",
			zap.String("message_id", msg.MessageID),
			zap.Error(err),
		)
	}
	return ack
}

// deliver is the shared dual-path tail: durable append first, then the
// realtime accelerant.
func (m *Messenger) deliver(ctx context.Context, msg *model.Message) (event.SendAck, error) {
	if _, err := m.conversations.Ensure(ctx, msg.ConversationID); err != nil {
		// Metadata only; the log append below decides the send's fate.
		m.logger.Warn("conversation upsert failed",
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err),
		)
	}

	if _, err := m.messages.Append(ctx, msg); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrDurableWrite, err)
		return failAck(wrapped), wrapped
	}

	if err := m.conversations.TouchLastMessage(ctx, msg.ConversationID, &model.LastMessage{
		MessageID:  msg.MessageID,
		Ciphertext: msg.CiphertextForRecipient,
		Nonce:      msg.NonceForRecipient,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		SentAt:     msg.CreatedAt,
	}); err != nil {
		m.logger.Warn("last message preview not updated",
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err),
		)
	}

	ack := event.SendAck{
		Success:   true,
		MessageID: msg.MessageID,
		Timestamp: msg.CreatedAt.UnixMilli(),
	}
	ack.DeliveredTo = m.broadcast(msg)
	return ack, nil
}

// broadcast emits on the realtime path and returns the best-effort
// DeliveredTo hint. Any failure here is logged and swallowed.
func (m *Messenger) broadcast(msg *model.Message) []string {
	if m.broadcaster == nil || !m.broadcaster.Connected() {
		return nil
	}

	ev := event.NewWsEvent(event.EventServerMessage, msg.ConversationID, msg.MessageID, event.FromModel(msg))

	if err := m.broadcaster.EmitToRoom(msg.ConversationID, ev); err != nil {
		m.logger.Warn("conversation room emit failed",
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(fmt.Errorf("%w: %v", ErrTransportEmit, err)),
		)
	}

	peer, ok := convid.Peer(msg.ConversationID, msg.SenderID)
	if !ok {
		return nil
	}

	// The peer may join the room between the occupancy lookup and the
	// broadcast; the inbox copy closes that race. Duplicates are
	// dropped by id on the receiving side.
	if m.broadcaster.Occupancy(msg.ConversationID) <= 1 {
		if err := m.broadcaster.EmitToUser(peer, ev); err != nil {
			m.logger.Warn("inbox emit failed",
				zap.String("peer", peer),
				zap.Error(fmt.Errorf("%w: %v", ErrTransportEmit, err)),
			)
		}
	}

	if m.presence != nil && m.presence.IsOnline(peer) {
		return []string{peer}
	}
	return nil
}

func failAck(err error) event.SendAck {
	return event.SendAck{Success: false, Error: err.Error()}
}

// StoreOnly is the fallback-mode broadcaster used when the realtime
// channel cannot be established: sends go straight to the log and
// recipients rely on the live subscription.
func StoreOnly() Broadcaster {
	return storeOnly{}
}

type storeOnly struct{}

func (storeOnly) EmitToRoom(string, event.WsEvent) error { return nil }
func (storeOnly) EmitToUser(string, event.WsEvent) error { return nil }
func (storeOnly) Occupancy(string) int                   { return 0 }
func (storeOnly) Connected() bool                        { return false }
