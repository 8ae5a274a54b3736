// Package timeline reconciles one conversation's view on the reading
// device. Two feeds can deliver the same logical message - the durable
// log subscription and the realtime broadcast - and a just-sent message
// additionally exists as an optimistic local echo. The timeline merges
// all three without duplicates and without reordering the
// log-authoritative history.
package timeline

import (
	"encoding/base64"
	"sync"
	"time"

	"whisperwire/internal/convid"
	"whisperwire/internal/crypto"
	"whisperwire/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the per-conversation sync state machine.
type State int

const (
	StateEmpty State = iota
	StateLoading
	StateSynced
	StatePendingLocalEcho
)

// DecryptPlaceholder is rendered for a message whose envelope fails to
// open. It replaces the body only; sibling messages are unaffected.
const DecryptPlaceholder = "[message could not be decrypted]"

// DefaultPendingWindow bounds both the (senderId, timestamp, content)
// merge match and the optimistic echo's lifetime.
const DefaultPendingWindow = 30 * time.Second

// PendingLocalMessage is the optimistic echo of a dispatched send. It
// exists only until a matching confirmed message supersedes it or the
// send fails.
type PendingLocalMessage struct {
	TempID         string
	ConversationID string
	Plaintext      string
	CreatedAt      time.Time
	Failed         bool
}

type entry struct {
	pending *PendingLocalMessage
	message *model.Message
}

// RenderedMessage is one row of the conversation view. Decryption
// happens lazily at render time against the viewer's role.
type RenderedMessage struct {
	ID          string
	SenderID    string
	Text        string
	Pending     bool
	Failed      bool
	Undecodable bool
	SentAt      time.Time
	DeliveredTo []string
	ReadBy      []string
}

// Timeline is not safe for concurrent mutation from the caller's side
// of the API; an internal mutex guards against the two feeds racing.
type Timeline struct {
	mu sync.Mutex

	conversationID string
	viewerID       string
	keys           *crypto.KeyPair
	peerPub        crypto.PublicKey

	state   State
	entries []*entry
	index   map[string]*entry

	pendingWindow time.Duration
	now           func() time.Time
	plaintexts    map[string]string
	logger        *zap.Logger
}

func New(conversationID, viewerID string, keys *crypto.KeyPair, peerPub crypto.PublicKey, logger *zap.Logger) *Timeline {
	return &Timeline{
		conversationID: convid.Normalize(conversationID),
		viewerID:       viewerID,
		keys:           keys,
		peerPub:        peerPub,
		state:          StateEmpty,
		index:          make(map[string]*entry),
		pendingWindow:  DefaultPendingWindow,
		now:            time.Now,
		plaintexts:     make(map[string]string),
		logger:         logger,
	}
}

func (t *Timeline) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// BeginLoad marks the initial history fetch as in flight.
func (t *Timeline) BeginLoad() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateEmpty {
		t.state = StateLoading
	}
}

// ApplySnapshot merges a full log page. Replaying the same snapshot is
// idempotent: already-known ids only refresh their receipt sets.
func (t *Timeline) ApplySnapshot(msgs []model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range msgs {
		t.applyLogLocked(msgs[i])
	}
	t.settleStateLocked()
}

// ApplyLog merges one message from the durable-log feed. Log arrival
// order is authoritative and is preserved as list order.
func (t *Timeline) ApplyLog(msg model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyLogLocked(msg)
	t.settleStateLocked()
}

// ApplyRealtime merges one message from the broadcast feed. The
// viewer's own echo is suppressed: the sender already renders its
// optimistic copy and cannot open the recipient-role ciphertext anyway.
// A duplicate of an id the log already delivered is dropped.
func (t *Timeline) ApplyRealtime(msg model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.SenderID == t.viewerID {
		return
	}
	if _, known := t.index[msg.MessageID]; known {
		return
	}
	t.insertLocked(msg)
}

// BeginSend materializes the optimistic echo before any round trip
// completes. Once dispatched a send cannot be cancelled, only fail.
func (t *Timeline) BeginSend(plaintext string) *PendingLocalMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &PendingLocalMessage{
		TempID:         uuid.New().String(),
		ConversationID: t.conversationID,
		Plaintext:      plaintext,
		CreatedAt:      t.now(),
	}
	t.entries = append(t.entries, &entry{pending: p})
	t.state = StatePendingLocalEcho
	return p
}

// FailSend marks a pending echo as failed so the view can offer a
// retry tied to that specific message.
func (t *Timeline) FailSend(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.pending != nil && e.pending.TempID == tempID {
			e.pending.Failed = true
			break
		}
	}
	t.settleStateLocked()
}

// DiscardPending drops a failed echo after the user declines retry.
func (t *Timeline) DiscardPending(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if e.pending != nil && e.pending.TempID == tempID {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	t.settleStateLocked()
}

// ExpirePending rolls back optimistic echoes that saw no confirmation
// within the window. Returns the temp ids that were rolled back.
func (t *Timeline) ExpirePending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.pendingWindow)
	var expired []string
	for _, e := range t.entries {
		if e.pending != nil && !e.pending.Failed && e.pending.CreatedAt.Before(cutoff) {
			e.pending.Failed = true
			expired = append(expired, e.pending.TempID)
		}
	}
	t.settleStateLocked()
	return expired
}

// Render produces the view. Confirmed rows keep log order; unresolved
// echoes always render at the newest end. Decryption happens here,
// per row, and a failure yields a placeholder row rather than an error.
func (t *Timeline) Render() []RenderedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]RenderedMessage, 0, len(t.entries))
	for _, e := range t.entries {
		if e.message != nil {
			out = append(out, t.renderMessageLocked(e.message))
		}
	}
	for _, e := range t.entries {
		if e.pending != nil {
			out = append(out, RenderedMessage{
				ID:       e.pending.TempID,
				SenderID: t.viewerID,
				Text:     e.pending.Plaintext,
				Pending:  true,
				Failed:   e.pending.Failed,
				SentAt:   e.pending.CreatedAt,
			})
		}
	}
	return out
}

func (t *Timeline) applyLogLocked(msg model.Message) {
	if e, known := t.index[msg.MessageID]; known {
		// Receipts are append-only; refresh them, ciphertexts are
		// immutable so nothing else can change.
		e.message.DeliveredTo = msg.DeliveredTo
		e.message.ReadBy = msg.ReadBy
		return
	}

	if msg.SenderID == t.viewerID && t.resolvePendingLocked(msg) {
		return
	}

	t.insertLocked(msg)
}

// resolvePendingLocked replaces a matching optimistic echo in place,
// preserving its list position to avoid flicker and reorder.
func (t *Timeline) resolvePendingLocked(msg model.Message) bool {
	text, err := t.decrypt(&msg)
	if err != nil {
		return false
	}

	for _, e := range t.entries {
		if e.pending == nil || e.pending.Failed {
			continue
		}
		if e.pending.Plaintext != text {
			continue
		}
		delta := msg.CreatedAt.Sub(e.pending.CreatedAt)
		if delta < -t.pendingWindow || delta > t.pendingWindow {
			continue
		}

		m := msg
		e.pending = nil
		e.message = &m
		t.index[msg.MessageID] = e
		return true
	}
	return false
}

// insertLocked places a confirmed message by its server-assigned
// timestamp relative to the other confirmed entries. A realtime
// message that outruns an earlier log message must not pin itself
// ahead of it once the log catches up.
func (t *Timeline) insertLocked(msg model.Message) {
	m := msg
	e := &entry{message: &m}
	t.index[msg.MessageID] = e

	at := len(t.entries)
	for i := len(t.entries) - 1; i >= 0; i-- {
		prev := t.entries[i]
		if prev.message == nil {
			continue
		}
		if !prev.message.CreatedAt.After(m.CreatedAt) {
			break
		}
		at = i
	}

	t.entries = append(t.entries, nil)
	copy(t.entries[at+1:], t.entries[at:])
	t.entries[at] = e
}

func (t *Timeline) settleStateLocked() {
	for _, e := range t.entries {
		if e.pending != nil && !e.pending.Failed {
			t.state = StatePendingLocalEcho
			return
		}
	}
	t.state = StateSynced
}

func (t *Timeline) renderMessageLocked(msg *model.Message) RenderedMessage {
	text, err := t.decrypt(msg)
	r := RenderedMessage{
		ID:          msg.MessageID,
		SenderID:    msg.SenderID,
		Text:        text,
		SentAt:      msg.CreatedAt,
		DeliveredTo: msg.DeliveredTo,
		ReadBy:      msg.ReadBy,
	}
	if err != nil {
		r.Text = DecryptPlaceholder
		r.Undecodable = true
		if t.logger != nil {
			t.logger.Debug("message rendered as placeholder",
				zap.String("message_id", msg.MessageID),
			)
		}
	}
	return r
}

// decrypt opens the ciphertext matching the viewer's role relative to
// the sender. The role is derived once, explicitly, and selects both
// the envelope fields and the DH peer key.
func (t *Timeline) decrypt(msg *model.Message) (string, error) {
	if cached, ok := t.plaintexts[msg.MessageID]; ok {
		return cached, nil
	}

	role := crypto.RoleRecipient
	if msg.SenderID == t.viewerID {
		role = crypto.RoleSender
	}

	var rawCT, rawNonce string
	var peer crypto.PublicKey
	switch role {
	case crypto.RoleSender:
		rawCT, rawNonce = msg.CiphertextForSender, msg.NonceForSender
		peer = t.keys.Public
	default:
		rawCT, rawNonce = msg.CiphertextForRecipient, msg.NonceForRecipient
		peer = t.peerPub
	}

	ct, err := base64.StdEncoding.DecodeString(rawCT)
	if err != nil {
		return "", crypto.ErrDecryption
	}
	nonce, err := base64.StdEncoding.DecodeString(rawNonce)
	if err != nil {
		return "", crypto.ErrDecryption
	}

	plain, err := crypto.Decrypt(crypto.Envelope{Ciphertext: ct, Nonce: nonce}, t.keys.Private, peer)
	if err != nil {
		return "", err
	}

	text := string(plain)
	t.plaintexts[msg.MessageID] = text
	return text, nil
}
