package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"whisperwire/internal/crypto"
	"whisperwire/internal/db"
	"whisperwire/internal/event"
	"whisperwire/internal/keydir"
	"whisperwire/internal/model"
	"whisperwire/internal/presence"

	"go.uber.org/zap"
)

type fakeKeys struct {
	keys     map[string]crypto.PublicKey
	preKeys  map[string][]model.PreKey
	consumed []string
}

func (f *fakeKeys) GetPublicKey(_ context.Context, userID string) (crypto.PublicKey, error) {
	pub, ok := f.keys[userID]
	if !ok {
		return crypto.PublicKey{}, keydir.ErrKeyNotFound
	}
	return pub, nil
}

func (f *fakeKeys) ConsumePreKey(_ context.Context, userID string) (model.PreKey, bool) {
	pks := f.preKeys[userID]
	if len(pks) == 0 {
		return model.PreKey{}, false
	}
	pk := pks[0]
	f.preKeys[userID] = pks[1:]
	f.consumed = append(f.consumed, pk.KeyID)
	return pk, true
}

type fakeLog struct {
	appended  []*model.Message
	appendErr error
}

func (f *fakeLog) Append(_ context.Context, msg *model.Message) (string, error) {
	if f.appendErr != nil {
		return "", f.appendErr
	}
	cp := *msg
	f.appended = append(f.appended, &cp)
	return msg.MessageID, nil
}

func (f *fakeLog) History(context.Context, string, int64) (*db.PaginatedResult[model.Message], error) {
	return &db.PaginatedResult[model.Message]{}, nil
}

func (f *fakeLog) AddDeliveredTo(context.Context, string, string) error { return nil }

func (f *fakeLog) MarkRead(context.Context, string, []string, string) error { return nil }

func (f *fakeLog) Stream(context.Context, string) (<-chan model.Message, error) {
	ch := make(chan model.Message)
	close(ch)
	return ch, nil
}

type fakeConversations struct {
	ensured []string
	touched []string
}

func (f *fakeConversations) Ensure(_ context.Context, id string) (*model.Conversation, error) {
	f.ensured = append(f.ensured, id)
	return &model.Conversation{ID: id}, nil
}

func (f *fakeConversations) Get(context.Context, string) (*model.Conversation, error) {
	return nil, nil
}

func (f *fakeConversations) ListForUser(context.Context, string) ([]model.Conversation, error) {
	return nil, nil
}

func (f *fakeConversations) TouchLastMessage(_ context.Context, id string, _ *model.LastMessage) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeConversations) Deactivate(context.Context, string) error { return nil }

type fakeBroadcaster struct {
	connected bool
	occupancy int
	roomEmits []event.WsEvent
	userEmits map[string][]event.WsEvent
	roomErr   error
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{connected: true, userEmits: make(map[string][]event.WsEvent)}
}

func (f *fakeBroadcaster) EmitToRoom(roomID string, ev event.WsEvent) error {
	if f.roomErr != nil {
		return f.roomErr
	}
	f.roomEmits = append(f.roomEmits, ev)
	return nil
}

func (f *fakeBroadcaster) EmitToUser(userID string, ev event.WsEvent) error {
	f.userEmits[userID] = append(f.userEmits[userID], ev)
	return nil
}

func (f *fakeBroadcaster) Occupancy(string) int { return f.occupancy }

func (f *fakeBroadcaster) Connected() bool { return f.connected }

type harness struct {
	messenger     *Messenger
	keys          *fakeKeys
	log           *fakeLog
	conversations *fakeConversations
	broadcaster   *fakeBroadcaster
	presence      presence.Registry
	alice         *crypto.KeyPair
	bob           *crypto.KeyPair
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	alice, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		keys: &fakeKeys{
			keys:    map[string]crypto.PublicKey{"alice": alice.Public, "bob": bob.Public},
			preKeys: map[string][]model.PreKey{},
		},
		log:           &fakeLog{},
		conversations: &fakeConversations{},
		broadcaster:   newFakeBroadcaster(),
		presence:      presence.NewRegistry(nil),
		alice:         alice,
		bob:           bob,
	}
	h.messenger = NewMessenger(h.keys, h.log, h.conversations, h.broadcaster, h.presence, zap.NewNop())
	return h
}

func (h *harness) sendRequest() SendRequest {
	return SendRequest{
		ConversationID: "direct_bob_alice",
		SenderID:       "alice",
		SenderName:     "Alice",
		SenderKeys:     h.alice,
		Plaintext:      []byte("hello"),
	}
}

func TestSendFailsFastWithoutPeerKey(t *testing.T) {
	h := newHarness(t)
	delete(h.keys.keys, "bob")

	ack, err := h.messenger.Send(context.Background(), h.sendRequest())
	if !errors.Is(err, keydir.ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
	if ack.Success {
		t.Fatal("ack should not be successful")
	}
	if len(h.log.appended) != 0 {
		t.Fatal("nothing may be written before the key lookup succeeds")
	}
}

func TestSendAppendsCanonicalMessage(t *testing.T) {
	h := newHarness(t)

	ack, err := h.messenger.Send(context.Background(), h.sendRequest())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !ack.Success || ack.MessageID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	if len(h.log.appended) != 1 {
		t.Fatalf("appended = %d, want 1", len(h.log.appended))
	}
	msg := h.log.appended[0]
	if msg.ConversationID != "direct_alice_bob" {
		t.Fatalf("conversation id = %q, want canonical direct_alice_bob", msg.ConversationID)
	}

	// Both reader roles can open their copy.
	ctRec, _ := base64.StdEncoding.DecodeString(msg.CiphertextForRecipient)
	nRec, _ := base64.StdEncoding.DecodeString(msg.NonceForRecipient)
	plain, err := crypto.Decrypt(crypto.Envelope{Ciphertext: ctRec, Nonce: nRec}, h.bob.Private, h.alice.Public)
	if err != nil || string(plain) != "hello" {
		t.Fatalf("recipient decrypt: %q, %v", plain, err)
	}

	ctSnd, _ := base64.StdEncoding.DecodeString(msg.CiphertextForSender)
	nSnd, _ := base64.StdEncoding.DecodeString(msg.NonceForSender)
	plain, err = crypto.Decrypt(crypto.Envelope{Ciphertext: ctSnd, Nonce: nSnd}, h.alice.Private, h.alice.Public)
	if err != nil || string(plain) != "hello" {
		t.Fatalf("sender decrypt: %q, %v", plain, err)
	}
}

func TestSendLeavesPreKeysUntouched(t *testing.T) {
	h := newHarness(t)
	h.keys.preKeys["bob"] = []model.PreKey{
		{KeyID: "pk-1", PublicKey: h.bob.Public.Encode()},
		{KeyID: "pk-2", PublicKey: h.bob.Public.Encode()},
	}

	for i := 0; i < 3; i++ {
		if _, err := h.messenger.Send(context.Background(), h.sendRequest()); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	// Prekeys belong to session bootstrap; a send must not burn them.
	if len(h.keys.consumed) != 0 {
		t.Fatalf("consumed prekeys %v, want none", h.keys.consumed)
	}
	if len(h.keys.preKeys["bob"]) != 2 {
		t.Fatalf("peer prekey pool = %d, want 2 untouched", len(h.keys.preKeys["bob"]))
	}
}

func TestSendFailsWhenDurableWriteFails(t *testing.T) {
	h := newHarness(t)
	h.log.appendErr = errors.New("mongo down")

	ack, err := h.messenger.Send(context.Background(), h.sendRequest())
	if !errors.Is(err, ErrDurableWrite) {
		t.Fatalf("err = %v, want ErrDurableWrite", err)
	}
	if ack.Success {
		t.Fatal("ack should not be successful")
	}
	if len(h.broadcaster.roomEmits) != 0 {
		t.Fatal("nothing should be broadcast when the durable write fails")
	}
}

func TestEmitFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.broadcaster.roomErr = errors.New("room gone")

	ack, err := h.messenger.Send(context.Background(), h.sendRequest())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !ack.Success {
		t.Fatal("realtime emit failure must not fail the send")
	}
	if len(h.log.appended) != 1 {
		t.Fatal("message must still be appended")
	}
}

func TestInboxFallbackWhenPeerAbsentFromRoom(t *testing.T) {
	h := newHarness(t)
	h.broadcaster.occupancy = 1

	if _, err := h.messenger.Send(context.Background(), h.sendRequest()); err != nil {
		t.Fatal(err)
	}
	if len(h.broadcaster.userEmits["bob"]) != 1 {
		t.Fatal("expected an inbox emit to the peer")
	}

	h.broadcaster.occupancy = 2
	h.broadcaster.userEmits = map[string][]event.WsEvent{}
	if _, err := h.messenger.Send(context.Background(), h.sendRequest()); err != nil {
		t.Fatal(err)
	}
	if len(h.broadcaster.userEmits["bob"]) != 0 {
		t.Fatal("no inbox emit expected when the peer is in the room")
	}
}

func TestDeliveredToHintTracksPresence(t *testing.T) {
	h := newHarness(t)

	ack, err := h.messenger.Send(context.Background(), h.sendRequest())
	if err != nil {
		t.Fatal(err)
	}
	if len(ack.DeliveredTo) != 0 {
		t.Fatal("offline peer must not appear in DeliveredTo")
	}

	h.presence.AddSession(context.Background(), "bob", "s1")
	ack, err = h.messenger.Send(context.Background(), h.sendRequest())
	if err != nil {
		t.Fatal(err)
	}
	if len(ack.DeliveredTo) != 1 || ack.DeliveredTo[0] != "bob" {
		t.Fatalf("DeliveredTo = %v, want [bob]", ack.DeliveredTo)
	}
}

func TestStoreOnlyFallback(t *testing.T) {
	h := newHarness(t)
	h.messenger = NewMessenger(h.keys, h.log, h.conversations, StoreOnly(), h.presence, zap.NewNop())

	ack, err := h.messenger.Send(context.Background(), h.sendRequest())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !ack.Success {
		t.Fatal("store-only send must succeed")
	}
	if len(ack.DeliveredTo) != 0 {
		t.Fatal("store-only mode cannot report live delivery")
	}
	if len(h.log.appended) != 1 {
		t.Fatal("message must be appended in store-only mode")
	}
}

func TestDeliverForcesVerifiedSender(t *testing.T) {
	h := newHarness(t)

	payload, _ := json.Marshal(model.Message{
		ConversationID:         "direct_bob_alice",
		SenderID:               "mallory", // spoofed; connection identity wins
		CiphertextForRecipient: "Y3Q=",
		NonceForRecipient:      "bm9uY2U=",
		CiphertextForSender:    "Y3Q=",
		NonceForSender:         "bm9uY2U=",
	})

	ack := h.messenger.Deliver(context.Background(), payload, "alice")
	if !ack.Success {
		t.Fatalf("Deliver failed: %+v", ack)
	}
	if h.log.appended[0].SenderID != "alice" {
		t.Fatalf("sender = %q, want verified connection identity", h.log.appended[0].SenderID)
	}
	if h.log.appended[0].ConversationID != "direct_alice_bob" {
		t.Fatal("conversation id not canonicalized on delivery")
	}
}

func TestDeliverRejectsNonParticipant(t *testing.T) {
	h := newHarness(t)

	payload, _ := json.Marshal(model.Message{ConversationID: "direct_bob_alice"})
	ack := h.messenger.Deliver(context.Background(), payload, "carol")
	if ack.Success {
		t.Fatal("non-participant delivery must fail")
	}
	if len(h.log.appended) != 0 {
		t.Fatal("nothing may be appended for a non-participant")
	}
}
