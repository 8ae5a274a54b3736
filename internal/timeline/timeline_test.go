package timeline

import (
	"encoding/base64"
	"testing"
	"time"

	"whisperwire/internal/crypto"
	"whisperwire/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type harness struct {
	t        *testing.T
	tl       *Timeline
	alice    *crypto.KeyPair
	bob      *crypto.KeyPair
	clock    time.Time
	sequence int
}

// newHarness builds a timeline viewed by alice in her conversation
// with bob, with a controllable clock.
func newHarness(t *testing.T) *harness {
	t.Helper()

	alice, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate alice keys: %v", err)
	}
	bob, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate bob keys: %v", err)
	}

	h := &harness{
		t:     t,
		alice: alice,
		bob:   bob,
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.tl = New("direct_bob_alice", "alice", alice, bob.Public, zap.NewNop())
	h.tl.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

// fromBob builds a confirmed message authored by bob, readable by
// alice through the recipient-role ciphertext.
func (h *harness) fromBob(text string) model.Message {
	h.t.Helper()
	return h.confirmed("bob", h.bob, h.alice.Public, text)
}

// fromAlice builds the confirmed form of a message alice sent, the
// shape the durable log hands back after a send round trip.
func (h *harness) fromAlice(text string) model.Message {
	h.t.Helper()
	return h.confirmed("alice", h.alice, h.bob.Public, text)
}

func (h *harness) confirmed(senderID string, sender *crypto.KeyPair, recipientPub crypto.PublicKey, text string) model.Message {
	h.t.Helper()

	forRecipient, forSender, err := crypto.DualEncrypt([]byte(text), sender, recipientPub)
	if err != nil {
		h.t.Fatalf("dual encrypt: %v", err)
	}
	h.sequence++
	return model.Message{
		MessageID:              uuid.New().String(),
		ConversationID:         "direct_alice_bob",
		SenderID:               senderID,
		Type:                   model.MessageTypeText,
		CiphertextForRecipient: base64.StdEncoding.EncodeToString(forRecipient.Ciphertext),
		NonceForRecipient:      base64.StdEncoding.EncodeToString(forRecipient.Nonce),
		CiphertextForSender:    base64.StdEncoding.EncodeToString(forSender.Ciphertext),
		NonceForSender:         base64.StdEncoding.EncodeToString(forSender.Nonce),
		CreatedAt:              h.clock.Add(time.Duration(h.sequence) * time.Millisecond),
	}
}

func texts(rows []RenderedMessage) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Text
	}
	return out
}

func TestSnapshotPreservesLogOrder(t *testing.T) {
	h := newHarness(t)

	h.tl.BeginLoad()
	if got := h.tl.State(); got != StateLoading {
		t.Fatalf("state after BeginLoad = %v, want StateLoading", got)
	}

	h.tl.ApplySnapshot([]model.Message{
		h.fromBob("first"),
		h.fromAlice("second"),
		h.fromBob("third"),
	})

	if got := h.tl.State(); got != StateSynced {
		t.Fatalf("state after snapshot = %v, want StateSynced", got)
	}
	got := texts(h.tl.Render())
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("rendered %d rows, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSnapshotReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)

	snap := []model.Message{h.fromBob("hello"), h.fromAlice("hi")}
	h.tl.ApplySnapshot(snap)
	h.tl.ApplySnapshot(snap)

	if rows := h.tl.Render(); len(rows) != 2 {
		t.Fatalf("rendered %d rows after replay, want 2", len(rows))
	}
}

func TestSnapshotReplayRefreshesReceipts(t *testing.T) {
	h := newHarness(t)

	msg := h.fromAlice("ping")
	h.tl.ApplyLog(msg)

	msg.DeliveredTo = []string{"bob"}
	msg.ReadBy = []string{"bob"}
	h.tl.ApplyLog(msg)

	rows := h.tl.Render()
	if len(rows) != 1 {
		t.Fatalf("rendered %d rows, want 1", len(rows))
	}
	if len(rows[0].ReadBy) != 1 || rows[0].ReadBy[0] != "bob" {
		t.Fatalf("ReadBy = %v, want [bob]", rows[0].ReadBy)
	}
}

func TestRealtimeThenLogDeliversOnce(t *testing.T) {
	h := newHarness(t)
	h.tl.ApplySnapshot(nil)

	msg := h.fromBob("only once")
	h.tl.ApplyRealtime(msg)
	h.tl.ApplyLog(msg)

	rows := h.tl.Render()
	if len(rows) != 1 {
		t.Fatalf("rendered %d rows, want 1", len(rows))
	}
	if rows[0].Text != "only once" {
		t.Fatalf("text = %q", rows[0].Text)
	}
}

func TestRealtimeSuppressesOwnEcho(t *testing.T) {
	h := newHarness(t)
	h.tl.ApplySnapshot(nil)

	h.tl.ApplyRealtime(h.fromAlice("my own broadcast"))

	if rows := h.tl.Render(); len(rows) != 0 {
		t.Fatalf("rendered %d rows, want 0", len(rows))
	}
}

func TestRealtimeOutrunningLogKeepsLogOrder(t *testing.T) {
	h := newHarness(t)
	h.tl.ApplySnapshot(nil)

	first := h.fromBob("first by log order")
	second := h.fromBob("second by log order")

	// The broadcast of the second message beats the log feed.
	h.tl.ApplyRealtime(second)
	h.tl.ApplyLog(first)
	h.tl.ApplyLog(second)

	got := texts(h.tl.Render())
	want := []string{"first by log order", "second by log order"}
	if len(got) != len(want) {
		t.Fatalf("rendered %d rows, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLateLogPageSortsIntoPlace(t *testing.T) {
	h := newHarness(t)

	first := h.fromBob("one")
	second := h.fromAlice("two")
	third := h.fromBob("three")

	h.tl.ApplySnapshot([]model.Message{first, third})
	h.tl.ApplyLog(second)

	got := texts(h.tl.Render())
	want := []string{"one", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPendingResolvedInPlaceByLog(t *testing.T) {
	h := newHarness(t)
	h.tl.ApplySnapshot([]model.Message{h.fromBob("before")})

	h.tl.BeginSend("optimistic")
	if got := h.tl.State(); got != StatePendingLocalEcho {
		t.Fatalf("state after BeginSend = %v, want StatePendingLocalEcho", got)
	}

	// A later message from bob lands while the send is in flight.
	h.tl.ApplyLog(h.fromBob("after"))

	confirmed := h.fromAlice("optimistic")
	h.tl.ApplyLog(confirmed)

	if got := h.tl.State(); got != StateSynced {
		t.Fatalf("state after resolution = %v, want StateSynced", got)
	}

	rows := h.tl.Render()
	want := []string{"before", "optimistic", "after"}
	got := texts(rows)
	if len(got) != len(want) {
		t.Fatalf("rendered %d rows, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d = %q, want %q (in-place resolution lost position)", i, got[i], want[i])
		}
	}
	if rows[1].Pending {
		t.Fatal("resolved row still marked pending")
	}
	if rows[1].ID != confirmed.MessageID {
		t.Fatalf("resolved row id = %q, want confirmed id %q", rows[1].ID, confirmed.MessageID)
	}
}

func TestPendingWithDifferentContentNotMatched(t *testing.T) {
	h := newHarness(t)
	h.tl.ApplySnapshot(nil)

	h.tl.BeginSend("draft one")
	h.tl.ApplyLog(h.fromAlice("draft two"))

	rows := h.tl.Render()
	if len(rows) != 2 {
		t.Fatalf("rendered %d rows, want 2", len(rows))
	}
	if got := h.tl.State(); got != StatePendingLocalEcho {
		t.Fatalf("state = %v, want StatePendingLocalEcho", got)
	}
}

func TestPendingOutsideTimestampWindowNotMatched(t *testing.T) {
	h := newHarness(t)
	h.tl.ApplySnapshot(nil)

	h.tl.BeginSend("slow")
	h.advance(2 * DefaultPendingWindow)
	h.tl.ApplyLog(h.fromAlice("slow"))

	if rows := h.tl.Render(); len(rows) != 2 {
		t.Fatalf("rendered %d rows, want 2 (stale echo must not claim new message)", len(rows))
	}
}

func TestUnresolvedPendingRendersAtNewestEnd(t *testing.T) {
	h := newHarness(t)
	h.tl.ApplySnapshot([]model.Message{h.fromBob("old")})

	h.tl.BeginSend("in flight")
	h.tl.ApplyLog(h.fromBob("newer confirmed"))

	got := texts(h.tl.Render())
	want := []string{"old", "newer confirmed", "in flight"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExpirePendingRollsBack(t *testing.T) {
	h := newHarness(t)
	h.tl.ApplySnapshot(nil)

	p := h.tl.BeginSend("never confirmed")
	h.advance(DefaultPendingWindow + time.Second)

	expired := h.tl.ExpirePending()
	if len(expired) != 1 || expired[0] != p.TempID {
		t.Fatalf("expired = %v, want [%s]", expired, p.TempID)
	}

	rows := h.tl.Render()
	if len(rows) != 1 || !rows[0].Failed {
		t.Fatalf("expired echo should render failed, got %+v", rows)
	}
	if got := h.tl.State(); got != StateSynced {
		t.Fatalf("state after expiry = %v, want StateSynced", got)
	}
}

func TestFailSendOffersRetryThenDiscard(t *testing.T) {
	h := newHarness(t)
	h.tl.ApplySnapshot(nil)

	p := h.tl.BeginSend("doomed")
	h.tl.FailSend(p.TempID)

	rows := h.tl.Render()
	if len(rows) != 1 || !rows[0].Failed || !rows[0].Pending {
		t.Fatalf("failed echo should render pending+failed, got %+v", rows)
	}

	h.tl.DiscardPending(p.TempID)
	if rows := h.tl.Render(); len(rows) != 0 {
		t.Fatalf("rendered %d rows after discard, want 0", len(rows))
	}
}

func TestUndecodableMessageRendersPlaceholder(t *testing.T) {
	h := newHarness(t)

	good := h.fromBob("readable")
	bad := h.fromBob("corrupted")
	bad.CiphertextForRecipient = base64.StdEncoding.EncodeToString([]byte("garbage"))

	h.tl.ApplySnapshot([]model.Message{good, bad})

	rows := h.tl.Render()
	if len(rows) != 2 {
		t.Fatalf("rendered %d rows, want 2", len(rows))
	}
	if rows[0].Text != "readable" || rows[0].Undecodable {
		t.Fatalf("sibling message affected by decrypt failure: %+v", rows[0])
	}
	if rows[1].Text != DecryptPlaceholder || !rows[1].Undecodable {
		t.Fatalf("bad message should render placeholder, got %+v", rows[1])
	}
}

func TestOwnConfirmedMessageDecryptsViaSenderRole(t *testing.T) {
	h := newHarness(t)

	h.tl.ApplySnapshot([]model.Message{h.fromAlice("sent by me")})

	rows := h.tl.Render()
	if len(rows) != 1 || rows[0].Text != "sent by me" {
		t.Fatalf("own message did not decrypt: %+v", rows)
	}
}
