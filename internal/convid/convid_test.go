package convid

import "testing"

func TestNormalizeOrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"bob", "alice"},
		{"user42", "user7"},
		{"a", "z"},
	}
	for _, p := range pairs {
		forward := Normalize("direct_" + p[0] + "_" + p[1])
		reverse := Normalize("direct_" + p[1] + "_" + p[0])
		if forward != reverse {
			t.Errorf("Normalize not symmetric for %v: %q vs %q", p, forward, reverse)
		}
	}
}

func TestNormalizeCanonicalForm(t *testing.T) {
	got := Normalize("direct_bob_alice")
	want := "direct_alice_bob"
	if got != want {
		t.Fatalf("Normalize(direct_bob_alice) = %q, want %q", got, want)
	}
}

func TestNormalizePassthrough(t *testing.T) {
	cases := []string{
		"",
		"group_alice_bob",
		"direct_",
		"direct_alice",
		"direct__",
		"not-a-conversation",
	}
	for _, id := range cases {
		if got := Normalize(id); got != id {
			t.Errorf("Normalize(%q) = %q, want passthrough", id, got)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	id := Normalize("direct_zed_amy")
	if again := Normalize(id); again != id {
		t.Fatalf("Normalize not idempotent: %q -> %q", id, again)
	}
}

func TestExtractParticipants(t *testing.T) {
	a, b, ok := ExtractParticipants("direct_alice_bob")
	if !ok || a != "alice" || b != "bob" {
		t.Fatalf("ExtractParticipants = (%q, %q, %v)", a, b, ok)
	}
	if _, _, ok := ExtractParticipants("group_alice_bob"); ok {
		t.Fatal("expected ok=false for non-direct id")
	}
	if _, _, ok := ExtractParticipants("direct_alice"); ok {
		t.Fatal("expected ok=false for malformed id")
	}
}

func TestPeer(t *testing.T) {
	peer, ok := Peer("direct_alice_bob", "alice")
	if !ok || peer != "bob" {
		t.Fatalf("Peer = (%q, %v), want (bob, true)", peer, ok)
	}
	peer, ok = Peer("direct_alice_bob", "bob")
	if !ok || peer != "alice" {
		t.Fatalf("Peer = (%q, %v), want (alice, true)", peer, ok)
	}
	if _, ok := Peer("direct_alice_bob", "carol"); ok {
		t.Fatal("expected ok=false for non-participant")
	}
}
