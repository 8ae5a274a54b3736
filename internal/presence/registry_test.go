package presence

import (
	"context"
	"testing"
	"time"
)

type recordedTouch struct {
	userID string
	at     time.Time
}

type fakeRecorder struct {
	touches []recordedTouch
}

func (f *fakeRecorder) Touch(_ context.Context, userID string, at time.Time) {
	f.touches = append(f.touches, recordedTouch{userID: userID, at: at})
}

func TestMultiSessionPresence(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)

	r.AddSession(ctx, "alice", "s1")
	r.AddSession(ctx, "alice", "s2")

	if !r.IsOnline("alice") {
		t.Fatal("alice should be online with two sessions")
	}

	r.RemoveSession(ctx, "alice", "s1")
	if !r.IsOnline("alice") {
		t.Fatal("alice should remain online until the last session disconnects")
	}

	r.RemoveSession(ctx, "alice", "s2")
	if r.IsOnline("alice") {
		t.Fatal("alice should be offline after the last session disconnects")
	}
}

func TestLastSeenRecordedOnFinalDisconnect(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	r := NewRegistry(rec)

	r.AddSession(ctx, "bob", "s1")
	r.AddSession(ctx, "bob", "s2")

	r.RemoveSession(ctx, "bob", "s1")
	if len(rec.touches) != 0 {
		t.Fatal("last-seen recorded before final disconnect")
	}

	r.RemoveSession(ctx, "bob", "s2")
	if len(rec.touches) != 1 || rec.touches[0].userID != "bob" {
		t.Fatalf("expected one last-seen touch for bob, got %v", rec.touches)
	}
}

func TestRemoveUnknownSessionIsNoop(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	r := NewRegistry(rec)

	r.RemoveSession(ctx, "ghost", "s1")
	if len(rec.touches) != 0 {
		t.Fatal("removing an unknown session should not record last-seen")
	}
}

func TestSessionsAndSnapshot(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)

	r.AddSession(ctx, "alice", "s1")
	r.AddSession(ctx, "bob", "s2")
	r.AddSession(ctx, "bob", "s3")

	if got := len(r.Sessions("bob")); got != 2 {
		t.Fatalf("Sessions(bob) = %d, want 2", got)
	}
	if got := r.Sessions("nobody"); got != nil {
		t.Fatalf("Sessions(nobody) = %v, want nil", got)
	}

	snap := r.Snapshot()
	if len(snap) != 2 || len(snap["bob"]) != 2 || len(snap["alice"]) != 1 {
		t.Fatalf("unexpected snapshot: %v", snap)
	}
}
