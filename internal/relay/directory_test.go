package relay

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestSessionDirectory_InsertGetRemove(t *testing.T) {
	dir := NewSessionDirectory(time.Minute)
	sid := SessionId{Tag: 20, Peer: peer.ID("p")}
	sess := newSession(sid, DirectPath(), nil, &recordingSender{})

	if !dir.Insert(sess) {
		t.Fatal("expected first insert to succeed")
	}
	if dir.Insert(sess) {
		t.Fatal("expected duplicate insert to fail")
	}
	if !dir.Has(sid) {
		t.Fatal("expected sid present")
	}
	got, ok := dir.Get(sid)
	if !ok || got != sess {
		t.Fatalf("Get returned %+v, %v; want the inserted session", got, ok)
	}
	if dir.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", dir.Len())
	}

	dir.Remove(sid)
	if dir.Has(sid) {
		t.Fatal("expected sid absent after remove")
	}
	select {
	case _, ok := <-sess.Inbound():
		if ok {
			t.Fatal("expected inbound channel closed on removal")
		}
	case <-time.After(time.Second):
		t.Fatal("inbound channel never closed on removal")
	}
}

func TestSessionDirectory_EvictsOnIdleTTL(t *testing.T) {
	dir := NewSessionDirectory(30 * time.Millisecond)
	sid := SessionId{Tag: 20, Peer: peer.ID("p")}
	sess := newSession(sid, DirectPath(), nil, &recordingSender{})
	dir.Insert(sess)

	deadline := time.Now().Add(2 * time.Second)
	for dir.Has(sid) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if dir.Has(sid) {
		t.Fatal("expected session evicted after idle TTL elapsed")
	}

	select {
	case _, ok := <-sess.Inbound():
		if ok {
			t.Fatal("expected inbound channel closed on eviction")
		}
	case <-time.After(time.Second):
		t.Fatal("inbound channel never closed on eviction")
	}
}

func TestSessionDirectory_GetRefreshesIdleTimer(t *testing.T) {
	dir := NewSessionDirectory(150 * time.Millisecond)
	sid := SessionId{Tag: 20, Peer: peer.ID("p")}
	sess := newSession(sid, DirectPath(), nil, &recordingSender{})
	dir.Insert(sess)

	// Repeatedly touch the entry faster than its TTL; it should survive
	// longer than a single TTL window.
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, ok := dir.Get(sid); !ok {
			t.Fatal("session evicted despite being kept active")
		}
		time.Sleep(40 * time.Millisecond)
	}
}

func TestSessionDirectory_RemoveUnknownIsNoop(t *testing.T) {
	dir := NewSessionDirectory(time.Minute)
	dir.Remove(SessionId{Tag: 20, Peer: peer.ID("ghost")})
}
