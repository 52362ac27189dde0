package relay

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

func newTestDemux() (*TagDemultiplexer, chan ApplicationData, chan *Session) {
	output := make(chan ApplicationData, 16)
	incoming := make(chan *Session, 16)
	dir := NewSessionDirectory(time.Minute)
	return NewTagDemultiplexer(dir, &recordingSender{}, output, incoming), output, incoming
}

func TestDemux_SubprotocolRangeIsDropped(t *testing.T) {
	d, output, incoming := newTestDemux()
	d.Handle(peer.ID("p"), 5, true, []byte("x"))

	select {
	case v := <-output:
		t.Fatalf("expected no forward for reserved tag, got %+v", v)
	case s := <-incoming:
		t.Fatalf("expected no new session for reserved tag, got %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDemux_NoTagForwardsToOutput(t *testing.T) {
	d, output, _ := newTestDemux()
	d.Handle(peer.ID("p"), 0, false, []byte("raw"))

	select {
	case got := <-output:
		if got.HasTag || string(got.Payload) != "raw" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected forwarded packet")
	}
}

func TestDemux_FreeRangeForwardsToOutput(t *testing.T) {
	d, output, _ := newTestDemux()
	d.Handle(peer.ID("p"), 2000, true, []byte("raw"))

	select {
	case got := <-output:
		if !got.HasTag || got.Tag != 2000 || string(got.Payload) != "raw" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected forwarded packet")
	}
}

func TestDemux_SessionRange_OpensNewSession(t *testing.T) {
	d, _, incoming := newTestDemux()
	remote := peer.ID("remote")
	plaintext := encodeSessionPayload(remote, []byte("payload"))

	d.Handle(peer.ID("ignored-from"), 20, true, plaintext)

	select {
	case sess := <-incoming:
		if sess.Peer() != remote || sess.Tag() != 20 {
			t.Fatalf("session = %+v, want peer=%v tag=20", sess, remote)
		}
		select {
		case data := <-sess.Inbound():
			if string(data) != "payload" {
				t.Fatalf("inbound data = %q, want payload", data)
			}
		case <-time.After(time.Second):
			t.Fatal("expected initial data enqueued on new session")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a new session announced")
	}
}

func TestDemux_SessionRange_RoutesToExistingSession(t *testing.T) {
	d, _, incoming := newTestDemux()
	remote := peer.ID("remote")

	d.Handle(peer.ID("x"), 20, true, encodeSessionPayload(remote, []byte("first")))
	sess := <-incoming
	<-sess.Inbound() // drain "first"

	d.Handle(peer.ID("x"), 20, true, encodeSessionPayload(remote, []byte("second")))

	select {
	case s := <-incoming:
		t.Fatalf("unexpected second session announcement: %+v", s)
	case data := <-sess.Inbound():
		if string(data) != "second" {
			t.Fatalf("data = %q, want second", data)
		}
	case <-time.After(time.Second):
		t.Fatal("expected second packet routed to the existing session")
	}
}

func TestDemux_SessionRange_MalformedPayloadDropped(t *testing.T) {
	d, output, incoming := newTestDemux()
	d.Handle(peer.ID("x"), 20, true, nil)

	select {
	case v := <-output:
		t.Fatalf("unexpected forward: %+v", v)
	case s := <-incoming:
		t.Fatalf("unexpected session: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDemux_SessionRange_RefusedIncomingChannelDropped(t *testing.T) {
	output := make(chan ApplicationData, 1)
	incoming := make(chan *Session) // unbuffered and never read: always full
	dir := NewSessionDirectory(time.Minute)
	d := NewTagDemultiplexer(dir, &recordingSender{}, output, incoming)

	remote := peer.ID("remote")
	d.Handle(peer.ID("x"), 20, true, encodeSessionPayload(remote, []byte("data")))

	if dir.Has(SessionId{Tag: 20, Peer: remote}) {
		t.Fatal("a refused session must not be left registered in the directory")
	}
}

func TestDemux_OpenSession_AllocatesInReservedRange(t *testing.T) {
	d, _, _ := newTestDemux()
	remote := peer.ID("remote")

	sess, err := d.OpenSession(remote, DirectPath(), nil)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if sess.Tag() < ReservedSubprotocolTagUpperLimit || sess.Tag() >= ReservedSessionTagUpperLimit {
		t.Fatalf("tag %d outside [%d, %d)", sess.Tag(), ReservedSubprotocolTagUpperLimit, ReservedSessionTagUpperLimit)
	}
	if !d.dir.Has(SessionId{Tag: sess.Tag(), Peer: remote}) {
		t.Fatal("expected opened session registered in the directory")
	}
}

func TestDemux_RegisteredSubprotocolConsumesWithoutAbuse(t *testing.T) {
	d, output, incoming := newTestDemux()
	var gotFrom PeerId
	var gotPayload []byte
	d.RegisterSubprotocol(3, func(from PeerId, payload []byte) {
		gotFrom, gotPayload = from, payload
	})
	var abused bool
	d.SetOffenseReporters(nil, func(PeerId) { abused = true })

	d.Handle(peer.ID("proto-peer"), 3, true, []byte("frame"))

	if gotFrom != peer.ID("proto-peer") || string(gotPayload) != "frame" {
		t.Fatalf("subprotocol saw (%q, %q), want (proto-peer, frame)", gotFrom, gotPayload)
	}
	if abused {
		t.Fatal("a registered subprotocol tag must not count as abuse")
	}
	select {
	case v := <-output:
		t.Fatalf("subprotocol frame must not surface to applications, got %+v", v)
	case s := <-incoming:
		t.Fatalf("subprotocol frame must not open a session, got %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDemux_RegisterSubprotocol_RejectsNonReservedTag(t *testing.T) {
	d, _, _ := newTestDemux()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic registering a tag outside the reserved range")
		}
	}()
	d.RegisterSubprotocol(ReservedSubprotocolTagUpperLimit, func(PeerId, []byte) {})
}

func TestDemux_SubprotocolRangeReportsReservedAbuse(t *testing.T) {
	d, _, _ := newTestDemux()
	var reported PeerId
	d.SetOffenseReporters(nil, func(from PeerId) { reported = from })

	d.Handle(peer.ID("offender"), 5, true, []byte("x"))

	if reported != peer.ID("offender") {
		t.Fatalf("expected reserved-tag abuse reported for offender, got %q", reported)
	}
}

func TestDemux_SessionRange_MalformedPayloadReportsOffense(t *testing.T) {
	d, _, _ := newTestDemux()
	var reported PeerId
	d.SetOffenseReporters(func(from PeerId) { reported = from }, nil)

	d.Handle(peer.ID("offender"), 20, true, nil)

	if reported != peer.ID("offender") {
		t.Fatalf("expected malformed-packet offense reported for offender, got %q", reported)
	}
}

func TestDemux_OpenSession_ExhaustionFails(t *testing.T) {
	dir := NewSessionDirectory(time.Minute)
	d := NewTagDemultiplexer(dir, &recordingSender{}, make(chan ApplicationData, 1), make(chan *Session, 1))
	remote := peer.ID("remote")

	// Occupy the entire reserved session range so every random draw collides.
	for tag := ReservedSubprotocolTagUpperLimit; tag < ReservedSessionTagUpperLimit; tag++ {
		dir.Insert(newSession(SessionId{Tag: tag, Peer: remote}, DirectPath(), nil, &recordingSender{}))
	}

	_, err := d.OpenSession(remote, DirectPath(), nil)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	relayErr, ok := err.(*Error)
	if !ok || relayErr.Kind != ErrApi {
		t.Fatalf("expected Api error, got %v", err)
	}
}
