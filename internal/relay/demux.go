package relay

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	klog "github.com/hopr-relay/relaycore/internal/log"
)

// maxSessionTagAttempts bounds how many random tags OpenSession tries
// before giving up.
const maxSessionTagAttempts = 100

// ApplicationData is a fully-demultiplexed inbound packet handed to the
// host because its tag fell outside the reserved subprotocol and session
// ranges. HasTag is false for the degenerate case of a packet carrying
// no application tag at all.
type ApplicationData struct {
	Peer    PeerId
	Tag     AppTag
	HasTag  bool
	Payload []byte
}

// decodeSessionPayload extracts the (peer, data) pair a session-range
// packet's plaintext carries: a varint-prefixed peer id followed by the
// remaining application bytes. The actual mix-layer decrypt/unwrap step
// that produces this plaintext is explicitly out of scope here (on-wire
// packet cipher suite is a non-goal); this is the structural codec a real
// cipher implementation plugs its output into.
func decodeSessionPayload(plaintext []byte) (PeerId, []byte, error) {
	idLen, n := binary.Uvarint(plaintext)
	if n <= 0 || uint64(n)+idLen > uint64(len(plaintext)) {
		return "", nil, fmt.Errorf("malformed session payload")
	}
	idBytes := plaintext[n : n+int(idLen)]
	data := plaintext[n+int(idLen):]
	return PeerId(idBytes), data, nil
}

// encodeSessionPayload is decodeSessionPayload's inverse, used by tests
// and by any in-process loopback path.
func encodeSessionPayload(p PeerId, data []byte) []byte {
	buf := make([]byte, binary.MaxVarintLen64+len(p)+len(data))
	n := binary.PutUvarint(buf, uint64(len(p)))
	n += copy(buf[n:], []byte(p))
	n += copy(buf[n:], data)
	return buf[:n]
}

// TagDemultiplexer partitions inbound application packets by their app
// tag: the reserved subprotocol range is dropped, the reserved session
// range is routed to (or opens) a Session, and everything else is
// forwarded to the host's output channel.
type TagDemultiplexer struct {
	dir    *SessionDirectory
	sender sessionSender

	output   chan<- ApplicationData
	incoming chan<- *Session

	unwrap func([]byte) (PeerId, []byte, error)

	subprotocols map[AppTag]func(from PeerId, payload []byte)

	onMalformed     func(from PeerId)
	onReservedAbuse func(from PeerId)
}

// SetOffenseReporters wires the demultiplexer's two observable abuse
// signals to a ban manager: onMalformed fires when a session-range
// packet's plaintext fails to unwrap (the drop is silent toward the
// application, not toward the ban manager); onReservedAbuse fires when
// application traffic arrives tagged for the subprotocol-reserved range,
// which no well-behaved sender ever produces. Both are nil (no-op) until
// set; the Transport Facade wires them once its Swarm's BanManager
// exists.
func (d *TagDemultiplexer) SetOffenseReporters(onMalformed, onReservedAbuse func(from PeerId)) {
	d.onMalformed = onMalformed
	d.onReservedAbuse = onReservedAbuse
}

// NewTagDemultiplexer constructs a demultiplexer that routes session
// traffic through dir, opens sessions with sender as their outbound
// handle, and forwards non-session traffic to output while announcing
// newly-opened inbound sessions on incoming.
func NewTagDemultiplexer(dir *SessionDirectory, sender sessionSender, output chan<- ApplicationData, incoming chan<- *Session) *TagDemultiplexer {
	return &TagDemultiplexer{
		dir:          dir,
		sender:       sender,
		output:       output,
		incoming:     incoming,
		unwrap:       decodeSessionPayload,
		subprotocols: make(map[AppTag]func(PeerId, []byte)),
	}
}

// RegisterSubprotocol installs the consumer for one subprotocol-reserved
// tag. Packets on that tag are handed to fn and never surface to
// applications; packets on an unregistered reserved tag are treated as
// abuse. Registration happens at wiring time, before the swarm delivers
// packets, so the map needs no locking.
func (d *TagDemultiplexer) RegisterSubprotocol(tag AppTag, fn func(from PeerId, payload []byte)) {
	if tag >= ReservedSubprotocolTagUpperLimit {
		panic("relay: subprotocol tag outside reserved range")
	}
	d.subprotocols[tag] = fn
}

// Handle processes one inbound packet arriving from the swarm. hasTag is
// false for packets carrying no application tag at all, which are
// forwarded to the host unconditionally.
func (d *TagDemultiplexer) Handle(from PeerId, tag AppTag, hasTag bool, plaintext []byte) {
	if !hasTag {
		d.forward(from, 0, false, plaintext)
		return
	}

	switch {
	case tag < ReservedSubprotocolTagUpperLimit:
		// Never surfaced to applications: consumed by the registered
		// subprotocol, or counted as abuse when no subprotocol claims the
		// tag — no legitimate sender produces an unclaimed reserved tag.
		if fn, ok := d.subprotocols[tag]; ok {
			fn(from, plaintext)
			return
		}
		if d.onReservedAbuse != nil {
			d.onReservedAbuse(from)
		}
		return
	case tag < ReservedSessionTagUpperLimit:
		d.handleSessionPacket(from, tag, plaintext)
	default:
		d.forward(from, tag, true, plaintext)
	}
}

func (d *TagDemultiplexer) handleSessionPacket(from PeerId, tag AppTag, plaintext []byte) {
	logger := klog.WithComponent("session")

	peer, data, err := d.unwrap(plaintext)
	if err != nil {
		logger.Debug().Err(err).Msg("dropping session packet: payload unwrap failed")
		if d.onMalformed != nil {
			d.onMalformed(from)
		}
		return
	}
	sid := SessionId{Tag: tag, Peer: peer}

	if sess, ok := d.dir.Get(sid); ok {
		if !sess.deliver(data) {
			logger.Warn().Str("peer", peer.String()).Uint16("tag", uint16(tag)).
				Msg("dropping packet: session inbound queue already closed")
		}
		return
	}

	sess := newSession(sid, PathOption{}, nil, d.sender)
	select {
	case d.incoming <- sess:
		if !d.dir.Insert(sess) {
			// Lost a race with a concurrent arrival for the same (tag,
			// peer): someone else's session already won the directory
			// slot. This one was already handed to the host, but its
			// queue is never read further; route the data to the
			// winner instead so it isn't silently lost.
			sess.closeInbound()
			if existing, ok := d.dir.Get(sid); ok {
				existing.deliver(data)
			}
			return
		}
		sess.deliver(data)
	default:
		logger.Warn().Str("peer", peer.String()).Uint16("tag", uint16(tag)).
			Msg("dropping new session: incoming-sessions channel refused it")
	}
}

func (d *TagDemultiplexer) forward(from PeerId, tag AppTag, hasTag bool, payload []byte) {
	d.output <- ApplicationData{Peer: from, Tag: tag, HasTag: hasTag, Payload: payload}
}

// OpenSession allocates a fresh session tag in [ReservedSubprotocolTagUpperLimit,
// ReservedSessionTagUpperLimit), retrying on collision up to
// maxSessionTagAttempts times, and registers the new session in the
// directory.
func (d *TagDemultiplexer) OpenSession(peer PeerId, path PathOption, caps map[Capability]struct{}) (*Session, error) {
	span := int(ReservedSessionTagUpperLimit - ReservedSubprotocolTagUpperLimit)
	for i := 0; i < maxSessionTagAttempts; i++ {
		tag := AppTag(int(ReservedSubprotocolTagUpperLimit) + rand.Intn(span))
		sid := SessionId{Tag: tag, Peer: peer}
		sess := newSession(sid, path, caps, d.sender)
		if d.dir.Insert(sess) {
			return sess, nil
		}
	}
	return nil, Api("Failed to generate a non-occupied session ID")
}
