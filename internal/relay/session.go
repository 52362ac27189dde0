package relay

import "sync"

// PathOption describes how a session's outbound traffic is routed:
// directly to the peer, or through a list of intermediate mix hops.
type PathOption struct {
	Hops []PeerId
}

// DirectPath returns a PathOption with no intermediate hops.
func DirectPath() PathOption { return PathOption{} }

// IsDirect reports whether the path has no intermediate hops.
func (p PathOption) IsDirect() bool { return len(p.Hops) == 0 }

// Capability is an opaque permission tag attached to a session at open
// time. The transport core does not interpret these; it only carries
// them alongside the session for the host to consult.
type Capability string

// sessionSender is the narrow interface a Session uses to push bytes
// back out through the packet pipeline. The Transport Facade supplies
// the concrete implementation (path resolution + packet send).
type sessionSender interface {
	SendSessionData(sid SessionId, path PathOption, data []byte) error
}

// unboundedByteQueue is a growable, closeable FIFO queue exposed as a
// channel. A session's inbound queue must never exert backpressure on
// the demultiplexer, and a plain Go channel is inherently bounded (or
// synchronous), so this pumps a mutex-guarded slice into a channel read
// side instead.
type unboundedByteQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    [][]byte
	closed bool
	out    chan []byte
}

func newUnboundedByteQueue() *unboundedByteQueue {
	q := &unboundedByteQueue{out: make(chan []byte)}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *unboundedByteQueue) pump() {
	for {
		q.mu.Lock()
		for len(q.buf) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.buf) == 0 && q.closed {
			q.mu.Unlock()
			close(q.out)
			return
		}
		item := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		q.out <- item
	}
}

// push appends data to the queue. Returns false if the queue is closed.
func (q *unboundedByteQueue) push(data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.buf = append(q.buf, data)
	q.cond.Signal()
	return true
}

// closeQueue closes the queue. Idempotent.
func (q *unboundedByteQueue) closeQueue() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cond.Signal()
}

// Session is an application-visible bidirectional stream multiplexed onto
// the relay by a session tag and peer id. It owns its counterparty's
// identity, a capability set, a path option, a sender handle to the
// packet pipeline, and an unbounded inbound byte queue.
type Session struct {
	Id           SessionId
	Capabilities map[Capability]struct{}
	Path         PathOption

	sender sessionSender
	queue  *unboundedByteQueue
}

func newSession(sid SessionId, path PathOption, caps map[Capability]struct{}, sender sessionSender) *Session {
	if caps == nil {
		caps = map[Capability]struct{}{}
	}
	return &Session{
		Id:           sid,
		Capabilities: caps,
		Path:         path,
		sender:       sender,
		queue:        newUnboundedByteQueue(),
	}
}

// Peer returns the counterparty's peer id.
func (s *Session) Peer() PeerId { return s.Id.Peer }

// Tag returns the session's application tag.
func (s *Session) Tag() AppTag { return s.Id.Tag }

// Inbound returns the channel of bytes received for this session, in the
// arrival order of the underlying packets. The channel closes when the
// session is evicted or explicitly closed.
func (s *Session) Inbound() <-chan []byte { return s.queue.out }

// Send writes data out through the packet pipeline, routed per the
// session's path option.
func (s *Session) Send(data []byte) error {
	return s.sender.SendSessionData(s.Id, s.Path, data)
}

// deliver enqueues inbound bytes for this session. Returns false if the
// session's queue has already been closed (evicted or explicitly closed).
func (s *Session) deliver(data []byte) bool {
	return s.queue.push(data)
}

// closeInbound closes the inbound queue. Idempotent; safe to call
// concurrently and more than once, so directory eviction and an explicit
// Close race safely.
func (s *Session) closeInbound() {
	s.queue.closeQueue()
}

// Close explicitly closes the session's inbound queue ahead of its idle
// TTL. The caller is still responsible for removing it from whichever
// SessionDirectory holds it.
func (s *Session) Close() {
	s.closeInbound()
}
