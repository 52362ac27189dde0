package relay

import (
	"sync"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	klog "github.com/hopr-relay/relaycore/internal/log"
)

// SessionDirectory is the bounded, time-to-idle session cache: at most
// MaxSessionDirectoryEntries live sessions, evicting an entry once it
// has gone idleTTL without a Get or Insert touching it. Eviction closes
// the session's inbound queue so any reader blocked on it unblocks
// instead of hanging forever.
type SessionDirectory struct {
	mu    sync.Mutex
	cache *expirable.LRU[SessionId, *Session]
}

// NewSessionDirectory constructs a directory evicting sessions idle for
// longer than idleTTL.
func NewSessionDirectory(idleTTL time.Duration) *SessionDirectory {
	d := &SessionDirectory{}
	d.cache = expirable.NewLRU[SessionId, *Session](MaxSessionDirectoryEntries, d.onEvict, idleTTL)
	return d
}

func (d *SessionDirectory) onEvict(sid SessionId, sess *Session) {
	sess.closeInbound()
	logger := klog.WithComponent("session")
	logger.Debug().
		Uint16("tag", uint16(sid.Tag)).
		Str("peer", sid.Peer.String()).
		Msg("session evicted on idle timeout")
}

// Get returns the session registered for sid, refreshing its idle timer,
// or (nil, false) if absent.
func (d *SessionDirectory) Get(sid SessionId) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.cache.Get(sid)
	if ok {
		// The cache expires entries a fixed interval after their last Add,
		// so re-adding on every hit is what turns its TTL into an idle TTL.
		d.cache.Add(sid, sess)
	}
	return sess, ok
}

// Has reports whether sid is currently present, without refreshing its
// idle timer.
func (d *SessionDirectory) Has(sid SessionId) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.cache.Peek(sid)
	return ok
}

// Insert registers sess under its own Id. Returns false, leaving the
// directory unchanged, if that Id is already occupied — callers racing
// to open the same session concurrently must treat the loser's Session
// as unused and close it themselves.
func (d *SessionDirectory) Insert(sess *Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cache.Peek(sess.Id); ok {
		return false
	}
	d.cache.Add(sess.Id, sess)
	return true
}

// Remove closes and deletes sid's session, if present. A no-op if absent.
func (d *SessionDirectory) Remove(sid SessionId) {
	d.mu.Lock()
	sess, ok := d.cache.Peek(sid)
	if ok {
		d.cache.Remove(sid)
	}
	d.mu.Unlock()
	if ok {
		sess.closeInbound()
	}
}

// Len reports the number of live sessions.
func (d *SessionDirectory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}
