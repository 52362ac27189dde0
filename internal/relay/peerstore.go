package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hopr-relay/relaycore/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	peerKeyPrefix     = "peer/"
	staleThreshold    = 24 * time.Hour
	maxPersistedPeers = 2000
)

// PeerStore is the host-supplied single source of truth for peer
// records. The Registry never holds peer state of its own; every
// operation it exposes consults a PeerStore per call.
type PeerStore interface {
	// Add inserts a brand-new record. Implementations may silently refuse
	// the insert once at capacity (see maxPersistedPeers).
	Add(rec *PeerRecord) error
	// Get returns the current record for id, or (nil, nil) if unknown.
	Get(id PeerId) (*PeerRecord, error)
	// Remove deletes a record. Removing an unknown id is not an error.
	Remove(id PeerId) error
	// Update overwrites an existing record in place.
	Update(rec *PeerRecord) error
	// List returns every record for which selector reports true (a nil
	// selector matches everything), optionally sorted ascending by
	// last-seen.
	List(selector func(*PeerRecord) bool, sortByLastSeen bool) ([]PeerRecord, error)
	// Stats aggregates every stored record into the good/bad x
	// public/non-public health partition.
	Stats(badQualityThreshold float64) (Stats, error)
}

// wirePeerRecord is the on-disk encoding of a PeerRecord. last_seen and
// ignored are stored as Unix milliseconds; the peer ID is base64-encoded
// since it is raw multihash bytes, not necessarily valid UTF-8.
type wirePeerRecord struct {
	ID                  string   `json:"id"`
	Origin              int      `json:"origin"`
	Multiaddresses      []string `json:"multiaddresses"`
	Quality             float64  `json:"quality"`
	HeartbeatsSent      uint64   `json:"heartbeats_sent"`
	HeartbeatsSucceeded uint64   `json:"heartbeats_succeeded"`
	LastSeenMs          int64    `json:"last_seen_ms"`
	LastSeenLatencyMs   int64    `json:"last_seen_latency_ms"`
	Backoff             float64  `json:"backoff"`
	IgnoredMs           *int64   `json:"ignored_ms,omitempty"`
	PeerVersion         string   `json:"peer_version"`
}

func toWirePeerRecord(rec PeerRecord) wirePeerRecord {
	w := wirePeerRecord{
		ID:                  base64.StdEncoding.EncodeToString([]byte(rec.Id)),
		Origin:              int(rec.Origin),
		Quality:             rec.Quality,
		HeartbeatsSent:      rec.HeartbeatsSent,
		HeartbeatsSucceeded: rec.HeartbeatsSucceeded,
		LastSeenLatencyMs:   rec.LastSeenLatency.Milliseconds(),
		Backoff:             rec.Backoff,
		PeerVersion:         rec.PeerVersion,
	}
	if !rec.LastSeen.IsZero() {
		w.LastSeenMs = rec.LastSeen.UnixMilli()
	}
	for a := range rec.Multiaddresses {
		w.Multiaddresses = append(w.Multiaddresses, a)
	}
	if rec.Ignored != nil {
		ms := rec.Ignored.UnixMilli()
		w.IgnoredMs = &ms
	}
	return w
}

func fromWirePeerRecord(w wirePeerRecord) (PeerRecord, error) {
	raw, err := base64.StdEncoding.DecodeString(w.ID)
	if err != nil {
		return PeerRecord{}, fmt.Errorf("decode peer id: %w", err)
	}
	rec := PeerRecord{
		Id:                  peer.ID(raw),
		Origin:              Origin(w.Origin),
		Multiaddresses:      make(map[string]struct{}, len(w.Multiaddresses)),
		Quality:             w.Quality,
		HeartbeatsSent:      w.HeartbeatsSent,
		HeartbeatsSucceeded: w.HeartbeatsSucceeded,
		LastSeenLatency:     time.Duration(w.LastSeenLatencyMs) * time.Millisecond,
		Backoff:             w.Backoff,
		PeerVersion:         w.PeerVersion,
	}
	for _, a := range w.Multiaddresses {
		rec.Multiaddresses[a] = struct{}{}
	}
	if w.LastSeenMs > 0 {
		rec.LastSeen = time.UnixMilli(w.LastSeenMs)
	}
	if w.IgnoredMs != nil {
		t := time.UnixMilli(*w.IgnoredMs)
		rec.Ignored = &t
	}
	return rec, nil
}

func recordIsPublic(rec *PeerRecord) bool {
	return len(rec.Multiaddresses) > 0
}

// KVPeerStore is the concrete PeerStore backed by a storage.DB under the
// "peer/" prefix keyed by raw peer ID bytes, so the Network Registry's
// quality/backoff state survives a restart. Every call round-trips
// through storage.DB: nothing about a peer's state lives anywhere else,
// which is what lets Registry stay a thin façade over this type. A mutex
// guards every db access because storage.NewMemory's backing map (used
// whenever no durable DB is configured) is not itself safe for the
// concurrent Registry callers this type has.
type KVPeerStore struct {
	mu sync.RWMutex
	db storage.DB
}

// NewPeerStore creates a new PeerStore backed by the given DB. Pass
// storage.NewMemory() for a non-durable store (tests, or a node run
// without a configured data directory).
func NewPeerStore(db storage.DB) *KVPeerStore {
	return &KVPeerStore{db: db}
}

func peerKey(id peer.ID) []byte {
	return append([]byte(peerKeyPrefix), []byte(id)...)
}

func (ps *KVPeerStore) put(rec *PeerRecord) error {
	data, err := json.Marshal(toWirePeerRecord(*rec))
	if err != nil {
		return fmt.Errorf("marshal peer record: %w", err)
	}
	return ps.db.Put(peerKey(rec.Id), data)
}

// Add inserts a brand-new peer record. If the store already holds
// maxPersistedPeers records, the insert is silently skipped rather than
// failing the caller — an unbounded peer store is not a goal here.
func (ps *KVPeerStore) Add(rec *PeerRecord) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	count, err := ps.countLocked()
	if err != nil {
		return fmt.Errorf("count peers: %w", err)
	}
	if count >= maxPersistedPeers {
		return nil
	}
	return ps.put(rec)
}

// Update overwrites an existing peer record.
func (ps *KVPeerStore) Update(rec *PeerRecord) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.put(rec)
}

// Get retrieves a single peer record by ID, or (nil, nil) if unknown.
func (ps *KVPeerStore) Get(id PeerId) (*PeerRecord, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	key := peerKey(id)
	exists, err := ps.db.Has(key)
	if err != nil {
		return nil, fmt.Errorf("check peer exists: %w", err)
	}
	if !exists {
		return nil, nil
	}
	data, err := ps.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("get peer record: %w", err)
	}
	var w wirePeerRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal peer record: %w", err)
	}
	rec, err := fromWirePeerRecord(w)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Remove deletes a peer record. Removing an unknown peer is a no-op.
func (ps *KVPeerStore) Remove(id PeerId) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.db.Delete(peerKey(id))
}

// List returns every record for which selector reports true, optionally
// sorted ascending by last-seen.
func (ps *KVPeerStore) List(selector func(*PeerRecord) bool, sortByLastSeen bool) ([]PeerRecord, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var out []PeerRecord
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(key, value []byte) error {
		var w wirePeerRecord
		if err := json.Unmarshal(value, &w); err != nil {
			return nil // Skip corrupt records.
		}
		rec, err := fromWirePeerRecord(w)
		if err != nil {
			return nil
		}
		if selector == nil || selector(&rec) {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	if sortByLastSeen {
		sortRecordsByLastSeen(out)
	}
	return out, nil
}

// Stats aggregates every stored record into the good/bad x
// public/non-public partition the Health Classifier consumes. It has no
// notion of the Registry's ignore-timeframe window: a peer only becomes
// ignored by having its quality driven into the bad range, so it was
// already landing in a bad-quality bucket either way.
func (ps *KVPeerStore) Stats(badQualityThreshold float64) (Stats, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var s Stats
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(key, value []byte) error {
		var w wirePeerRecord
		if err := json.Unmarshal(value, &w); err != nil {
			return nil
		}
		rec, err := fromWirePeerRecord(w)
		if err != nil {
			return nil
		}
		good := rec.Quality >= badQualityThreshold
		public := recordIsPublic(&rec)
		switch {
		case good && public:
			s.GoodQualityPublic++
		case good && !public:
			s.GoodQualityNonPublic++
		case !good && public:
			s.BadQualityPublic++
		default:
			s.BadQualityNonPublic++
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate peer stats: %w", err)
	}
	return s, nil
}

// PruneStale removes records whose last_seen predates the threshold.
// Returns the number pruned. This is persistence housekeeping outside
// the PeerStore contract, exercised by the swarm's prune loop so a
// durable store doesn't grow without bound.
func (ps *KVPeerStore) PruneStale(threshold time.Duration) (int, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	cutoff := time.Now().Add(-threshold).UnixMilli()
	var toDelete [][]byte

	err := ps.db.ForEach([]byte(peerKeyPrefix), func(key, value []byte) error {
		keyCopy := make([]byte, len(key))
		copy(keyCopy, key)

		var w wirePeerRecord
		if err := json.Unmarshal(value, &w); err != nil {
			toDelete = append(toDelete, keyCopy) // Corrupt record, prune it too.
			return nil
		}
		if w.LastSeenMs < cutoff {
			toDelete = append(toDelete, keyCopy)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}

	for _, k := range toDelete {
		if err := ps.db.Delete(k); err != nil {
			return 0, fmt.Errorf("delete stale peer: %w", err)
		}
	}
	return len(toDelete), nil
}

// Count returns the number of persisted peer records.
func (ps *KVPeerStore) Count() (int, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.countLocked()
}

func (ps *KVPeerStore) countLocked() (int, error) {
	count := 0
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(key, value []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return count, nil
}

// sortRecordsByLastSeen sorts records ascending by LastSeen using a
// simple insertion sort — the lists here are bounded by live peer count,
// never large enough to need anything fancier.
func sortRecordsByLastSeen(records []PeerRecord) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].LastSeen.Before(records[j-1].LastSeen); j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}
