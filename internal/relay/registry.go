package relay

import (
	"math"
	"sync"
	"time"

	klog "github.com/hopr-relay/relaycore/internal/log"
)

// Registry is the quality-scoring view over a PeerStore: every operation
// below reads and writes through the injected store per call. The
// registry itself holds no peer records — the store is the single source
// of truth — only the self identity, the tunables, and one piece of
// non-peer state: whether any peer has ever been added, which decides
// whether Health can report anything but Unknown.
type Registry struct {
	cfg       *Config
	self      PeerId
	selfAddrs []string
	store     PeerStore

	everAddedMu sync.Mutex
	everAdded   bool

	// updateMu serializes Update's read-modify-write of a peer record.
	updateMu sync.Mutex

	events *eventEmitter
}

// NewRegistry constructs a Registry for the given self identity, backed
// by store. cfg must already have passed Validate().
func NewRegistry(self PeerId, selfAddrs []string, cfg *Config, events *eventEmitter, store PeerStore) *Registry {
	return &Registry{
		cfg:       cfg,
		self:      self,
		selfAddrs: selfAddrs,
		store:     store,
		events:    events,
	}
}

func (r *Registry) markEverAdded() {
	r.everAddedMu.Lock()
	r.everAdded = true
	r.everAddedMu.Unlock()
}

func (r *Registry) hasEverAdded() bool {
	r.everAddedMu.Lock()
	defer r.everAddedMu.Unlock()
	return r.everAdded
}

func (r *Registry) wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	return Wrap(ErrPeerStore, err)
}

// Has reports whether peer is known and not currently ignored. Self is
// always considered present.
func (r *Registry) Has(p PeerId) bool {
	if p == r.self {
		return true
	}
	rec, err := r.store.Get(p)
	if err != nil || rec == nil {
		return false
	}
	return !r.isIgnored(rec)
}

// Get returns peer's current record, or nil if unknown or ignored. For
// self it returns a synthetic record carrying the configured
// self-multiaddresses.
func (r *Registry) Get(p PeerId) *PeerRecord {
	if p == r.self {
		addrs := make(map[string]struct{}, len(r.selfAddrs))
		for _, a := range r.selfAddrs {
			addrs[a] = struct{}{}
		}
		return &PeerRecord{Id: p, Origin: OriginInitialization, Multiaddresses: addrs}
	}
	rec, err := r.store.Get(p)
	if err != nil || rec == nil {
		return nil
	}
	if r.isIgnored(rec) {
		return nil
	}
	return rec
}

// Add registers a peer or merges new multiaddresses into an existing,
// non-ignored record. Self-add fails.
func (r *Registry) Add(p PeerId, origin Origin, addrs []string) error {
	if p == r.self {
		return DisallowedOperationOnOwnPeerId(p)
	}

	existing, err := r.store.Get(p)
	if err != nil {
		return r.wrapStoreErr(err)
	}

	if existing != nil && !r.isIgnored(existing) {
		existing.Ignored = nil
		if existing.Multiaddresses == nil {
			existing.Multiaddresses = make(map[string]struct{}, len(addrs))
		}
		for _, a := range addrs {
			existing.Multiaddresses[a] = struct{}{}
		}
		r.markEverAdded()
		return r.wrapStoreErr(r.store.Update(existing))
	}

	rec := &PeerRecord{
		Id:             p,
		Origin:         origin,
		Multiaddresses: make(map[string]struct{}, len(addrs)),
		Quality:        0,
		Backoff:        r.cfg.BackoffMin,
	}
	for _, a := range addrs {
		rec.Multiaddresses[a] = struct{}{}
	}
	r.markEverAdded()
	return r.wrapStoreErr(r.store.Add(rec))
}

// Remove deletes a peer's record. Self-remove fails.
func (r *Registry) Remove(p PeerId) error {
	if p == r.self {
		return DisallowedOperationOnOwnPeerId(p)
	}
	return r.wrapStoreErr(r.store.Remove(p))
}

// Update applies a probe outcome to peer's record and returns the
// resulting NetworkEvent, if any. latencyErr is nil on success; version
// is the reported peer version (ignored on failure). Updates against
// unknown peers are silently dropped (no insert, no event).
//
// Success resets backoff to the floor, steps quality up, clears any
// ignore mark, and stamps last-seen. Failure grows backoff toward the
// ceiling and steps quality down; a peer collapsing below half a quality
// step gets a CloseConnection event and is not marked ignored, while one
// that stays above that but falls below the bad-quality threshold is
// marked ignored and gets an UpdateQuality.
func (r *Registry) Update(p PeerId, latency time.Duration, latencyErr error, version string) (*NetworkEvent, error) {
	if p == r.self {
		return nil, DisallowedOperationOnOwnPeerId(p)
	}
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	rec, err := r.store.Get(p)
	if err != nil {
		return nil, r.wrapStoreErr(err)
	}
	if rec == nil {
		return nil, nil
	}

	rec.HeartbeatsSent++

	var ev *NetworkEvent
	if latencyErr == nil {
		rec.Ignored = nil
		rec.LastSeen = time.Now()
		rec.LastSeenLatency = latency
		rec.HeartbeatsSucceeded++
		rec.PeerVersion = version
		rec.Backoff = r.cfg.BackoffMin
		rec.Quality = minF(1, rec.Quality+r.cfg.QualityStep)
		ev = r.emitUpdateQuality(p, rec.Quality)
	} else {
		rec.Backoff = minF(r.cfg.BackoffMax, pow(rec.Backoff, r.cfg.BackoffExponent))
		rec.Quality = maxF(0, rec.Quality-r.cfg.QualityStep)

		if rec.Quality < r.cfg.QualityStep/2 {
			ev = &NetworkEvent{CorrelationId: newCorrelationId(), Peer: p, Kind: EventCloseConnection}
			r.events.emit(ev)
		} else {
			if rec.Quality < r.cfg.QualityBadThreshold {
				now := time.Now()
				rec.Ignored = &now
			}
			ev = r.emitUpdateQuality(p, rec.Quality)
		}
	}

	if err := r.store.Update(rec); err != nil {
		return nil, r.wrapStoreErr(err)
	}
	return ev, nil
}

func (r *Registry) emitUpdateQuality(p PeerId, q float64) *NetworkEvent {
	ev := &NetworkEvent{CorrelationId: newCorrelationId(), Peer: p, Kind: EventUpdateQuality, Quality: q}
	r.events.emit(ev)
	return ev
}

// Health derives the ordinal network-health indicator from a stats
// snapshot fetched fresh from the store, never cached. Unknown is
// reserved for the case no peer has ever been added, or for a store
// query failure; once a peer has been added, an empty store reads Red,
// not Unknown.
func (r *Registry) Health() Health {
	if !r.hasEverAdded() {
		return HealthUnknown
	}
	stats, err := r.store.Stats(r.cfg.QualityBadThreshold)
	if err != nil {
		logger := klog.WithComponent("relay")
		logger.Warn().Err(err).Msg("health: peer store stats query failed")
		return HealthUnknown
	}
	return healthFromStats(stats, r.cfg.SelfIsPublic)
}

// FindPeersToPing returns peers due for a probe at threshold, sorted
// ascending by last-seen. effective_delay = min(min_delay *
// backoff^backoff_exponent, max_delay); self is always excluded.
func (r *Registry) FindPeersToPing(threshold time.Time) []PeerId {
	records, err := r.store.List(func(rec *PeerRecord) bool { return !r.isIgnored(rec) }, true)
	if err != nil {
		logger := klog.WithComponent("relay")
		logger.Warn().Err(err).Msg("find_peers_to_ping: peer store query failed")
		return nil
	}

	out := make([]PeerId, 0, len(records))
	for _, rec := range records {
		delayFactor := pow(rec.Backoff, r.cfg.BackoffExponent)
		delay := time.Duration(float64(r.cfg.MinDelay) * delayFactor)
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
		// A last-seen ahead of the threshold (clock skew, or a probe that
		// landed mid-tick) is simply not due yet; the interval never goes
		// negative.
		if !rec.LastSeen.Add(delay).Before(threshold) {
			continue
		}
		out = append(out, rec.Id)
	}
	return out
}

// PeerFilter streams every non-ignored, non-self record through fn.
func (r *Registry) PeerFilter(fn func(*PeerRecord) bool) []*PeerRecord {
	records, err := r.store.List(func(rec *PeerRecord) bool {
		return !r.isIgnored(rec) && fn(rec)
	}, false)
	if err != nil {
		logger := klog.WithComponent("relay")
		logger.Warn().Err(err).Msg("peer_filter: peer store query failed")
		return nil
	}
	out := make([]*PeerRecord, len(records))
	for i := range records {
		out[i] = &records[i]
	}
	return out
}

func (r *Registry) isIgnored(rec *PeerRecord) bool {
	if rec.Ignored == nil {
		return false
	}
	elapsed := saturatingSub(time.Now(), *rec.Ignored)
	return elapsed < r.cfg.IgnoreTimeframe
}

// saturatingSub returns a-b clamped to zero when b is after a, instead of
// producing a negative duration.
func saturatingSub(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return 0
	}
	return d
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// pow is a thin wrapper over math.Pow so backoff call sites read as the
// backoff^exponent they compute.
func pow(base, exp float64) float64 {
	return math.Pow(base, exp)
}
