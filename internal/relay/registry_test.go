package relay

import (
	"testing"
	"time"

	"github.com/hopr-relay/relaycore/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

func newTestRegistry() (*Registry, *Config) {
	cfg := DefaultConfig()
	cfg.IgnoreTimeframe = time.Hour
	store := NewPeerStore(storage.NewMemory())
	return NewRegistry(peer.ID("self"), []string{"/ip4/127.0.0.1/tcp/1"}, cfg, newEventEmitter(), store), cfg
}

func TestRegistry_SelfNeverStored(t *testing.T) {
	r, _ := newTestRegistry()
	self := peer.ID("self")

	if err := r.Add(self, OriginTesting, nil); err == nil {
		t.Fatal("expected self-add to fail")
	}
	if err := r.Remove(self); err == nil {
		t.Fatal("expected self-remove to fail")
	}
	if _, err := r.Update(self, time.Millisecond, nil, ""); err == nil {
		t.Fatal("expected self-update to fail")
	}
	if !r.Has(self) {
		t.Fatal("self should always report present")
	}
	if rec := r.Get(self); rec == nil || len(rec.Multiaddresses) != 1 {
		t.Fatalf("expected synthetic self record with configured addrs, got %+v", rec)
	}

	due := r.FindPeersToPing(time.Now().Add(time.Hour))
	for _, id := range due {
		if id == self {
			t.Fatal("self must never appear in find_peers_to_ping")
		}
	}
	for _, rec := range r.PeerFilter(func(*PeerRecord) bool { return true }) {
		if rec.Id == self {
			t.Fatal("self must never appear in peer_filter")
		}
	}
}

func TestRegistry_AddThenGet(t *testing.T) {
	r, _ := newTestRegistry()
	p := peer.ID("peer-a")

	if err := r.Add(p, OriginIncomingConnection, []string{"/ip4/1.2.3.4/tcp/4001"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !r.Has(p) {
		t.Fatal("expected peer present after add")
	}
	rec := r.Get(p)
	if rec == nil {
		t.Fatal("expected record")
	}
	if rec.Quality != 0 {
		t.Errorf("quality = %v, want 0", rec.Quality)
	}
	if rec.Backoff != r.cfg.BackoffMin {
		t.Errorf("backoff = %v, want %v", rec.Backoff, r.cfg.BackoffMin)
	}

	// Re-add merges addresses rather than resetting state.
	if err := r.Add(p, OriginIncomingConnection, []string{"/ip4/5.6.7.8/tcp/4001"}); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	rec = r.Get(p)
	if len(rec.Multiaddresses) != 2 {
		t.Fatalf("expected 2 merged addrs, got %d", len(rec.Multiaddresses))
	}
}

func TestRegistry_Update_SuccessLaw(t *testing.T) {
	r, cfg := newTestRegistry()
	p := peer.ID("peer-a")
	_ = r.Add(p, OriginTesting, nil)

	ev, err := r.Update(p, 50*time.Millisecond, nil, "v1.0")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ev == nil || ev.Kind != EventUpdateQuality {
		t.Fatalf("expected UpdateQuality event, got %+v", ev)
	}

	rec := r.Get(p)
	if rec.Quality != cfg.QualityStep {
		t.Errorf("quality = %v, want %v", rec.Quality, cfg.QualityStep)
	}
	if rec.Backoff != cfg.BackoffMin {
		t.Errorf("backoff = %v, want reset to %v", rec.Backoff, cfg.BackoffMin)
	}
	if rec.HeartbeatsSent != 1 || rec.HeartbeatsSucceeded != 1 {
		t.Errorf("counters = %d/%d, want 1/1", rec.HeartbeatsSent, rec.HeartbeatsSucceeded)
	}
	if rec.PeerVersion != "v1.0" {
		t.Errorf("peer_version = %q, want v1.0", rec.PeerVersion)
	}
	if rec.Ignored != nil {
		t.Error("expected ignored cleared on success")
	}
}

func TestRegistry_Update_QualityClampsToOne(t *testing.T) {
	r, cfg := newTestRegistry()
	p := peer.ID("peer-a")
	_ = r.Add(p, OriginTesting, nil)

	steps := int(1/cfg.QualityStep) + 5
	for i := 0; i < steps; i++ {
		if _, err := r.Update(p, time.Millisecond, nil, ""); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	if q := r.Get(p).Quality; q > 1 {
		t.Errorf("quality = %v, must not exceed 1", q)
	}
}

func TestRegistry_Update_ErrBranchIgnoresBelowThreshold(t *testing.T) {
	r, cfg := newTestRegistry()
	p := peer.ID("peer-a")
	_ = r.Add(p, OriginTesting, nil)

	// Two successes bring quality to 2*quality_step (0.2 by default). One
	// failure then lands it at quality_step (0.1): above the close
	// threshold (quality_step/2) but below quality_bad_threshold, so the
	// peer should become ignored rather than closed.
	if _, err := r.Update(p, time.Millisecond, nil, ""); err != nil {
		t.Fatalf("seed success 1: %v", err)
	}
	if _, err := r.Update(p, time.Millisecond, nil, ""); err != nil {
		t.Fatalf("seed success 2: %v", err)
	}
	rec := r.Get(p)
	if rec.Quality-cfg.QualityStep < cfg.QualityStep/2 || rec.Quality-cfg.QualityStep >= cfg.QualityBadThreshold {
		t.Skip("seeded quality doesn't straddle the ignored band; config changed")
	}

	ev, err := r.Update(p, 0, errProbeFailed, "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ev == nil || ev.Kind != EventUpdateQuality {
		t.Fatalf("expected UpdateQuality (not close), got %+v", ev)
	}
	rec = r.Get(p)
	if rec != nil {
		t.Fatal("peer should be filtered out while ignored")
	}
}

func TestRegistry_Update_CloseConnectionLaw(t *testing.T) {
	r, _ := newTestRegistry()
	p := peer.ID("peer-a")
	_ = r.Add(p, OriginTesting, nil)

	// Quality starts at 0; a single failure drives it to max(0, 0-step) = 0,
	// which is below quality_step/2, so the update must report
	// CloseConnection rather than UpdateQuality.
	ev, err := r.Update(p, 0, errProbeFailed, "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ev == nil || ev.Kind != EventCloseConnection {
		t.Fatalf("expected CloseConnection, got %+v", ev)
	}
	// The close is advisory: the record stays in the registry.
	if !r.Has(p) {
		t.Fatal("peer must remain present after a CloseConnection event")
	}
}

func TestRegistry_Update_ErrAtZeroGrowsBackoffOnly(t *testing.T) {
	r, cfg := newTestRegistry()
	p := peer.ID("peer-a")
	_ = r.Add(p, OriginTesting, nil)

	before := r.Get(p)
	if before.Quality != 0 || before.Backoff != cfg.BackoffMin {
		t.Fatalf("unexpected initial state: %+v", before)
	}

	_, err := r.Update(p, 0, errProbeFailed, "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	// The record is still stored even though the peer may now be filtered
	// from Get; read it through the store to check the raw fields.
	rec, err := r.store.Get(p)
	if err != nil || rec == nil {
		t.Fatalf("store get: %v, %+v", err, rec)
	}
	if rec.Quality != 0 {
		t.Errorf("quality = %v, want to stay 0", rec.Quality)
	}
	if rec.Backoff <= cfg.BackoffMin {
		t.Errorf("backoff = %v, want grown above %v", rec.Backoff, cfg.BackoffMin)
	}
	if rec.HeartbeatsSent != 1 || rec.HeartbeatsSucceeded != 0 {
		t.Errorf("counters = %d/%d, want 1/0", rec.HeartbeatsSent, rec.HeartbeatsSucceeded)
	}
}

func TestRegistry_IgnoredPeerStillRemovable(t *testing.T) {
	r, _ := newTestRegistry()
	p := peer.ID("peer-a")
	_ = r.Add(p, OriginTesting, nil)

	// Seed to 0.2, then fail once: quality 0.1 is below the bad-quality
	// threshold but above the close threshold, so the peer goes ignored.
	_, _ = r.Update(p, time.Millisecond, nil, "")
	_, _ = r.Update(p, time.Millisecond, nil, "")
	_, _ = r.Update(p, 0, errProbeFailed, "")

	if r.Has(p) {
		t.Fatal("expected has() false while ignored")
	}
	if r.Get(p) != nil {
		t.Fatal("expected get() nil while ignored")
	}
	if err := r.Remove(p); err != nil {
		t.Fatalf("remove of an ignored peer must still succeed: %v", err)
	}
	if rec, _ := r.store.Get(p); rec != nil {
		t.Fatal("expected record deleted from the store")
	}
}

func TestRegistry_Health_GreenWithPublicSelfAndGoodPublicPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SelfIsPublic = true
	cfg.QualityOfflineThreshold = 0.3
	store := NewPeerStore(storage.NewMemory())
	r := NewRegistry(peer.ID("self"), nil, cfg, newEventEmitter(), store)

	p := peer.ID("public-peer")
	if err := r.Add(p, OriginTesting, []string{"/ip4/1.2.3.4/tcp/4001"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := r.Update(p, time.Millisecond, nil, ""); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	if h := r.Health(); h != HealthGreen {
		t.Fatalf("health = %v, want Green", h)
	}
}

func TestRegistry_Update_UnknownPeerIsNoop(t *testing.T) {
	r, _ := newTestRegistry()
	ev, err := r.Update(peer.ID("ghost"), time.Millisecond, nil, "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected no event for unknown peer, got %+v", ev)
	}
}

func TestRegistry_BackoffStaysWithinBounds(t *testing.T) {
	r, cfg := newTestRegistry()
	p := peer.ID("peer-a")
	_ = r.Add(p, OriginTesting, nil)
	// Seed quality high enough that repeated failures don't trip close.
	for i := 0; i < 20; i++ {
		_, _ = r.Update(p, time.Millisecond, nil, "")
	}
	for i := 0; i < 50; i++ {
		_, _ = r.Update(p, 0, errProbeFailed, "")
		rec := r.Get(p)
		if rec == nil {
			break // went ignored/removed; bounds still held up to this point
		}
		if rec.Backoff < cfg.BackoffMin || rec.Backoff > cfg.BackoffMax {
			t.Fatalf("backoff %v out of [%v, %v]", rec.Backoff, cfg.BackoffMin, cfg.BackoffMax)
		}
	}
}

func TestRegistry_FindPeersToPing_SortedAscendingByLastSeen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IgnoreTimeframe = time.Hour
	store := NewPeerStore(storage.NewMemory())
	r := NewRegistry(peer.ID("self"), nil, cfg, newEventEmitter(), store)
	now := time.Now()

	a, b, c := peer.ID("a"), peer.ID("b"), peer.ID("c")
	// Seeding the store directly (rather than through Add+Update) lets the
	// test backdate last_seen, since Update always stamps it to "now".
	_ = store.Add(&PeerRecord{Id: a, Backoff: cfg.BackoffMin, LastSeen: now.Add(-3 * time.Hour)})
	_ = store.Add(&PeerRecord{Id: b, Backoff: cfg.BackoffMin, LastSeen: now.Add(-1 * time.Hour)})
	_ = store.Add(&PeerRecord{Id: c, Backoff: cfg.BackoffMin, LastSeen: now.Add(-2 * time.Hour)})

	due := r.FindPeersToPing(now)
	if len(due) != 3 {
		t.Fatalf("expected all 3 peers due, got %d: %v", len(due), due)
	}
	if due[0] != a || due[1] != c || due[2] != b {
		t.Fatalf("expected order [a c b], got %v", due)
	}
}

// TestRegistry_SharedStoreIsSingleSourceOfTruth exercises the "does not
// cache" invariant directly: two Registry façades backed by the same
// PeerStore must observe each other's writes immediately, since neither
// holds any peer state of its own.
func TestRegistry_SharedStoreIsSingleSourceOfTruth(t *testing.T) {
	cfg := DefaultConfig()
	store := NewPeerStore(storage.NewMemory())
	r1 := NewRegistry(peer.ID("self-1"), nil, cfg, newEventEmitter(), store)
	r2 := NewRegistry(peer.ID("self-2"), nil, cfg, newEventEmitter(), store)

	p := peer.ID("peer-a")
	if err := r1.Add(p, OriginTesting, []string{"/ip4/1.2.3.4/tcp/1"}); err != nil {
		t.Fatalf("add via r1: %v", err)
	}

	rec := r2.Get(p)
	if rec == nil {
		t.Fatal("expected r2 to see the peer added via r1 through the shared store")
	}
	if len(rec.Multiaddresses) != 1 {
		t.Errorf("expected 1 addr, got %d", len(rec.Multiaddresses))
	}

	if _, err := r2.Update(p, 10*time.Millisecond, nil, "v2"); err != nil {
		t.Fatalf("update via r2: %v", err)
	}
	rec = r1.Get(p)
	if rec == nil || rec.PeerVersion != "v2" {
		t.Errorf("expected r1 to observe r2's update through the shared store, got %+v", rec)
	}
}

// errProbeFailed stands in for a transport-level probe failure; its
// identity is irrelevant to Update, which only checks err == nil.
var errProbeFailed = Wrap(ErrTransport, errTestSentinel{})

type errTestSentinel struct{}

func (errTestSentinel) Error() string { return "probe failed" }
