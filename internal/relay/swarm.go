package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	klog "github.com/hopr-relay/relaycore/internal/log"
	"github.com/hopr-relay/relaycore/internal/storage"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

const (
	// dhtRendezvousFallback is the default DHT namespace when no NetworkId is set.
	dhtRendezvousFallback = "relaycore"

	// dhtDiscoveryInterval is how often DHT FindPeers runs.
	dhtDiscoveryInterval = 30 * time.Second

	// peerConnectTimeout is the timeout for connecting to a persisted or
	// discovered peer.
	peerConnectTimeout = 5 * time.Second

	// pruneInterval is how often the swarm asks a PeerStore that supports
	// pruning to reap stale records.
	pruneInterval = 5 * time.Minute
)

// SwarmConfig holds the libp2p-facing node configuration: listen address,
// seeds, discovery, and persistence. It is distinct from Config, which
// holds the transport core's quality/backoff/session tunables.
type SwarmConfig struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	DB         storage.DB // Peer persistence (nil = disabled, for tests)
	DHTServer  bool       // Run DHT in server mode
	NetworkId  string     // isolates discovery and gates handshakes per network
	DataDir    string     // Data directory for persisting node identity
}

// Swarm owns the libp2p host and feeds connection/discovery events into a
// Registry. It is the external-transport boundary: everything in this
// file deals in libp2p primitives, everything in registry.go deals in
// pure peer-quality state.
type Swarm struct {
	host      host.Host
	swarmCfg  SwarmConfig
	networkId string
	ctx       context.Context
	cancel    context.CancelFunc

	registry *Registry

	mu        sync.RWMutex
	peers     map[peer.ID]*Peer
	peerSetCb func()

	banManager *BanManager
	peerStore  PeerStore
	dht        *dht.IpfsDHT
	connNotify *connNotifier

	packetHandlerMu sync.RWMutex
	packetHandler   func(peer.ID, []byte)

	packetSeq atomic.Uint32
}

// stalePruner is satisfied by a PeerStore that can reap records whose
// last-seen predates a retention window. It is kept separate from the
// PeerStore interface since pruning is persistence housekeeping, not a
// Registry operation.
type stalePruner interface {
	PruneStale(threshold time.Duration) (int, error)
}

// NewSwarm creates a new Swarm bound to the given registry and backed by
// the same PeerStore the registry consults, so peer discovery/connection
// events and registry state stay consistent with a single store.
func NewSwarm(cfg SwarmConfig, reg *Registry, store PeerStore) *Swarm {
	ctx, cancel := context.WithCancel(context.Background())
	return &Swarm{
		swarmCfg:  cfg,
		networkId: cfg.NetworkId,
		ctx:       ctx,
		cancel:    cancel,
		registry:  reg,
		peers:     make(map[peer.ID]*Peer),
		peerStore: store,
	}
}

// rendezvous returns the DHT/mDNS discovery namespace for this swarm.
func (s *Swarm) rendezvous() string {
	if s.networkId != "" {
		return "relaycore/" + s.networkId
	}
	return dhtRendezvousFallback
}

// Start initializes the libp2p host and begins discovery and persistence.
func (s *Swarm) Start() error {
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", s.swarmCfg.ListenAddr, s.swarmCfg.Port)

	if s.swarmCfg.DB != nil {
		banStore := NewBanStore(s.swarmCfg.DB)
		s.banManager = NewBanManager(banStore, s)
		s.banManager.LoadBans()
	} else {
		s.banManager = NewBanManager(nil, s)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addr),
		libp2p.ConnectionGater(&banGater{banMgr: s.banManager}),
	}

	if s.swarmCfg.DataDir != "" {
		privKey, err := loadOrCreateIdentity(s.swarmCfg.DataDir)
		if err != nil {
			return fmt.Errorf("load swarm identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	s.host = h

	s.connNotify = &connNotifier{swarm: s}
	h.Network().Notify(s.connNotify)

	if !s.swarmCfg.NoDiscover {
		if err := s.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	s.registerHandshakeHandler()
	s.registerPacketHandler()

	go s.reconnectKnownPeers()

	if len(s.swarmCfg.Seeds) > 0 {
		logger := klog.WithComponent("swarm")
		logger.Info().Int("seeds", len(s.swarmCfg.Seeds)).Msg("connecting to seeds")
	}
	s.connectSeedsOnce()
	go s.connectSeedsLoop()

	if !s.swarmCfg.NoDiscover {
		s.startMDNS()
		go s.runDHTDiscovery()
	}

	go s.runPruneLoop()

	return nil
}

// Stop shuts down the swarm.
func (s *Swarm) Stop() error {
	s.cancel()
	s.closeDHT()
	if s.host != nil {
		return s.host.Close()
	}
	return nil
}

// Host returns the underlying libp2p host (nil before Start).
func (s *Swarm) Host() host.Host {
	return s.host
}

// OnPeerSetChanged registers a callback invoked whenever the connected peer
// set changes. Used by the facade to trigger an early heartbeat pass.
func (s *Swarm) OnPeerSetChanged(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerSetCb = fn
}

// nextPacketSeq returns the next outbound packet sequence number.
// Sequence numbers tie acknowledgements to the frames they confirm; they
// carry no cross-peer ordering promise.
func (s *Swarm) nextPacketSeq() uint32 {
	return s.packetSeq.Add(1)
}

// SetPacketHandler registers the callback invoked for inbound packets on
// PacketProtocol. Set once by the Transport Facade during initialization.
func (s *Swarm) SetPacketHandler(fn func(peer.ID, []byte)) {
	s.packetHandlerMu.Lock()
	defer s.packetHandlerMu.Unlock()
	s.packetHandler = fn
}

// Dial connects to a peer at the given multiaddresses and runs the
// handshake so the peer can enter the registry. The ban gater still
// applies; dialing a banned peer fails at connect.
func (s *Swarm) Dial(ctx context.Context, id peer.ID, addrs []string) error {
	if s.host == nil {
		return fmt.Errorf("swarm not started")
	}
	info := peer.AddrInfo{ID: id}
	for _, a := range addrs {
		ai, err := peer.AddrInfoFromString(fmt.Sprintf("%s/p2p/%s", a, id))
		if err != nil {
			return fmt.Errorf("bad multiaddr %q: %w", a, err)
		}
		info.Addrs = append(info.Addrs, ai.Addrs...)
	}
	if err := s.host.Connect(ctx, info); err != nil {
		return Wrap(ErrTransport, err)
	}
	go s.doHandshake(id)
	return nil
}

// DisconnectPeer closes the swarm-level connection to a peer. It does not
// remove the peer from the Registry: quality/backoff state survives a
// disconnect so a later reconnect resumes from where it left off.
func (s *Swarm) DisconnectPeer(id peer.ID) error {
	if s.host == nil {
		return fmt.Errorf("swarm not started")
	}
	s.removeConnectedPeer(id)
	return s.host.Network().ClosePeer(id)
}

// ID returns the peer ID of this swarm.
func (s *Swarm) ID() peer.ID {
	if s.host == nil {
		return ""
	}
	return s.host.ID()
}

// Addrs returns the full multiaddrs of this swarm.
func (s *Swarm) Addrs() []string {
	if s.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range s.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, s.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of swarm-connected peers.
func (s *Swarm) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// PeerList returns a snapshot of swarm-connected peers.
func (s *Swarm) PeerList() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// admitPeer marks a peer connected at the swarm level and registers it with
// the Registry (add-or-merge). Called once handshake (if any) succeeds.
func (s *Swarm) admitPeer(id peer.ID, origin Origin) {
	s.addConnectedPeer(id, origin)

	var addrs []string
	if s.host != nil {
		for _, a := range s.host.Peerstore().Addrs(id) {
			addrs = append(addrs, a.String())
		}
	}
	_ = s.registry.Add(id, origin, addrs)

	s.mu.RLock()
	cb := s.peerSetCb
	s.mu.RUnlock()
	if cb != nil {
		go cb()
	}
}

func (s *Swarm) addConnectedPeer(id peer.ID, origin Origin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.peers[id]; !exists {
		s.peers[id] = &Peer{ID: id, ConnectedAt: time.Now(), Origin: origin}
	}
}

func (s *Swarm) removeConnectedPeer(id peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

func (s *Swarm) startMDNS() {
	svc := mdns.NewMdnsService(s.host, s.rendezvous(), &discoveryNotifee{swarm: s})
	_ = svc.Start()
}

// connectSeedsOnce tries to connect to each seed peer once (blocking).
func (s *Swarm) connectSeedsOnce() bool {
	logger := klog.WithComponent("swarm")
	connected := false
	for _, addr := range s.swarmCfg.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			logger.Warn().Str("addr", addr).Err(err).Msg("bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		err = s.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			logger.Warn().Str("peer", info.ID.String()).Err(err).Msg("seed connect failed")
			continue
		}
		connected = true
	}
	return connected
}

// connectSeedsLoop retries seed connections every 10s while the swarm has
// no connected peers.
func (s *Swarm) connectSeedsLoop() {
	if len(s.swarmCfg.Seeds) == 0 {
		return
	}
	logger := klog.WithComponent("swarm")
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(10 * time.Second):
			if s.PeerCount() == 0 {
				logger.Info().Int("seeds", len(s.swarmCfg.Seeds)).Msg("no peers, retrying seeds")
				s.connectSeedsOnce()
			}
		}
	}
}

// --- DHT ---

func (s *Swarm) initDHT() error {
	mode := dht.ModeClient
	if s.swarmCfg.DHTServer {
		mode = dht.ModeServer
	}
	kadDHT, err := dht.New(s.ctx, s.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	s.dht = kadDHT
	return kadDHT.Bootstrap(s.ctx)
}

func (s *Swarm) closeDHT() {
	if s.dht != nil {
		s.dht.Close()
		s.dht = nil
	}
}

func (s *Swarm) runDHTDiscovery() {
	if s.dht == nil {
		return
	}

	routingDiscovery := drouting.NewRoutingDiscovery(s.dht)
	dutil.Advertise(s.ctx, routingDiscovery, s.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.findDHTPeers(routingDiscovery)
		}
	}
}

func (s *Swarm) findDHTPeers(routingDiscovery *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Second)
	defer cancel()

	peerCh, err := routingDiscovery.FindPeers(ctx, s.rendezvous())
	if err != nil {
		return
	}

	for p := range peerCh {
		if p.ID == s.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if s.swarmCfg.MaxPeers > 0 && s.PeerCount() >= s.swarmCfg.MaxPeers {
			return
		}

		connectCtx, connectCancel := context.WithTimeout(s.ctx, peerConnectTimeout)
		err := s.host.Connect(connectCtx, p)
		connectCancel()
		if err == nil {
			go s.doHandshake(p.ID)
		}
	}
}

// --- Peer Persistence ---
//
// The registry writes every peer observation straight through to
// s.peerStore (see registry.go), so there is no snapshot/flush cycle to
// run here: the store is already up to date the moment a registry call
// returns. The only housekeeping left at this layer is (1) dialing peers
// the store already knows about when the swarm starts, so a restart
// reconnects without waiting for discovery to rediscover them, and (2)
// periodically reaping records the store has held well past their
// usefulness.

// reconnectKnownPeers dials every peer currently in the store with at
// least one recorded multiaddress. Best-effort: a dial failure here is
// not reported, since discovery and the seed/connect loops will keep
// trying independently.
func (s *Swarm) reconnectKnownPeers() {
	records, err := s.peerStore.List(func(rec *PeerRecord) bool { return len(rec.Multiaddresses) > 0 }, false)
	if err != nil {
		logger := klog.WithComponent("swarm")
		logger.Warn().Err(err).Msg("reconnect_known_peers: peer store query failed")
		return
	}

	for _, rec := range records {
		if rec.Id == s.host.ID() {
			continue
		}

		info := peer.AddrInfo{ID: rec.Id}
		for addr := range rec.Multiaddresses {
			ai, err := peer.AddrInfoFromString(fmt.Sprintf("%s/p2p/%s", addr, rec.Id))
			if err != nil {
				continue
			}
			info.Addrs = append(info.Addrs, ai.Addrs...)
		}
		if len(info.Addrs) == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(s.ctx, peerConnectTimeout)
		s.host.Connect(ctx, info) // Best-effort reconnect.
		cancel()
	}
}

// runPruneLoop periodically reaps stale records from a store that
// supports it (stalePruner), whatever DB backs it; stores with no notion
// of staleness simply skip this.
func (s *Swarm) runPruneLoop() {
	reaper, ok := s.peerStore.(stalePruner)
	if !ok {
		return
	}

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			reaper.PruneStale(staleThreshold)
		}
	}
}

// NodeIdentity loads (or creates) the persistent identity under dataDir
// and returns the peer ID derived from it, so a caller can know its own
// identity before the swarm itself is started.
func NodeIdentity(dataDir string) (PeerId, error) {
	priv, err := loadOrCreateIdentity(dataDir)
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(priv.GetPublic())
}

// loadOrCreateIdentity loads a persisted libp2p identity key from dataDir,
// or generates a new one and saves it, so the peer ID is stable across
// restarts.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}

	return priv, nil
}
