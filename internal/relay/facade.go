package relay

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	klog "github.com/hopr-relay/relaycore/internal/log"
	"github.com/hopr-relay/relaycore/internal/storage"
	ma "github.com/multiformats/go-multiaddr"
)

// onceCell is a write-once collaborator slot: the facade is constructed
// before the ping executor, packet sender, and ticket-aggregation writer
// are wired. Getting before Set fails with Api; setting twice panics as
// a programming error.
type onceCell[T any] struct {
	mu  sync.Mutex
	val T
	set bool
}

func (c *onceCell[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		panic("relay: collaborator already initialized")
	}
	c.val = v
	c.set = true
}

func (c *onceCell[T]) Get() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		var zero T
		return zero, Api("collaborator not yet initialized")
	}
	return c.val, nil
}

// ResolvedPath is what a PathPlanner hands back: an ordered relay path
// ready for the packet sender to address a packet with.
type ResolvedPath struct {
	Hops []PeerId
}

// Finalizer is returned by a PacketSender once it has accepted a packet
// for delivery; the caller awaits it, bounded by a timeout, without
// blocking the sender itself.
type Finalizer interface {
	ConsumeAndWait(ctx context.Context, timeout time.Duration) error
}

// PacketSender is the narrow interface the facade uses to actually put
// bytes on the wire. The Swarm's SendPacket is one implementation; tests
// supply fakes.
type PacketSender interface {
	SendPacket(ctx context.Context, data ApplicationData, path ResolvedPath) (Finalizer, error)
}

// PathPlanner resolves a destination and path preference into a concrete
// route. Out of scope for this core (non-goal: the mix-routing
// algorithm); consumed through this interface only.
type PathPlanner interface {
	ResolvePath(ctx context.Context, dest PeerId, opts PathOption) (ResolvedPath, error)
}

// ChannelId identifies an on-chain payment channel; opaque to this core.
type ChannelId string

// ChannelStatus is the subset of payment-channel lifecycle this core
// needs to know about to gate a ticket-aggregation trigger.
type ChannelStatus int

const (
	ChannelUnknown ChannelStatus = iota
	ChannelOpen
	ChannelClosedStatus
)

// ChannelLookup answers whether a channel is open, without this core
// knowing anything else about on-chain channel state.
type ChannelLookup interface {
	Channel(id ChannelId) (ChannelStatus, bool)
}

// TicketAggregator is the external collaborator that actually performs
// on-chain ticket aggregation and redemption; this core only exposes the
// trigger.
type TicketAggregator interface {
	AggregateTickets(ctx context.Context, channelHash ChannelId) error
}

// Facade composes the Network Registry, Ping Executor, Heartbeat
// Scheduler, Session Directory, and Tag Demultiplexer into the node's
// external surface. It owns their lifecycles and is the only thing
// callers outside this package should hold a reference to.
type Facade struct {
	cfg       *Config
	registry  *Registry
	swarm     *Swarm
	directory *SessionDirectory
	demux     *TagDemultiplexer
	events    *eventEmitter
	heartbeat *HeartbeatScheduler

	ping         onceCell[*PingExecutor]
	packetSender onceCell[PacketSender]
	ticketWriter onceCell[TicketAggregator]

	pathPlanner PathPlanner
	channels    ChannelLookup
	supported   SupportedProtocolPredicate

	output     chan ApplicationData
	incoming   chan *Session
	ackTickets chan AcknowledgedTicket
}

// NewFacade wires together a Registry, Swarm, and the session layer for
// self under cfg. The ping executor, packet sender, and ticket writer are
// still unset: Run installs the ping executor and packet sender, and
// SetTicketAggregator installs the ticket writer.
func NewFacade(cfg *Config, self PeerId, selfAddrs []string, swarmCfg SwarmConfig, planner PathPlanner, channels ChannelLookup) *Facade {
	events := newEventEmitter()
	db := swarmCfg.DB
	if db == nil {
		db = storage.NewMemory()
	} else if swarmCfg.NetworkId != "" {
		// Namespace durable state per network, so one database directory
		// can back nodes joining different networks without their peer
		// and ban records bleeding into each other.
		db = storage.NewPrefixDB(db, []byte("net/"+swarmCfg.NetworkId+"/"))
		swarmCfg.DB = db
	}
	peerStore := NewPeerStore(db)
	registry := NewRegistry(self, selfAddrs, cfg, events, peerStore)
	swarm := NewSwarm(swarmCfg, registry, peerStore)

	f := &Facade{
		cfg:         cfg,
		registry:    registry,
		swarm:       swarm,
		directory:   NewSessionDirectory(cfg.SessionIdleTTL),
		events:      events,
		pathPlanner: planner,
		channels:    channels,
		supported:   DefaultSupportedProtocols,
		output:      make(chan ApplicationData, 256),
		incoming:    make(chan *Session, 64),
		ackTickets:  make(chan AcknowledgedTicket, 256),
	}
	f.demux = NewTagDemultiplexer(f.directory, f, f.output, f.incoming)
	f.demux.RegisterSubprotocol(AckTicketTag, func(from PeerId, payload []byte) {
		select {
		case f.ackTickets <- AcknowledgedTicket{Peer: from, Payload: payload}:
		default:
			logger := klog.WithComponent("relay")
			logger.Warn().Str("peer", from.String()).
				Msg("acknowledged-ticket queue full, dropping ticket")
		}
	})
	return f
}

// Run starts the swarm, registers the ping executor as this node's
// PingSink, and starts the heartbeat scheduler. It is the facade's
// equivalent of the write-once handles' initialization step.
func (f *Facade) Run(version string) error {
	if err := f.swarm.Start(); err != nil {
		return err
	}
	exec := NewPingExecutor(f.swarm, f, version)
	exec.registerPingHandler()
	f.ping.Set(exec)
	f.packetSender.Set(swarmPacketSender{swarm: f.swarm})

	f.demux.SetOffenseReporters(
		func(p PeerId) { f.swarm.banManager.RecordOffense(p, PenaltyMalformedPacket, "malformed session payload") },
		func(p PeerId) { f.swarm.banManager.RecordOffense(p, PenaltyReservedTagAbuse, "application traffic on reserved tag") },
	)
	f.swarm.SetPacketHandler(func(p PeerId, data []byte) {
		_, tag, hasTag, payload, err := decodeWirePacket(data)
		if err != nil {
			logger := klog.WithComponent("session")
			logger.Debug().Err(err).Str("peer", p.String()).Msg("dropping malformed inbound packet")
			f.swarm.banManager.RecordOffense(p, PenaltyMalformedPacket, "malformed wire frame")
			return
		}
		f.demux.Handle(p, tag, hasTag, payload)
	})

	f.heartbeat = NewHeartbeatScheduler(f.registry, exec, f.cfg)
	f.heartbeat.Start()
	f.swarm.OnPeerSetChanged(f.heartbeat.Poke)
	return nil
}

// Stop tears down the heartbeat scheduler and the swarm.
func (f *Facade) Stop() error {
	if f.heartbeat != nil {
		f.heartbeat.Stop()
	}
	return f.swarm.Stop()
}

// SetTicketAggregator installs the external ticket-aggregation writer.
// Calling it twice panics.
func (f *Facade) SetTicketAggregator(agg TicketAggregator) {
	f.ticketWriter.Set(agg)
}

// OnFinishedPing implements PingSink: it applies the probe outcome to the
// registry. Errors from Update (self peer or a store failure) are logged
// and swallowed; outcomes for unknown peers are dropped by Update itself, matching the "heartbeat loops log and continue" policy.
func (f *Facade) OnFinishedPing(peer PeerId, latency time.Duration, probeErr error, version string) {
	if _, err := f.registry.Update(peer, latency, probeErr, version); err != nil {
		logger := klog.WithComponent("relay")
		logger.Debug().Err(err).Str("peer", peer.String()).Msg("dropping ping outcome")
	}
}

// SendSessionData implements sessionSender for Session.Send: it resolves
// a path for sid's peer and pushes data out through the packet sender.
func (f *Facade) SendSessionData(sid SessionId, path PathOption, data []byte) error {
	return f.sendVia(context.Background(), sid.Peer, path, sid.Tag, data)
}

// Ping probes a single peer through the write-once ping executor,
// returning the measured latency on success: an access-control check,
// then an observation registration, then the probe itself.
func (f *Facade) Ping(ctx context.Context, peer PeerId) (time.Duration, error) {
	if peer == f.registry.self {
		return 0, Api("cannot ping self")
	}
	if f.swarm.banManager != nil && f.swarm.banManager.IsBanned(peer) {
		return 0, NotAllowed("peer %s is banned", peer)
	}
	_ = f.registry.Add(peer, OriginManualPing, nil)

	exec, err := f.ping.Get()
	if err != nil {
		return 0, err
	}
	latency, err := exec.PingSingle(ctx, peer, f.cfg.PingTimeout)
	if err != nil {
		return 0, Timeout("ping %s: %v", peer, err)
	}
	return latency, nil
}

// SendMessage validates and routes an outbound application payload: an
// access-control check, then tag must be a free-range tag, the payload
// must fit within PayloadSize, and the whole send is bounded by
// PacketQueueTimeout.
func (f *Facade) SendMessage(ctx context.Context, dest PeerId, opts PathOption, tag AppTag, payload []byte) error {
	if f.swarm.banManager != nil && f.swarm.banManager.IsBanned(dest) {
		return NotAllowed("peer %s is banned", dest)
	}
	if tag < ReservedSessionTagUpperLimit {
		return Api("cannot send with reserved app tag %d", tag)
	}
	if len(payload) > f.cfg.PayloadSize {
		return Api("payload of %d bytes exceeds configured payload size %d", len(payload), f.cfg.PayloadSize)
	}
	return f.sendVia(ctx, dest, opts, tag, payload)
}

func (f *Facade) sendVia(parent context.Context, dest PeerId, opts PathOption, tag AppTag, payload []byte) error {
	sender, err := f.packetSender.Get()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, f.cfg.PacketQueueTimeout)
	defer cancel()

	resolved, err := f.pathPlanner.ResolvePath(ctx, dest, opts)
	if err != nil {
		return Wrap(ErrTransport, err)
	}
	app := ApplicationData{Peer: dest, Tag: tag, HasTag: true, Payload: payload}
	fin, err := sender.SendPacket(ctx, app, resolved)
	if err != nil {
		return Wrap(ErrTransport, err)
	}
	return fin.ConsumeAndWait(ctx, f.cfg.PacketQueueTimeout)
}

// NewSession opens an outbound session to peer on a freshly allocated
// session tag.
func (f *Facade) NewSession(peer PeerId, opts PathOption, caps map[Capability]struct{}) (*Session, error) {
	return f.demux.OpenSession(peer, opts, caps)
}

// AggregateTickets triggers on-chain ticket aggregation for an open
// channel via the write-once writer.
func (f *Facade) AggregateTickets(ctx context.Context, channelId ChannelId) error {
	if f.channels == nil {
		return ChannelNotFound("no channel ledger configured")
	}
	status, ok := f.channels.Channel(channelId)
	if !ok {
		return ChannelNotFound("channel %s", channelId)
	}
	if status != ChannelOpen {
		return ChannelClosed("channel %s is not open", channelId)
	}
	agg, err := f.ticketWriter.Get()
	if err != nil {
		return err
	}
	return agg.AggregateTickets(ctx, channelId)
}

// NetworkHealth reports the current network-health indicator.
func (f *Facade) NetworkHealth() Health {
	return f.registry.Health()
}

// NetworkConnectedPeers lists this node's currently connected peers.
func (f *Facade) NetworkConnectedPeers() []*Peer {
	return f.swarm.PeerList()
}

// NetworkPeerInfo returns peer's registry record, or nil if unknown.
func (f *Facade) NetworkPeerInfo(peer PeerId) *PeerRecord {
	return f.registry.Get(peer)
}

// PublicNodes lists every known peer this registry believes is publicly
// dialable (at least one recorded multiaddress).
func (f *Facade) PublicNodes() []*PeerRecord {
	return f.registry.PeerFilter(func(rec *PeerRecord) bool {
		return len(rec.Multiaddresses) > 0
	})
}

// TicketStatistics is the summary returned by Facade.TicketStatistics.
// This core keeps no ticket ledger, so its fields are always zero.
type TicketStatistics struct {
	WinningCount    uint64
	UnredeemedValue string
}

// TicketStatistics reports aggregate ticket counters. Ticket economics
// live outside this core, and no ledger can be injected here: this always
// returns a zero-value summary rather than failing.
func (f *Facade) TicketStatistics() TicketStatistics {
	return TicketStatistics{}
}

// TicketsInChannel and AllTickets likewise stand in for a ledger this
// core does not implement; they always return nil.
func (f *Facade) TicketsInChannel(ChannelId) []ChannelId { return nil }
func (f *Facade) AllTickets() []ChannelId                { return nil }

// ListeningMultiaddresses returns the addresses the local libp2p host is
// actually bound to.
func (f *Facade) ListeningMultiaddresses() []ma.Multiaddr {
	return f.swarm.host.Addrs()
}

// LocalMultiaddresses is an alias over the same listening set, kept
// distinct from ListeningMultiaddresses because a future transport could
// bind wider than it wants to announce.
func (f *Facade) LocalMultiaddresses() []ma.Multiaddr {
	return f.swarm.host.Addrs()
}

// AnnounceableMultiaddresses filters and sorts LocalMultiaddresses for
// external announcement.
func (f *Facade) AnnounceableMultiaddresses() []ma.Multiaddr {
	return AnnounceableMultiaddresses(f.LocalMultiaddresses(), f.cfg.AnnounceLocalAddresses, f.supported)
}

// NetworkObservedMultiaddresses returns, for each known peer, the
// multiaddresses this node has actually recorded for it (as opposed to
// what that peer announces about itself).
func (f *Facade) NetworkObservedMultiaddresses() map[PeerId][]string {
	out := make(map[PeerId][]string)
	for _, rec := range f.registry.PeerFilter(func(*PeerRecord) bool { return true }) {
		addrs := make([]string, 0, len(rec.Multiaddresses))
		for a := range rec.Multiaddresses {
			addrs = append(addrs, a)
		}
		out[rec.Id] = addrs
	}
	return out
}

// OnTransportOutput returns the channel application packets with
// free-range or absent tags are forwarded to.
func (f *Facade) OnTransportOutput() <-chan ApplicationData { return f.output }

// IncomingSessions returns the channel newly-opened inbound sessions are
// announced on.
func (f *Facade) IncomingSessions() <-chan *Session { return f.incoming }

// OnAcknowledgedTicket returns the channel of opaque ticket
// acknowledgements forwarded from the relaying protocol.
func (f *Facade) OnAcknowledgedTicket() <-chan AcknowledgedTicket { return f.ackTickets }

// Events returns the bounded NetworkEvent stream.
func (f *Facade) Events() <-chan *NetworkEvent { return f.events.Events() }

// swarmPacketSender adapts Swarm.SendPacket to the PacketSender
// interface: the swarm's send blocks until the receiver's acknowledgement
// arrives, so the Finalizer it returns has nothing left to wait for.
type swarmPacketSender struct {
	swarm *Swarm
}

func (s swarmPacketSender) SendPacket(ctx context.Context, data ApplicationData, path ResolvedPath) (Finalizer, error) {
	payload := data.Payload
	if data.HasTag && data.Tag < ReservedSessionTagUpperLimit {
		// Session-range traffic carries its logical peer inside the
		// plaintext; direct-stream delivery here means the stream's remote
		// peer and the encoded one coincide, but the demultiplexer always
		// decodes from plaintext so multi-hop paths work the same way.
		payload = encodeSessionPayload(data.Peer, data.Payload)
	}
	frame := encodeWirePacket(s.swarm.nextPacketSeq(), data.Tag, data.HasTag, payload)
	if err := s.swarm.SendPacket(data.Peer, frame); err != nil {
		return nil, err
	}
	return noopFinalizer{}, nil
}

type noopFinalizer struct{}

func (noopFinalizer) ConsumeAndWait(ctx context.Context, timeout time.Duration) error { return nil }

// encodeWirePacket frames a packet protocol payload with its sequence
// number and application tag, so the receiver can acknowledge the frame
// and the demultiplexer can partition by tag without a side channel.
// Layout: [seq uint32 BE][hasTag byte][tag uint16 BE if hasTag][payload].
func encodeWirePacket(seq uint32, tag AppTag, hasTag bool, payload []byte) []byte {
	if !hasTag {
		out := make([]byte, 5+len(payload))
		binary.BigEndian.PutUint32(out, seq)
		out[4] = 0
		copy(out[5:], payload)
		return out
	}
	out := make([]byte, 7+len(payload))
	binary.BigEndian.PutUint32(out, seq)
	out[4] = 1
	binary.BigEndian.PutUint16(out[5:], uint16(tag))
	copy(out[7:], payload)
	return out
}

func decodeWirePacket(data []byte) (uint32, AppTag, bool, []byte, error) {
	if len(data) < 5 {
		return 0, 0, false, nil, Api("truncated wire packet")
	}
	seq := binary.BigEndian.Uint32(data)
	if data[4] == 0 {
		return seq, 0, false, data[5:], nil
	}
	if len(data) < 7 {
		return 0, 0, false, nil, Api("truncated tagged wire packet")
	}
	tag := AppTag(binary.BigEndian.Uint16(data[5:]))
	return seq, tag, true, data[7:], nil
}
