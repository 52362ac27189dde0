// Package relay implements the transport core of a peer-to-peer mixnet
// relay node: peer quality tracking, heartbeat probing, network health,
// and tag-addressed session multiplexing over a swarm transport.
package relay

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerId identifies a counterparty. libp2p's peer.ID is already comparable
// and hashable, so it is used directly instead of wrapping it.
type PeerId = peer.ID

// Origin records how a peer first entered the registry.
type Origin int

const (
	OriginInitialization Origin = iota
	OriginIncomingConnection
	OriginOutgoingConnection
	OriginDialed
	OriginNetworkRegistry
	OriginManualPing
	OriginTesting
)

func (o Origin) String() string {
	switch o {
	case OriginInitialization:
		return "initialization"
	case OriginIncomingConnection:
		return "incoming_connection"
	case OriginOutgoingConnection:
		return "outgoing_connection"
	case OriginDialed:
		return "dialed"
	case OriginNetworkRegistry:
		return "network_registry"
	case OriginManualPing:
		return "manual_ping"
	case OriginTesting:
		return "testing"
	default:
		return "unknown"
	}
}

// PeerRecord is the per-peer state tracked by the Network Registry.
// Field semantics follow the probe-outcome state machine in registry.go.
type PeerRecord struct {
	Id                  PeerId
	Origin              Origin
	Multiaddresses      map[string]struct{}
	Quality             float64
	HeartbeatsSent      uint64
	HeartbeatsSucceeded uint64
	LastSeen            time.Time
	LastSeenLatency     time.Duration
	Backoff             float64
	Ignored             *time.Time
	PeerVersion         string
}

// Stats is a derived snapshot of the registry partitioned by quality and
// public-reachability, consumed by the Health Classifier.
type Stats struct {
	GoodQualityPublic    int
	BadQualityPublic     int
	GoodQualityNonPublic int
	BadQualityNonPublic  int
}

// Health is the ordinal network-health indicator, {Unknown < Red < Orange
// < Yellow < Green}. Ordering matters: comparisons use the numeric value.
type Health int

const (
	HealthUnknown Health = iota
	HealthRed
	HealthOrange
	HealthYellow
	HealthGreen
)

func (h Health) String() string {
	switch h {
	case HealthRed:
		return "red"
	case HealthOrange:
		return "orange"
	case HealthYellow:
		return "yellow"
	case HealthGreen:
		return "green"
	default:
		return "unknown"
	}
}

// NetworkEvent is emitted by the registry when a probe outcome changes a
// peer's observable state.
type NetworkEvent struct {
	CorrelationId string
	Peer          PeerId
	Kind          NetworkEventKind
	Quality       float64 // only meaningful for UpdateQuality
}

type NetworkEventKind int

const (
	EventUpdateQuality NetworkEventKind = iota
	EventCloseConnection
)

// AppTag is the 16-bit application tag namespace. See demux.go for the
// reserved-range partitioning.
type AppTag uint16

const (
	ReservedSubprotocolTagUpperLimit AppTag = 16
	ReservedSessionTagUpperLimit     AppTag = 1024
)

// SessionId identifies a multiplexed session by tag and remote peer.
type SessionId struct {
	Tag  AppTag
	Peer PeerId
}

// AcknowledgedTicket is an opaque ticket acknowledgement forwarded from
// the relaying protocol to the host. The transport core never inspects
// the payload; ticket semantics belong to the chain machinery around it.
type AcknowledgedTicket struct {
	Peer    PeerId
	Payload []byte
}
