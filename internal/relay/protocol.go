package relay

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// Stream protocol IDs used by the transport core.
const (
	// HandshakeProtocol gates peer admission into the Network Registry on
	// protocol version and network identity.
	HandshakeProtocol = protocol.ID("/relaycore/handshake/1.0.0")

	// PingProtocol is the Ping Executor's reachability-probe round trip.
	PingProtocol = protocol.ID("/relaycore/ping/1.0.0")

	// PacketProtocol carries application packets between the Tag
	// Demultiplexer and the swarm.
	PacketProtocol = protocol.ID("/relaycore/packet/1.0.0")
)

// AckTicketTag is the subprotocol-reserved application tag that carries
// acknowledged tickets from the relaying protocol. Frames on it are
// forwarded opaquely to the host and never reach application code.
const AckTicketTag AppTag = 1

// ProtocolVersion is the current protocol version advertised during the
// handshake.
const ProtocolVersion uint32 = 1

// MinProtocolVersion is the minimum protocol version accepted from peers.
const MinProtocolVersion uint32 = 1
