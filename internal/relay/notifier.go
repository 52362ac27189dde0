package relay

import (
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"
)

// connNotifier tracks connection lifecycle events via the network.Notifiee
// interface and drives handshake-gated admission.
type connNotifier struct {
	swarm *Swarm
}

// Connected is called when a new connection is opened.
func (cn *connNotifier) Connected(_ network.Network, conn network.Conn) {
	remotePeer := conn.RemotePeer()
	if remotePeer == cn.swarm.host.ID() {
		return
	}
	// Only the dialing side initiates a handshake; the listening side
	// responds from its registered stream handler.
	if conn.Stat().Direction == network.DirOutbound {
		go cn.swarm.doHandshake(remotePeer)
	}
}

// Disconnected is called when a connection is closed. Only removes the
// swarm-level peer entry if there are no remaining connections to it.
func (cn *connNotifier) Disconnected(net network.Network, conn network.Conn) {
	remotePeer := conn.RemotePeer()
	if len(net.ConnsToPeer(remotePeer)) == 0 {
		cn.swarm.removeConnectedPeer(remotePeer)
	}
}

// Listen is called when the swarm starts listening on a new address.
func (cn *connNotifier) Listen(network.Network, multiaddr.Multiaddr) {}

// ListenClose is called when the swarm stops listening on an address.
func (cn *connNotifier) ListenClose(network.Network, multiaddr.Multiaddr) {}
