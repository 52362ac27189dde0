package relay

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	klog "github.com/hopr-relay/relaycore/internal/log"
)

// banGater implements the libp2p ConnectionGater interface, enforcing
// the NotAllowed access-control boundary at the transport level: a
// banned peer is rejected before it can dial in, dial out, or finish a
// handshake, regardless of which Facade operation it's aimed at.
type banGater struct {
	banMgr *BanManager
}

// InterceptPeerDial rejects outbound dials to banned peers.
func (g *banGater) InterceptPeerDial(p peer.ID) bool {
	if g.banMgr.IsBanned(p) {
		klog.BanMgr.Debug().Str("peer", shortPeerID(p)).Msg("rejected outbound dial to banned peer")
		return false
	}
	return true
}

// InterceptAddrDial allows all address dials (filtering is done per-peer).
func (g *banGater) InterceptAddrDial(_ peer.ID, _ ma.Multiaddr) bool {
	return true
}

// InterceptAccept allows all inbound connections at the transport layer.
// Peer identity is not yet known at this stage.
func (g *banGater) InterceptAccept(_ network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured rejects connections from banned peers once their
// identity is authenticated, covering both directions of the handshake
// (an inbound dial from a peer banned after a prior offense, or an
// outbound dial racing a ban recorded between InterceptPeerDial and here).
func (g *banGater) InterceptSecured(dir network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if g.banMgr.IsBanned(p) {
		klog.BanMgr.Debug().
			Str("peer", shortPeerID(p)).
			Str("direction", dir.String()).
			Msg("rejected secured connection from banned peer")
		return false
	}
	return true
}

// InterceptUpgraded allows all fully upgraded connections; ban enforcement
// has already run in InterceptSecured once the peer's identity is known.
func (g *banGater) InterceptUpgraded(_ network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

func shortPeerID(p peer.ID) string {
	s := p.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
