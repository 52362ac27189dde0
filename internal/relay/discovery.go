package relay

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// discoveryNotifee handles mDNS peer discovery notifications.
type discoveryNotifee struct {
	swarm *Swarm
}

// HandlePeerFound is called when a peer is discovered via mDNS.
func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.swarm.host.ID() {
		return
	}

	ctx, cancel := context.WithTimeout(d.swarm.ctx, 5*time.Second)
	defer cancel()

	if err := d.swarm.host.Connect(ctx, pi); err == nil {
		go d.swarm.doHandshake(pi.ID)
	}
}
