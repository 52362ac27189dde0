package relay

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer is a swarm-level connected-peer record, distinct from the Registry's
// quality-tracking PeerRecord: it only exists while a connection is live.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Origin      Origin
}
