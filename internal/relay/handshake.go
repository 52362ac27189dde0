package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	klog "github.com/hopr-relay/relaycore/internal/log"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// handshakeTimeout is the max time for a complete handshake exchange.
	handshakeTimeout = 10 * time.Second

	// maxHandshakeBytes limits handshake message size.
	maxHandshakeBytes = 4096
)

// HandshakeMessage is exchanged between peers before either side is
// admitted into the Network Registry. It carries just enough to reject a
// stale build or a peer from the wrong mixnet before any quality state is
// created for it.
type HandshakeMessage struct {
	ProtocolVersion uint32 `json:"protocol_version"`
	NetworkId       string `json:"network_id"`
}

// registerHandshakeHandler sets up the stream handler for incoming handshakes.
func (s *Swarm) registerHandshakeHandler() {
	logger := klog.WithComponent("swarm")
	s.host.SetStreamHandler(HandshakeProtocol, func(stream network.Stream) {
		defer stream.Close()

		remotePeer := stream.Conn().RemotePeer()

		_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))

		var peerMsg HandshakeMessage
		if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&peerMsg); err != nil {
			logger.Debug().Err(err).Str("peer", remotePeer.String()).Msg("handshake read failed")
			return
		}

		ourMsg := s.buildHandshakeMessage()
		if err := json.NewEncoder(stream).Encode(&ourMsg); err != nil {
			logger.Debug().Err(err).Str("peer", remotePeer.String()).Msg("handshake write failed")
			return
		}

		if reason := s.validateHandshake(peerMsg); reason != "" {
			logger.Warn().Str("peer", remotePeer.String()).Str("reason", reason).Msg("handshake rejected")
			if s.banManager != nil {
				s.banManager.RecordOffense(remotePeer, PenaltyHandshakeFail, reason)
			}
			s.DisconnectPeer(remotePeer)
			return
		}

		s.admitPeer(remotePeer, OriginIncomingConnection)
	})
}

// doHandshake initiates a handshake with a remote peer (dialer side).
func (s *Swarm) doHandshake(peerID peer.ID) {
	logger := klog.WithComponent("swarm")

	stream, err := s.host.NewStream(s.ctx, peerID, HandshakeProtocol)
	if err != nil {
		logger.Debug().Str("peer", peerID.String()).Msg("peer does not support handshake protocol, tolerating")
		s.admitPeer(peerID, OriginOutgoingConnection)
		return
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

	ourMsg := s.buildHandshakeMessage()
	if err := json.NewEncoder(stream).Encode(&ourMsg); err != nil {
		logger.Debug().Err(err).Str("peer", peerID.String()).Msg("handshake send failed")
		return
	}
	stream.CloseWrite()

	var peerMsg HandshakeMessage
	if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&peerMsg); err != nil {
		logger.Debug().Err(err).Str("peer", peerID.String()).Msg("handshake response read failed")
		return
	}

	if reason := s.validateHandshake(peerMsg); reason != "" {
		logger.Warn().Str("peer", peerID.String()).Str("reason", reason).Msg("handshake rejected")
		if s.banManager != nil {
			s.banManager.RecordOffense(peerID, PenaltyHandshakeFail, reason)
		}
		s.DisconnectPeer(peerID)
		return
	}

	s.admitPeer(peerID, OriginOutgoingConnection)
}

// validateHandshake checks a peer's handshake message for compatibility.
// Returns an empty string on success, or a reason string on failure.
func (s *Swarm) validateHandshake(msg HandshakeMessage) string {
	if msg.NetworkId != s.networkId {
		return fmt.Sprintf("network mismatch: peer=%s local=%s", msg.NetworkId, s.networkId)
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d", msg.ProtocolVersion, MinProtocolVersion)
	}
	return ""
}

// buildHandshakeMessage constructs our handshake message from swarm state.
func (s *Swarm) buildHandshakeMessage() HandshakeMessage {
	return HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		NetworkId:       s.networkId,
	}
}
