package relay

import (
	"bytes"
	"fmt"
	"io"
	"time"

	klog "github.com/hopr-relay/relaycore/internal/log"
	"github.com/libp2p/go-libp2p/core/network"
)

const (
	// maxPacketBytes bounds a single inbound packet stream. It is a fixed
	// 64 KiB, independent of Config.PayloadSize and of the wire-level MTU.
	maxPacketBytes = 64 * 1024

	// packetAckTimeout bounds one full packet round trip: frame write,
	// receiver read, and the acknowledgement coming back.
	packetAckTimeout = 5 * time.Second

	// packetAckOK leads an acknowledgement frame: [packetAckOK][seq u32 BE].
	packetAckOK = 0x01
)

// registerPacketHandler wires the swarm's PacketProtocol stream handler to
// whatever callback the Transport Facade has installed. Each stream
// carries exactly one framed packet: the sender writes and half-closes,
// the receiver reads to EOF, hands the frame off, and acknowledges by
// echoing the frame's sequence number back on the same stream.
func (s *Swarm) registerPacketHandler() {
	logger := klog.WithComponent("swarm")
	s.host.SetStreamHandler(PacketProtocol, func(stream network.Stream) {
		defer stream.Close()

		remotePeer := stream.Conn().RemotePeer()
		_ = stream.SetDeadline(time.Now().Add(packetAckTimeout))

		data, err := io.ReadAll(io.LimitReader(stream, maxPacketBytes))
		if err != nil {
			logger.Debug().Err(err).Str("peer", remotePeer.String()).Msg("packet read failed")
			return
		}

		s.packetHandlerMu.RLock()
		handler := s.packetHandler
		s.packetHandlerMu.RUnlock()
		if handler != nil {
			handler(remotePeer, data)
		}

		// A frame too short to carry a sequence number is not
		// acknowledged; the sender times out and reports the failure.
		if len(data) < 4 {
			return
		}
		ack := []byte{packetAckOK, data[0], data[1], data[2], data[3]}
		if _, err := stream.Write(ack); err != nil {
			logger.Debug().Err(err).Str("peer", remotePeer.String()).Msg("packet ack write failed")
		}
	})
}

// SendPacket opens a fresh stream to peer, writes a single framed packet,
// and waits for the receiver to acknowledge it by echoing the frame's
// sequence number. A send whose acknowledgement does not arrive within
// packetAckTimeout, or echoes the wrong sequence, fails.
func (s *Swarm) SendPacket(peerId PeerId, data []byte) error {
	stream, err := s.host.NewStream(s.ctx, peerId, PacketProtocol)
	if err != nil {
		return Wrap(ErrTransport, err)
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(packetAckTimeout))

	if _, err := stream.Write(data); err != nil {
		return Wrap(ErrTransport, err)
	}
	if err := stream.CloseWrite(); err != nil {
		return Wrap(ErrTransport, err)
	}

	var ack [5]byte
	if _, err := io.ReadFull(stream, ack[:]); err != nil {
		return Wrap(ErrTransport, fmt.Errorf("packet not acknowledged: %w", err))
	}
	if ack[0] != packetAckOK || len(data) < 4 || !bytes.Equal(ack[1:], data[:4]) {
		return Wrap(ErrTransport, fmt.Errorf("packet acknowledgement mismatch"))
	}
	return nil
}
