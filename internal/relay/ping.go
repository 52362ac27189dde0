package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"golang.org/x/sync/errgroup"
)

// maxPingBytes bounds a ping reply frame.
const maxPingBytes = 1024

// PingSink receives the outcome of a single probe. Registered once by the
// Heartbeat Scheduler / Transport Facade; called from whichever goroutine
// completes the probe.
type PingSink interface {
	OnFinishedPing(peer PeerId, latency time.Duration, probeErr error, version string)
}

// pingReply is exchanged over PingProtocol.
type pingReply struct {
	Version string `json:"version"`
}

// PingExecutor fans a batch of peer probes out concurrently over the
// swarm and reports each outcome to a sink. One executor is shared by
// the Heartbeat Scheduler and manual pings from the Transport Facade.
type PingExecutor struct {
	swarm   *Swarm
	sink    PingSink
	version string
}

// NewPingExecutor constructs an executor bound to swarm, reporting
// outcomes to sink. version is advertised in this node's own ping replies.
func NewPingExecutor(swarm *Swarm, sink PingSink, version string) *PingExecutor {
	return &PingExecutor{swarm: swarm, sink: sink, version: version}
}

// registerPingHandler wires the swarm's PingProtocol stream handler to
// reply with this node's version.
func (e *PingExecutor) registerPingHandler() {
	e.swarm.host.SetStreamHandler(PingProtocol, func(stream network.Stream) {
		defer stream.Close()
		_ = stream.SetDeadline(time.Now().Add(10 * time.Second))
		if err := json.NewEncoder(stream).Encode(&pingReply{Version: e.version}); err != nil {
			return
		}
		stream.CloseWrite()
		io.Copy(io.Discard, stream)
	})
}

// Ping probes every peer in peers concurrently, each bounded by timeout.
// Outcomes are reported to the sink as they complete; cancelling ctx
// cancels all outstanding probes, and partial results that already
// reached the sink stay applied.
func (e *PingExecutor) Ping(ctx context.Context, peers []PeerId, timeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			e.pingOne(gctx, p, timeout)
			return nil
		})
	}
	return g.Wait()
}

// PingSingle probes exactly one peer and also returns the measured
// latency, for the Transport Facade's manual ping API.
func (e *PingExecutor) PingSingle(ctx context.Context, p PeerId, timeout time.Duration) (time.Duration, error) {
	return e.pingOne(ctx, p, timeout)
}

// pingOne performs a single bounded probe and reports its outcome.
func (e *PingExecutor) pingOne(ctx context.Context, p PeerId, timeout time.Duration) (time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	latency, version, err := e.roundTrip(probeCtx, p)
	if err != nil {
		e.sink.OnFinishedPing(p, 0, err, "")
		return 0, err
	}
	e.sink.OnFinishedPing(p, latency, nil, version)
	return latency, nil
}

func (e *PingExecutor) roundTrip(ctx context.Context, p PeerId) (time.Duration, string, error) {
	start := time.Now()
	stream, err := e.swarm.host.NewStream(ctx, p, PingProtocol)
	if err != nil {
		return 0, "", Wrap(ErrTransport, err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if ok {
		_ = stream.SetDeadline(deadline)
	}

	var reply pingReply
	if err := json.NewDecoder(io.LimitReader(stream, maxPingBytes)).Decode(&reply); err != nil {
		return 0, "", Wrap(ErrTransport, fmt.Errorf("decode ping reply: %w", err))
	}
	return time.Since(start), reply.Version, nil
}
