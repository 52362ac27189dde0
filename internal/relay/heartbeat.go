package relay

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	klog "github.com/hopr-relay/relaycore/internal/log"
	"github.com/rs/zerolog"
)

// HeartbeatScheduler periodically selects stale peers from the Network
// Registry and submits them to the Ping Executor. A tick never blocks on
// a slow probe: the batch is submitted and the scheduler returns to its
// timer. At most one tick runs at a time; if a tick's work overruns its
// period the next tick starts immediately instead of skipping, with the
// overrun logged.
type HeartbeatScheduler struct {
	registry *Registry
	ping     *PingExecutor
	cfg      *Config

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	poke    chan struct{}
}

// NewHeartbeatScheduler constructs a scheduler bound to registry and ping.
func NewHeartbeatScheduler(registry *Registry, ping *PingExecutor, cfg *Config) *HeartbeatScheduler {
	return &HeartbeatScheduler{registry: registry, ping: ping, cfg: cfg, poke: make(chan struct{}, 1)}
}

// Poke asks the scheduler to cut its current wait short and tick now,
// so a peer-set change gets probed promptly instead of waiting out the
// interval. A no-op when not running or when a poke is already pending.
func (h *HeartbeatScheduler) Poke() {
	if !h.running.Load() {
		return
	}
	select {
	case h.poke <- struct{}{}:
	default:
	}
}

// Start launches the scheduler's tick loop in a background goroutine.
// Calling Start twice without an intervening Stop is a no-op.
func (h *HeartbeatScheduler) Start() {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(ctx)
}

// Stop halts the tick loop. It waits for the current tick to finish
// submitting its batch, but not for outstanding probes to complete.
func (h *HeartbeatScheduler) Stop() {
	if !h.running.CompareAndSwap(true, false) {
		return
	}
	h.cancel()
	<-h.done
}

func (h *HeartbeatScheduler) loop(ctx context.Context) {
	defer close(h.done)
	logger := klog.WithComponent("heartbeat")

	for {
		cycleStart := time.Now()
		h.tick(ctx, logger)

		elapsed := time.Since(cycleStart)
		remaining := h.cfg.HeartbeatInterval - elapsed
		if remaining <= 0 {
			logger.Warn().Dur("elapsed", elapsed).Dur("budget", h.cfg.HeartbeatInterval).
				Msg("heartbeat tick exceeded its cycle budget, starting next tick immediately")
			remaining = 0
		} else {
			remaining += jitter(h.cfg.HeartbeatVariance)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(remaining):
		case <-h.poke:
		}
	}
}

// tick performs one heartbeat pass: find peers due for a probe and submit
// them to the ping executor. It returns as soon as the batch is
// submitted; it does not await the probes themselves.
func (h *HeartbeatScheduler) tick(ctx context.Context, logger zerolog.Logger) {
	threshold := time.Now().Add(-h.cfg.HeartbeatThreshold)
	due := h.registry.FindPeersToPing(threshold)
	if len(due) == 0 {
		return
	}
	logger.Debug().Int("peers", len(due)).Msg("submitting heartbeat batch")

	go func() {
		if err := h.ping.Ping(ctx, due, h.cfg.PingTimeout); err != nil {
			logger.Warn().Err(err).Msg("heartbeat batch did not complete cleanly")
		}
	}()
}

func jitter(variance time.Duration) time.Duration {
	if variance <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(variance)))
}
