package relay

import (
	"github.com/google/uuid"

	klog "github.com/hopr-relay/relaycore/internal/log"
)

// maxNetworkEventQueueSize bounds the NetworkEvent channel, applying
// backpressure to the registry's emitter.
const maxNetworkEventQueueSize = 4000

// eventEmitter fans registry-triggered NetworkEvents out to subscribers
// over a bounded channel. The events are advisory, not state-bearing, so
// a full channel means the event is logged and dropped rather than
// blocking the registry.
type eventEmitter struct {
	out chan *NetworkEvent
}

func newEventEmitter() *eventEmitter {
	return &eventEmitter{out: make(chan *NetworkEvent, maxNetworkEventQueueSize)}
}

// Events returns the read side of the event stream.
func (e *eventEmitter) Events() <-chan *NetworkEvent {
	return e.out
}

func (e *eventEmitter) emit(ev *NetworkEvent) {
	select {
	case e.out <- ev:
	default:
		logger := klog.WithComponent("relay")
		logger.Warn().
			Str("peer", ev.Peer.String()).
			Int("kind", int(ev.Kind)).
			Msg("network event queue full, dropping event")
	}
}

func newCorrelationId() string {
	return uuid.NewString()
}
