package relay

import "time"

// Config groups the tunables recognized by the transport core. Field
// names mirror the `conf:"..."` convention the surrounding node
// configuration uses for its own sub-structs.
type Config struct {
	// Heartbeat
	HeartbeatInterval  time.Duration `conf:"relay.heartbeat.interval"`
	HeartbeatVariance  time.Duration `conf:"relay.heartbeat.variance"`
	HeartbeatThreshold time.Duration `conf:"relay.heartbeat.threshold"`
	PingTimeout        time.Duration `conf:"relay.heartbeat.ping_timeout"`

	// Quality
	QualityStep             float64 `conf:"relay.quality.step"`
	QualityBadThreshold     float64 `conf:"relay.quality.bad_threshold"`
	QualityOfflineThreshold float64 `conf:"relay.quality.offline_threshold"`
	QualityAvgWindowSize    int     `conf:"relay.quality.avg_window_size"`

	// Backoff
	BackoffMin      float64       `conf:"relay.backoff.min"`
	BackoffMax      float64       `conf:"relay.backoff.max"`
	BackoffExponent float64       `conf:"relay.backoff.exponent"`
	MinDelay        time.Duration `conf:"relay.backoff.min_delay"`
	MaxDelay        time.Duration `conf:"relay.backoff.max_delay"`

	// Ignore
	IgnoreTimeframe time.Duration `conf:"relay.ignore_timeframe"`

	// Transport
	AnnounceLocalAddresses bool `conf:"relay.announce_local_addresses"`
	SelfIsPublic           bool `conf:"relay.self_is_public"`

	// Session
	SessionIdleTTL           time.Duration `conf:"relay.session.idle_ttl"`
	SessionInitiationTimeout time.Duration `conf:"relay.session.initiation_timeout"`
	SessionLifetime          time.Duration `conf:"relay.session.lifetime"`
	SessionUsableMTUSize     int           `conf:"relay.session.mtu"`

	// Misc
	PacketQueueTimeout time.Duration `conf:"relay.packet_queue_timeout"`
	PayloadSize        int           `conf:"relay.payload_size"`
}

// MaxSessionDirectoryEntries is the Session Directory's hard capacity:
// the largest 16-bit value, 65535 entries.
const MaxSessionDirectoryEntries = 1<<16 - 1

// DefaultConfig returns sensible defaults for the transport core.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval:  1 * time.Minute,
		HeartbeatVariance:  2 * time.Second,
		HeartbeatThreshold: 1 * time.Minute,
		PingTimeout:        30 * time.Second,

		QualityStep:             0.1,
		QualityBadThreshold:     0.2,
		QualityOfflineThreshold: 0.6,
		QualityAvgWindowSize:    10,

		BackoffMin:      2.0,
		BackoffMax:      300.0,
		BackoffExponent: 1.5,
		MinDelay:        1 * time.Second,
		MaxDelay:        5 * time.Minute,

		IgnoreTimeframe: 5 * time.Minute,

		AnnounceLocalAddresses: false,
		SelfIsPublic:           false,

		SessionIdleTTL:           5 * time.Minute,
		SessionInitiationTimeout: 60 * time.Second,
		SessionLifetime:          120 * time.Second,
		SessionUsableMTUSize:     1500,

		PacketQueueTimeout: 15 * time.Second,
		PayloadSize:        500,
	}
}

// Validate checks cross-field invariants. Callers validate once at
// construction time; a failure is a programming/config error, not a
// runtime error, so it panics.
func (c *Config) Validate() {
	if c.QualityOfflineThreshold < c.QualityBadThreshold {
		panic(Api("strict requirement failed, bad quality threshold %v must be lower than quality offline threshold %v",
			c.QualityBadThreshold, c.QualityOfflineThreshold).Error())
	}
}
