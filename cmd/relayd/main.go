// Mixnet relay node daemon.
//
// Usage:
//
//	relayd [--data-dir=... --network=... --seeds=...] Run node
//	relayd --help                                     Show help
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	klog "github.com/hopr-relay/relaycore/internal/log"
	"github.com/hopr-relay/relaycore/internal/relay"
	"github.com/hopr-relay/relaycore/internal/storage"
)

const version = "0.1.0"

func main() {
	// ── 1. Flags ────────────────────────────────────────────────────────
	var (
		listenAddr    = flag.String("listen", "0.0.0.0", "IP address to listen on")
		port          = flag.Int("port", 9091, "TCP port to listen on")
		dataDir       = flag.String("data-dir", defaultDataDir(), "directory for node identity and durable state")
		networkId     = flag.String("network", "", "network identifier peers must match (empty = default)")
		seeds         = flag.String("seeds", "", "comma-separated seed multiaddrs (/ip4/../tcp/../p2p/..)")
		maxPeers      = flag.Int("max-peers", 64, "maximum number of swarm peers (0 = unlimited)")
		noDiscover    = flag.Bool("no-discover", false, "disable mDNS and DHT peer discovery")
		dhtServer     = flag.Bool("dht-server", false, "run the DHT in server mode")
		announceLocal = flag.Bool("announce-local", false, "include loopback/link-local addresses in announcements")
		selfPublic    = flag.Bool("public", false, "this node is publicly reachable")
		logLevel      = flag.String("log-level", "info", "log level (debug|info|warn|error)")
		jsonLog       = flag.Bool("json-log", false, "emit JSON logs instead of colored console output")
	)
	flag.Parse()

	// ── 2. Init logger ──────────────────────────────────────────────────
	if err := klog.Init(*logLevel, *jsonLog, ""); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("relayd")

	// ── 3. Open storage ─────────────────────────────────────────────────
	db, err := storage.NewBadger(filepath.Join(*dataDir, "db"))
	if err != nil {
		logger.Fatal().Err(err).Str("path", *dataDir).Msg("Failed to open database")
	}
	defer db.Close()

	// ── 4. Node identity ────────────────────────────────────────────────
	self, err := relay.NodeIdentity(*dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load node identity")
	}

	logger.Info().
		Str("peer_id", self.String()).
		Str("network", *networkId).
		Str("version", version).
		Msg("Starting mixnet relay node")

	// ── 5. Build and run the transport core ─────────────────────────────
	cfg := relay.DefaultConfig()
	cfg.AnnounceLocalAddresses = *announceLocal
	cfg.SelfIsPublic = *selfPublic
	cfg.Validate()

	swarmCfg := relay.SwarmConfig{
		ListenAddr: *listenAddr,
		Port:       *port,
		Seeds:      splitSeeds(*seeds),
		MaxPeers:   *maxPeers,
		NoDiscover: *noDiscover,
		DB:         db,
		DHTServer:  *dhtServer,
		NetworkId:  *networkId,
		DataDir:    *dataDir,
	}

	node := relay.NewFacade(cfg, self, nil, swarmCfg, directPlanner{}, nil)
	if err := node.Run(version); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start transport core")
	}

	for _, a := range node.AnnounceableMultiaddresses() {
		logger.Info().Str("addr", a.String()).Msg("Announcing")
	}

	// ── 6. Drain host-facing channels ───────────────────────────────────
	go drainOutput(node)
	go drainSessions(node)
	go drainEvents(node)
	go drainTickets(node)

	logger.Info().Str("health", node.NetworkHealth().String()).Msg("Node started successfully")

	// ── 7. Wait for shutdown ────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	if err := node.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Shutdown did not complete cleanly")
	}
	logger.Info().Msg("Goodbye!")
}

// directPlanner routes every packet exactly as the caller asked: the
// destination itself for a direct path, or the caller's hop list
// verbatim. A real deployment substitutes the external path planner.
type directPlanner struct{}

func (directPlanner) ResolvePath(_ context.Context, dest relay.PeerId, opts relay.PathOption) (relay.ResolvedPath, error) {
	if opts.IsDirect() {
		return relay.ResolvedPath{Hops: []relay.PeerId{dest}}, nil
	}
	return relay.ResolvedPath{Hops: opts.Hops}, nil
}

// drainOutput logs free-range application packets. A host embedding the
// core consumes these instead.
func drainOutput(node *relay.Facade) {
	logger := klog.WithComponent("relayd")
	for data := range node.OnTransportOutput() {
		logger.Debug().
			Str("peer", data.Peer.String()).
			Uint16("tag", uint16(data.Tag)).
			Int("bytes", len(data.Payload)).
			Msg("Application packet")
	}
}

// drainSessions accepts inbound sessions and logs their traffic.
func drainSessions(node *relay.Facade) {
	logger := klog.WithComponent("relayd")
	for sess := range node.IncomingSessions() {
		logger.Info().
			Str("peer", sess.Peer().String()).
			Uint16("tag", uint16(sess.Tag())).
			Msg("Inbound session opened")
		go func(s *relay.Session) {
			for data := range s.Inbound() {
				logger.Debug().
					Str("peer", s.Peer().String()).
					Uint16("tag", uint16(s.Tag())).
					Int("bytes", len(data)).
					Msg("Session data")
			}
		}(sess)
	}
}

// drainEvents logs quality updates and close requests from the registry.
func drainEvents(node *relay.Facade) {
	logger := klog.WithComponent("relayd")
	for ev := range node.Events() {
		switch ev.Kind {
		case relay.EventCloseConnection:
			logger.Info().Str("peer", ev.Peer.String()).Msg("Registry requested connection close")
		default:
			logger.Debug().
				Str("peer", ev.Peer.String()).
				Float64("quality", ev.Quality).
				Msg("Peer quality updated")
		}
	}
}

// drainTickets logs acknowledged tickets; the chain machinery that
// would redeem them lives outside this daemon.
func drainTickets(node *relay.Facade) {
	logger := klog.WithComponent("relayd")
	for ticket := range node.OnAcknowledgedTicket() {
		logger.Debug().
			Str("peer", ticket.Peer.String()).
			Int("bytes", len(ticket.Payload)).
			Msg("Acknowledged ticket")
	}
}

func splitSeeds(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relayd"
	}
	return filepath.Join(home, ".relayd")
}
