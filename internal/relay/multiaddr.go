package relay

import (
	"sort"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

// SupportedProtocolPredicate reports whether a multiaddr uses a transport
// this node can actually dial/listen on. Injected so the facade can plug
// in whatever the swarm's libp2p host was actually configured with.
type SupportedProtocolPredicate func(ma.Multiaddr) bool

// DefaultSupportedProtocols accepts any address that contains no
// /p2p-circuit relay hop; circuit addresses are never announced.
func DefaultSupportedProtocols(addr ma.Multiaddr) bool {
	for _, p := range addr.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return false
		}
	}
	return true
}

// stripPeerSuffix removes a trailing /p2p/<id> component, returning the
// bare transport address.
func stripPeerSuffix(addr ma.Multiaddr) ma.Multiaddr {
	split := ma.Split(addr)
	if len(split) == 0 {
		return addr
	}
	last := split[len(split)-1]
	if _, err := last.ValueForProtocol(ma.P_P2P); err == nil {
		rest := split[:len(split)-1]
		parts := make([]ma.Multiaddrer, len(rest))
		for i := range rest {
			parts[i] = &rest[i]
		}
		return ma.Join(parts...)
	}
	return addr
}

// isDNS reports whether addr begins with a DNS-resolvable protocol
// (dns, dns4, dns6, dnsaddr), which should be preferred in announcements
// over a raw IP so DNS-based rotation/failover keeps working.
func isDNS(addr ma.Multiaddr) bool {
	protos := addr.Protocols()
	if len(protos) == 0 {
		return false
	}
	switch protos[0].Code {
	case ma.P_DNS, ma.P_DNS4, ma.P_DNS6, ma.P_DNSADDR:
		return true
	default:
		return false
	}
}

// AnnounceableMultiaddresses filters local out of candidates that
// announceLocal forbids (loopback and link-local addresses are excluded
// unless the flag is set) and that supported rejects, strips any
// trailing /p2p/<id>, and stably sorts DNS-based addresses ahead of
// everything else.
func AnnounceableMultiaddresses(candidates []ma.Multiaddr, announceLocal bool, supported SupportedProtocolPredicate) []ma.Multiaddr {
	if supported == nil {
		supported = DefaultSupportedProtocols
	}

	filtered := make([]ma.Multiaddr, 0, len(candidates))
	for _, addr := range candidates {
		if !announceLocal && isLocalOnly(addr) {
			continue
		}
		if !supported(addr) {
			continue
		}
		filtered = append(filtered, stripPeerSuffix(addr))
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return isDNS(filtered[i]) && !isDNS(filtered[j])
	})
	return filtered
}

// isLocalOnly reports whether addr can only ever be reached from the same
// host (loopback) or the same private network segment (link-local).
func isLocalOnly(addr ma.Multiaddr) bool {
	s := addr.String()
	return strings.HasPrefix(s, "/ip4/127.") ||
		strings.HasPrefix(s, "/ip4/169.254.") ||
		strings.HasPrefix(s, "/ip6/::1") ||
		strings.HasPrefix(s, "/ip6/fe80:")
}
