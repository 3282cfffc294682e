package dns

import (
	"net"
	"sync"
	"time"

	"github.com/cuemby/formation/pkg/ferrors"
)

// MaxPrefixesPerPeer bounds how many anycast prefixes a single peer may
// announce at once, per spec's "caps per-peer prefix count".
const MaxPrefixesPerPeer = 64

// MaxAnnouncementsPerMinute bounds how many announcements a peer may
// submit per minute.
const MaxAnnouncementsPerMinute = 60

// Announcement is a BGP-style anycast prefix announcement.
type Announcement struct {
	PeerID   string
	Prefix   *net.IPNet
	NextHop  net.IP
	ASPath   []uint32
	Received time.Time
}

// AnycastTable tracks accepted anycast announcements and enforces the
// validation rules from spec §4.4's final paragraph: bogon filtering,
// AS-path loop rejection, per-peer prefix caps, and per-minute rate
// limiting.
type AnycastTable struct {
	localAS uint32

	mu            sync.Mutex
	prefixesByPeer map[string]map[string]*net.IPNet
	recentByPeer  map[string][]time.Time
}

// NewAnycastTable constructs a table that rejects AS-path loops back to
// localAS.
func NewAnycastTable(localAS uint32) *AnycastTable {
	return &AnycastTable{
		localAS:        localAS,
		prefixesByPeer: make(map[string]map[string]*net.IPNet),
		recentByPeer:   make(map[string][]time.Time),
	}
}

// Accept validates and records ann, returning an error identifying the
// first validation failure encountered.
func (t *AnycastTable) Accept(ann Announcement) error {
	if isBogonPrefix(ann.Prefix) {
		return ferrors.New(ferrors.KindInvalidQuery, "bogon prefix rejected: "+ann.Prefix.String())
	}
	if isBogonNextHop(ann.NextHop) {
		return ferrors.New(ferrors.KindInvalidQuery, "bogon next-hop rejected: "+ann.NextHop.String())
	}
	for _, asn := range ann.ASPath {
		if asn == t.localAS {
			return ferrors.New(ferrors.KindInvalidQuery, "AS-path loop through local AS")
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := ann.Received
	if now.IsZero() {
		now = time.Now()
	}
	recent := t.recentByPeer[ann.PeerID]
	cutoff := now.Add(-time.Minute)
	kept := recent[:0]
	for _, ts := range recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= MaxAnnouncementsPerMinute {
		return ferrors.New(ferrors.KindRateLimited, "announcement rate exceeded for peer "+ann.PeerID)
	}
	t.recentByPeer[ann.PeerID] = append(kept, now)

	peerPrefixes := t.prefixesByPeer[ann.PeerID]
	if peerPrefixes == nil {
		peerPrefixes = make(map[string]*net.IPNet)
		t.prefixesByPeer[ann.PeerID] = peerPrefixes
	}
	if _, exists := peerPrefixes[ann.Prefix.String()]; !exists && len(peerPrefixes) >= MaxPrefixesPerPeer {
		return ferrors.New(ferrors.KindInvalidQuery, "prefix cap exceeded for peer "+ann.PeerID)
	}
	peerPrefixes[ann.Prefix.String()] = ann.Prefix
	return nil
}

// isBogonPrefix reports whether prefix is a non-routable (RFC1918,
// loopback, or link-local) block that must never be announced.
func isBogonPrefix(prefix *net.IPNet) bool {
	if prefix == nil {
		return true
	}
	ip := prefix.IP
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, block := range privateV4Blocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// isBogonNextHop reports whether nextHop is invalid for use as a BGP
// next-hop: unset, loopback, link-local, or multicast.
func isBogonNextHop(nextHop net.IP) bool {
	if nextHop == nil {
		return true
	}
	return nextHop.IsLoopback() || nextHop.IsLinkLocalUnicast() || nextHop.IsMulticast() || nextHop.IsUnspecified()
}

var privateV4Blocks = func() []*net.IPNet {
	blocks := []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
	nets := make([]*net.IPNet, 0, len(blocks))
	for _, b := range blocks {
		_, n, err := net.ParseCIDR(b)
		if err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}()
