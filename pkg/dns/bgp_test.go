package dns

import (
	"net"
	"testing"
	"time"
)

func mustParseCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("ParseCIDR(%s): %v", s, err)
	}
	return n
}

func TestAnycastTableAcceptsValidAnnouncement(t *testing.T) {
	table := NewAnycastTable(65000)
	ann := Announcement{
		PeerID:   "peer-1",
		Prefix:   mustParseCIDR(t, "198.51.100.0/24"),
		NextHop:  net.ParseIP("203.0.113.1"),
		ASPath:   []uint32{65001, 65002},
		Received: time.Now(),
	}
	if err := table.Accept(ann); err != nil {
		t.Fatalf("expected valid announcement to be accepted, got %v", err)
	}
}

func TestAnycastTableRejectsBogonPrefix(t *testing.T) {
	table := NewAnycastTable(65000)
	ann := Announcement{
		PeerID:  "peer-1",
		Prefix:  mustParseCIDR(t, "10.0.0.0/24"),
		NextHop: net.ParseIP("203.0.113.1"),
		ASPath:  []uint32{65001},
	}
	if err := table.Accept(ann); err == nil {
		t.Fatal("expected RFC1918 prefix to be rejected")
	}
}

func TestAnycastTableRejectsBogonNextHop(t *testing.T) {
	table := NewAnycastTable(65000)
	ann := Announcement{
		PeerID:  "peer-1",
		Prefix:  mustParseCIDR(t, "198.51.100.0/24"),
		NextHop: net.ParseIP("127.0.0.1"),
		ASPath:  []uint32{65001},
	}
	if err := table.Accept(ann); err == nil {
		t.Fatal("expected loopback next-hop to be rejected")
	}
}

func TestAnycastTableRejectsASPathLoop(t *testing.T) {
	table := NewAnycastTable(65000)
	ann := Announcement{
		PeerID:  "peer-1",
		Prefix:  mustParseCIDR(t, "198.51.100.0/24"),
		NextHop: net.ParseIP("203.0.113.1"),
		ASPath:  []uint32{65001, 65000},
	}
	if err := table.Accept(ann); err == nil {
		t.Fatal("expected AS-path loop through local AS to be rejected")
	}
}

func TestAnycastTableEnforcesPrefixCap(t *testing.T) {
	table := NewAnycastTable(65000)
	base := time.Now()
	for i := 0; i < MaxPrefixesPerPeer; i++ {
		prefix := &net.IPNet{IP: net.IPv4(198, 51, byte(100+i), 0), Mask: net.CIDRMask(24, 32)}
		ann := Announcement{
			PeerID:   "peer-1",
			Prefix:   prefix,
			NextHop:  net.ParseIP("203.0.113.1"),
			ASPath:   []uint32{65001},
			Received: base.Add(time.Duration(i) * 2 * time.Minute),
		}
		if err := table.Accept(ann); err != nil {
			t.Fatalf("unexpected rejection on iteration %d: %v", i, err)
		}
	}

	over := &net.IPNet{IP: net.IPv4(198, 60, 0, 0), Mask: net.CIDRMask(24, 32)}
	ann := Announcement{
		PeerID:   "peer-1",
		Prefix:   over,
		NextHop:  net.ParseIP("203.0.113.1"),
		ASPath:   []uint32{65001},
		Received: base.Add(time.Duration(MaxPrefixesPerPeer) * 2 * time.Minute),
	}
	if err := table.Accept(ann); err == nil {
		t.Fatal("expected the prefix past the per-peer cap to be rejected")
	}
}

func TestAnycastTableEnforcesAnnouncementRate(t *testing.T) {
	table := NewAnycastTable(65000)
	now := time.Now()
	for i := 0; i < MaxAnnouncementsPerMinute; i++ {
		_, prefix, _ := net.ParseCIDR("198.51.100.0/24")
		prefix.IP = net.IPv4(198, 51, byte(100+i%50), 0)
		ann := Announcement{
			PeerID:   "peer-rate",
			Prefix:   prefix,
			NextHop:  net.ParseIP("203.0.113.1"),
			ASPath:   []uint32{65001},
			Received: now,
		}
		if err := table.Accept(ann); err != nil {
			t.Fatalf("unexpected rejection before rate cap on iteration %d: %v", i, err)
		}
	}
	_, prefix, _ := net.ParseCIDR("198.51.200.0/24")
	over := Announcement{PeerID: "peer-rate", Prefix: prefix, NextHop: net.ParseIP("203.0.113.1"), ASPath: []uint32{65001}, Received: now}
	if err := table.Accept(over); err == nil {
		t.Fatal("expected the announcement past the per-minute cap to be rejected")
	}
}
