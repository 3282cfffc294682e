package dns

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.QueriesPerSecond = 1000
	cfg.QueryBurst = 1000
	return cfg
}

func TestResolveReturnsCandidates(t *testing.T) {
	store := newTestStore(t)
	record := &types.DNSRecord{
		Domain: "api.formnet",
		Addresses: []types.SocketAddr{
			{IP: net.ParseIP("10.0.0.1"), Port: 8080},
			{IP: net.ParseIP("10.0.0.2"), Port: 8080},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := store.CreateDNSRecord(record); err != nil {
		t.Fatalf("CreateDNSRecord: %v", err)
	}

	r := NewResolver(store, NewMemCache(), testConfig())
	answer, err := r.Resolve(Query{Domain: "api.formnet", RequestID: "req-1", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(answer.Addresses) != 2 {
		t.Fatalf("expected 2 addresses, got %d", len(answer.Addresses))
	}
	if answer.FromCache {
		t.Fatal("first resolve should not be from cache")
	}
}

func TestResolveUsesCacheOnSecondLookup(t *testing.T) {
	store := newTestStore(t)
	record := &types.DNSRecord{
		Domain:    "cached.formnet",
		Addresses: []types.SocketAddr{{IP: net.ParseIP("10.0.0.1"), Port: 80}},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := store.CreateDNSRecord(record); err != nil {
		t.Fatalf("CreateDNSRecord: %v", err)
	}

	r := NewResolver(store, NewMemCache(), testConfig())
	q := Query{Domain: "cached.formnet", RequestID: "req-1", Timestamp: time.Now()}
	if _, err := r.Resolve(q); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	second, err := r.Resolve(q)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if !second.FromCache {
		t.Fatal("second resolve should be served from cache")
	}
}

func TestResolveDomainNotFound(t *testing.T) {
	store := newTestStore(t)
	r := NewResolver(store, NewMemCache(), testConfig())
	if _, err := r.Resolve(Query{Domain: "missing.formnet", RequestID: "req-1"}); err == nil {
		t.Fatal("expected error for unknown domain")
	}
}

func TestResolveFiltersUnhealthyCandidates(t *testing.T) {
	store := newTestStore(t)
	record := &types.DNSRecord{
		Domain: "mixed.formnet",
		Addresses: []types.SocketAddr{
			{IP: net.ParseIP("10.0.0.1"), Port: 80},
			{IP: net.ParseIP("10.0.0.2"), Port: 80},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := store.CreateDNSRecord(record); err != nil {
		t.Fatalf("CreateDNSRecord: %v", err)
	}

	r := NewResolver(store, NewMemCache(), testConfig())
	r.UpdateHealth(net.ParseIP("10.0.0.1"), 0.1)
	r.UpdateHealth(net.ParseIP("10.0.0.2"), 0.9)

	answer, err := r.Resolve(Query{Domain: "mixed.formnet", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(answer.Addresses) != 1 || !answer.Addresses[0].IP.Equal(net.ParseIP("10.0.0.2")) {
		t.Fatalf("expected only the healthy candidate, got %+v", answer.Addresses)
	}
}

func TestResolveAllUnhealthyReturnsUnavailable(t *testing.T) {
	store := newTestStore(t)
	record := &types.DNSRecord{
		Domain:    "down.formnet",
		Addresses: []types.SocketAddr{{IP: net.ParseIP("10.0.0.1"), Port: 80}},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := store.CreateDNSRecord(record); err != nil {
		t.Fatalf("CreateDNSRecord: %v", err)
	}

	r := NewResolver(store, NewMemCache(), testConfig())
	r.UpdateHealth(net.ParseIP("10.0.0.1"), 0.0)

	if _, err := r.Resolve(Query{Domain: "down.formnet", RequestID: "req-1"}); err == nil {
		t.Fatal("expected no-healthy-nodes error")
	}
}

func TestResolveRateLimited(t *testing.T) {
	store := newTestStore(t)
	record := &types.DNSRecord{
		Domain:    "limited.formnet",
		Addresses: []types.SocketAddr{{IP: net.ParseIP("10.0.0.1"), Port: 80}},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := store.CreateDNSRecord(record); err != nil {
		t.Fatalf("CreateDNSRecord: %v", err)
	}

	cfg := DefaultConfig()
	cfg.QueriesPerSecond = 1
	cfg.QueryBurst = 1
	r := NewResolver(store, NewMemCache(), cfg)

	q := Query{Domain: "limited.formnet", ClientIP: net.ParseIP("192.0.2.1"), RequestID: "req-1"}
	if _, err := r.Resolve(q); err != nil {
		t.Fatalf("first query should pass: %v", err)
	}
	if _, err := r.Resolve(q); err == nil {
		t.Fatal("expected second immediate query from the same client to be rate limited")
	}
}

func TestResolveCapsAtTopN(t *testing.T) {
	store := newTestStore(t)
	addrs := make([]types.SocketAddr, 0, 6)
	for i := 1; i <= 6; i++ {
		addrs = append(addrs, types.SocketAddr{IP: net.ParseIP("10.0.0." + string(rune('0'+i))), Port: 80})
	}
	record := &types.DNSRecord{Domain: "many.formnet", Addresses: addrs, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := store.CreateDNSRecord(record); err != nil {
		t.Fatalf("CreateDNSRecord: %v", err)
	}

	r := NewResolver(store, NewMemCache(), testConfig())
	answer, err := r.Resolve(Query{Domain: "many.formnet", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(answer.Addresses) > DefaultTopN {
		t.Fatalf("expected at most %d addresses, got %d", DefaultTopN, len(answer.Addresses))
	}
}
