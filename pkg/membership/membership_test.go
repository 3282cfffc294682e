package membership

import (
	"net"
	"testing"

	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
)

func newTestResolver(t *testing.T) (*Resolver, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewResolver(store), store
}

func TestValidateCIDRRequiresClosestAncestor(t *testing.T) {
	r, store := newTestResolver(t)

	root := &types.CIDR{ID: "root", Name: "root", Network: "10.0.0.0/8"}
	if err := store.CreateCIDR(root); err != nil {
		t.Fatal(err)
	}

	// Declaring no parent when root contains it should be rejected.
	candidate := &types.CIDR{ID: "child", Name: "child", Network: "10.1.0.0/16"}
	if err := r.ValidateCIDR(candidate); err == nil {
		t.Fatal("expected error when declared parent does not match closest ancestor")
	}

	candidate.ParentID = "root"
	if err := r.ValidateCIDR(candidate); err != nil {
		t.Fatalf("expected valid candidate to pass, got %v", err)
	}
}

func TestValidateCIDRRejectsSiblingOverlap(t *testing.T) {
	r, store := newTestResolver(t)

	root := &types.CIDR{ID: "root", Name: "root", Network: "10.0.0.0/8"}
	sibling := &types.CIDR{ID: "sib", Name: "sib", Network: "10.1.0.0/16", ParentID: "root"}
	if err := store.CreateCIDR(root); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateCIDR(sibling); err != nil {
		t.Fatal(err)
	}

	overlap := &types.CIDR{ID: "overlap", Name: "overlap", Network: "10.1.128.0/17", ParentID: "root"}
	err := r.ValidateCIDR(overlap)
	if err == nil {
		t.Fatal("expected overlap rejection")
	}
	if ferrors.KindOf(err) != ferrors.KindInvalidQuery {
		t.Fatalf("expected KindInvalidQuery, got %v", ferrors.KindOf(err))
	}
}

func TestReachablePeersThroughAssociation(t *testing.T) {
	r, store := newTestResolver(t)

	cidrA := &types.CIDR{ID: "a", Name: "a", Network: "10.1.0.0/24"}
	cidrB := &types.CIDR{ID: "b", Name: "b", Network: "10.2.0.0/24"}
	for _, c := range []*types.CIDR{cidrA, cidrB} {
		if err := store.CreateCIDR(c); err != nil {
			t.Fatal(err)
		}
	}

	p1 := &types.Peer{ID: "p1", Hostname: "p1", CIDRID: "a", IP: net.ParseIP("10.1.0.5"), IsRedeemed: true}
	p2 := &types.Peer{ID: "p2", Hostname: "p2", CIDRID: "b", IP: net.ParseIP("10.2.0.5"), IsRedeemed: true}
	for _, p := range []*types.Peer{p1, p2} {
		if err := store.CreatePeer(p); err != nil {
			t.Fatal(err)
		}
	}

	reachable, err := r.ReachablePeers("p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(reachable) != 0 {
		t.Fatalf("expected no reachable peers before association, got %d", len(reachable))
	}

	if err := store.CreateAssociation(&types.Association{ID: "assoc-1", CIDRIDA: "a", CIDRIDB: "b"}); err != nil {
		t.Fatal(err)
	}

	reachable, err = r.ReachablePeers("p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(reachable) != 1 || reachable[0].ID != "p2" {
		t.Fatalf("expected p2 reachable after association, got %+v", reachable)
	}
}

func TestValidatePeerRejectsDuplicateHostname(t *testing.T) {
	r, store := newTestResolver(t)
	c := &types.CIDR{ID: "a", Name: "a", Network: "10.1.0.0/24"}
	if err := store.CreateCIDR(c); err != nil {
		t.Fatal(err)
	}
	p1 := &types.Peer{ID: "p1", Hostname: "dup", CIDRID: "a", IP: net.ParseIP("10.1.0.5")}
	if err := store.CreatePeer(p1); err != nil {
		t.Fatal(err)
	}

	p2 := &types.Peer{ID: "p2", Hostname: "dup", CIDRID: "a", IP: net.ParseIP("10.1.0.6")}
	err := r.ValidatePeer(p2)
	if ferrors.KindOf(err) != ferrors.KindConflict {
		t.Fatalf("expected KindConflict, got %v", err)
	}
}
