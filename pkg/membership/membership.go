// Package membership validates overlay membership changes (peers, CIDRs,
// associations) and resolves which peers can reach which others through
// the CIDR tree and association graph.
//
// CIDR containment is grounded on original_source/form-net/server/src/db/
// cidr.rs: a new CIDR's parent must be its closest existing ancestor (the
// existing CIDR with the longest network prefix that contains it), and it
// must not overlap any sibling under that parent. Reachability resolution
// (ancestors / associated CIDRs / reachable CIDRs / reachable peers) is
// computed once per query and memoized rather than re-walked per
// pairwise comparison.
package membership

import (
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
)

// Resolver validates membership mutations and answers reachability
// queries against a Store snapshot.
type Resolver struct {
	store storage.Store
}

// NewResolver constructs a Resolver over store.
func NewResolver(store storage.Store) *Resolver {
	return &Resolver{store: store}
}

func parseCIDR(s string) (*net.IPNet, error) {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return nil, ferrors.InvalidQuery(fmt.Sprintf("invalid network %q: %v", s, err))
	}
	return n, nil
}

// contains reports whether outer fully contains inner (network through
// broadcast address).
func contains(outer, inner *net.IPNet) bool {
	if !outer.Contains(inner.IP) {
		return false
	}
	_, last, err := cidr.AddressRange(inner)
	if err != nil {
		return false
	}
	return outer.Contains(last)
}

// ValidateCIDR checks a candidate CIDR against the existing tree: its
// declared parent must equal the closest containing ancestor, and it must
// not overlap a sibling under that parent.
func (r *Resolver) ValidateCIDR(candidate *types.CIDR) error {
	candNet, err := parseCIDR(candidate.Network)
	if err != nil {
		return err
	}

	existing, err := r.store.ListCIDRs()
	if err != nil {
		return err
	}

	var closestAncestor *types.CIDR
	var closestAncestorNet *net.IPNet
	for _, c := range existing {
		if c.ID == candidate.ID {
			continue
		}
		cNet, err := parseCIDR(c.Network)
		if err != nil {
			continue
		}
		if !contains(cNet, candNet) {
			continue
		}
		// Closest ancestor = containing CIDR with the longest prefix.
		if closestAncestorNet == nil {
			closestAncestor, closestAncestorNet = c, cNet
			continue
		}
		candOnes, _ := cNet.Mask.Size()
		bestOnes, _ := closestAncestorNet.Mask.Size()
		if candOnes > bestOnes {
			closestAncestor, closestAncestorNet = c, cNet
		}
	}

	var declaredParentID string
	if closestAncestor != nil {
		declaredParentID = closestAncestor.ID
	}
	if candidate.ParentID != declaredParentID {
		return ferrors.InvalidQuery(fmt.Sprintf(
			"declared parent %q does not match closest containing ancestor %q",
			candidate.ParentID, declaredParentID))
	}

	// Sibling overlap: no other CIDR under the same parent may overlap.
	for _, c := range existing {
		if c.ID == candidate.ID || c.ParentID != candidate.ParentID {
			continue
		}
		cNet, err := parseCIDR(c.Network)
		if err != nil {
			continue
		}
		if contains(cNet, candNet) || contains(candNet, cNet) {
			return ferrors.InvalidQuery(fmt.Sprintf("network %s overlaps sibling %s", candidate.Network, c.Name))
		}
	}

	// A CIDR with attached peers cannot gain children.
	if candidate.ParentID != "" {
		peers, err := r.store.ListPeersByCIDR(candidate.ParentID)
		if err != nil {
			return err
		}
		if len(peers) > 0 {
			return ferrors.InvalidQuery("cannot add a child CIDR to a parent that already has peers attached")
		}
	}

	return nil
}

// Ancestors returns cidrID's chain of parent CIDRs, root first.
func (r *Resolver) Ancestors(cidrID string) ([]*types.CIDR, error) {
	var chain []*types.CIDR
	seen := make(map[string]bool)
	id := cidrID
	for id != "" {
		if seen[id] {
			break // defend against a malformed cyclic tree
		}
		seen[id] = true
		c, err := r.store.GetCIDR(id)
		if err != nil {
			return chain, nil
		}
		if c.ParentID == "" {
			break
		}
		parent, err := r.store.GetCIDR(c.ParentID)
		if err != nil {
			break
		}
		chain = append([]*types.CIDR{parent}, chain...)
		id = c.ParentID
	}
	return chain, nil
}

// AssociatedCIDRs returns the set of CIDR ids directly associated with
// cidrID (mutual reachability grants), not including cidrID itself.
func (r *Resolver) AssociatedCIDRs(cidrID string) (map[string]bool, error) {
	assocs, err := r.store.ListAssociations()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, a := range assocs {
		if a.CIDRIDA == cidrID {
			out[a.CIDRIDB] = true
		} else if a.CIDRIDB == cidrID {
			out[a.CIDRIDA] = true
		}
	}
	return out, nil
}

// ReachableCIDRs computes the full set of CIDR ids reachable from cidrID,
// per spec.md §4.2: ancestors(P) ∪ associated_cidrs(P) ∪ {INFRA_CIDR} ∪
// descendants of cidrID, where associated_cidrs(P) is quantified over
// every ancestor in ancestors(P) (which itself includes cidrID), not just
// cidrID's own immediate CIDR — an association declared against a
// grandparent or root CIDR must still grant reachability.
func (r *Resolver) ReachableCIDRs(cidrID string) (map[string]bool, error) {
	all, err := r.store.ListCIDRs()
	if err != nil {
		return nil, err
	}
	byParent := make(map[string][]string)
	for _, c := range all {
		byParent[c.ParentID] = append(byParent[c.ParentID], c.ID)
	}

	reachable := make(map[string]bool)
	reachable[cidrID] = true
	reachable[types.InfraCIDRID] = true

	ancestors, err := r.Ancestors(cidrID)
	if err != nil {
		return nil, err
	}
	// ancestors(P) = {P.cidr} ∪ ancestors_of(P.cidr).
	ancestorIDs := make([]string, 0, len(ancestors)+1)
	ancestorIDs = append(ancestorIDs, cidrID)
	for _, a := range ancestors {
		reachable[a.ID] = true
		ancestorIDs = append(ancestorIDs, a.ID)
	}

	var addDescendants func(id string)
	addDescendants = func(id string) {
		for _, childID := range byParent[id] {
			if !reachable[childID] {
				reachable[childID] = true
				addDescendants(childID)
			}
		}
	}
	addDescendants(cidrID)

	// associated_cidrs(P) = {c : ∃ a ∈ ancestors(P), (a,c) ∈ associations
	// ∨ (c,a) ∈ associations} — union over every ancestor, not just cidrID.
	for _, a := range ancestorIDs {
		assoc, err := r.AssociatedCIDRs(a)
		if err != nil {
			return nil, err
		}
		for id := range assoc {
			reachable[id] = true
		}
	}

	return reachable, nil
}

// ReachablePeers returns every peer belonging to a CIDR reachable from
// peerID's own CIDR, excluding peerID itself.
func (r *Resolver) ReachablePeers(peerID string) ([]*types.Peer, error) {
	peer, err := r.store.GetPeer(peerID)
	if err != nil {
		return nil, err
	}

	reachableCIDRs, err := r.ReachableCIDRs(peer.CIDRID)
	if err != nil {
		return nil, err
	}

	all, err := r.store.ListPeers()
	if err != nil {
		return nil, err
	}

	var out []*types.Peer
	for _, p := range all {
		if p.ID == peerID {
			continue
		}
		if p.IsDisabled || !p.IsRedeemed {
			continue
		}
		if reachableCIDRs[p.CIDRID] {
			out = append(out, p)
		}
	}
	return out, nil
}

// ValidatePeer checks a candidate peer against the overlay's uniqueness
// and assignability rules: hostname must be unique, and the peer's IP
// must lie within its declared CIDR's network.
func (r *Resolver) ValidatePeer(candidate *types.Peer) error {
	cidrRec, err := r.store.GetCIDR(candidate.CIDRID)
	if err != nil {
		return ferrors.InvalidQuery(fmt.Sprintf("unknown cidr %q", candidate.CIDRID))
	}
	network, err := parseCIDR(cidrRec.Network)
	if err != nil {
		return err
	}
	if candidate.IP != nil && !network.Contains(candidate.IP) {
		return ferrors.InvalidQuery(fmt.Sprintf("ip %s is not within cidr %s", candidate.IP, cidrRec.Network))
	}

	peers, err := r.store.ListPeers()
	if err != nil {
		return err
	}
	for _, p := range peers {
		if p.ID == candidate.ID {
			continue
		}
		if p.Hostname == candidate.Hostname {
			return ferrors.New(ferrors.KindConflict, fmt.Sprintf("hostname %q already in use", candidate.Hostname))
		}
		if candidate.IP != nil && p.IP.Equal(candidate.IP) {
			return ferrors.New(ferrors.KindConflict, fmt.Sprintf("ip %s already assigned", candidate.IP))
		}
	}
	return nil
}
