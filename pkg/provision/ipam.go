package provision

import (
	"encoding/binary"
	"net"

	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/storage"
)

// SequentialIPAllocator hands out the lowest free address in a CIDR's
// network, checking both existing peers and instances already using
// an address in that range. It satisfies both cluster.IPAllocator and
// FormnetAllocator (identical method sets).
type SequentialIPAllocator struct {
	store storage.Store
}

// NewSequentialIPAllocator constructs a SequentialIPAllocator over store.
func NewSequentialIPAllocator(store storage.Store) *SequentialIPAllocator {
	return &SequentialIPAllocator{store: store}
}

func (a *SequentialIPAllocator) inUse(network *net.IPNet) (map[string]bool, error) {
	used := make(map[string]bool)

	peers, err := a.store.ListPeers()
	if err != nil {
		return nil, err
	}
	for _, p := range peers {
		if p.IP != nil && network.Contains(p.IP) {
			used[p.IP.String()] = true
		}
	}

	instances, err := a.store.ListInstances()
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.FormnetIP != nil && network.Contains(inst.FormnetIP) {
			used[inst.FormnetIP.String()] = true
		}
	}
	return used, nil
}

// Allocate returns the lowest address in cidrID's network not already
// held by a peer or instance, skipping the network and broadcast
// addresses.
func (a *SequentialIPAllocator) Allocate(cidrID string) (net.IP, error) {
	cidr, err := a.store.GetCIDR(cidrID)
	if err != nil {
		return nil, err
	}
	_, network, err := net.ParseCIDR(cidr.Network)
	if err != nil {
		return nil, ferrors.InvalidQuery("cidr " + cidrID + " has an invalid network")
	}

	used, err := a.inUse(network)
	if err != nil {
		return nil, err
	}

	ip4 := network.IP.To4()
	if ip4 == nil {
		return nil, ferrors.New(ferrors.KindInternal, "only IPv4 formnet CIDRs are supported")
	}
	base := binary.BigEndian.Uint32(ip4)
	ones, bits := network.Mask.Size()
	size := uint32(1) << uint(bits-ones)
	if size < 4 {
		return nil, ferrors.New(ferrors.KindInvalidQuery, "cidr "+cidrID+" is too small to allocate from")
	}

	for offset := uint32(1); offset < size-1; offset++ {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], base+offset)
		candidate := net.IP(b[:])
		if !used[candidate.String()] {
			return candidate, nil
		}
	}
	return nil, ferrors.New(ferrors.KindUnavailable, "no free addresses remain in cidr "+cidrID)
}

// Release is a no-op: freeing an address just means the instance or
// peer record referencing it is gone, which Allocate already accounts
// for by scanning live records rather than a separate free-list.
func (a *SequentialIPAllocator) Release(ip net.IP) error {
	return nil
}
