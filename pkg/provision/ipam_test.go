package provision

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
)

func newTestAllocator(t *testing.T) (*SequentialIPAllocator, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateCIDR(&types.CIDR{ID: "infra", Name: "infra", Network: "10.10.0.0/29"}))
	return NewSequentialIPAllocator(store), store
}

func TestSequentialIPAllocator_SkipsNetworkAndBroadcast(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	ip, err := alloc.Allocate("infra")
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.1", ip.String())
}

func TestSequentialIPAllocator_SkipsAddressesHeldByPeersAndInstances(t *testing.T) {
	alloc, store := newTestAllocator(t)

	require.NoError(t, store.CreatePeer(&types.Peer{ID: "p1", CIDRID: "infra", IP: net.ParseIP("10.10.0.1")}))
	require.NoError(t, store.CreateInstance(&types.Instance{ID: "i1", FormnetIP: net.ParseIP("10.10.0.2")}))

	ip, err := alloc.Allocate("infra")
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.3", ip.String())
}

func TestSequentialIPAllocator_ErrorsWhenExhausted(t *testing.T) {
	alloc, store := newTestAllocator(t)

	// /29 has 8 addresses: .0 network, .7 broadcast, .1-.6 usable.
	for i := 1; i <= 6; i++ {
		ip := net.IPv4(10, 10, 0, byte(i))
		require.NoError(t, store.CreatePeer(&types.Peer{ID: "p" + string(rune('0'+i)), CIDRID: "infra", IP: ip}))
	}

	_, err := alloc.Allocate("infra")
	assert.Error(t, err)
}

func TestSequentialIPAllocator_ReleaseIsNoop(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	assert.NoError(t, alloc.Release(net.ParseIP("10.10.0.1")))
}
