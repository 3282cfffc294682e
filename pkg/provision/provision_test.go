package provision

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/formation/pkg/cluster"
	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
	"github.com/cuemby/formation/pkg/vmm"
)

type fakeHypervisor struct {
	created []string
	deleted []string
	failCreate bool
}

func (h *fakeHypervisor) Create(cfg vmm.VMConfig) error {
	if h.failCreate {
		return assertErr("create failed")
	}
	h.created = append(h.created, cfg.ID)
	return nil
}
func (h *fakeHypervisor) Boot(id string) error                        { return nil }
func (h *fakeHypervisor) Pause(id string) error                       { return nil }
func (h *fakeHypervisor) Stop(id string, timeout time.Duration) error { return nil }
func (h *fakeHypervisor) Delete(id string) error {
	h.deleted = append(h.deleted, id)
	return nil
}
func (h *fakeHypervisor) Status(id string) (vmm.State, error) { return vmm.StateRunning, nil }

type assertErr string

func (e assertErr) Error() string { return string(e) }

func newTestProvisioner(t *testing.T, hv *fakeHypervisor) (*VMProvisioner, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateCIDR(&types.CIDR{ID: "infra", Name: "infra", Network: "10.20.0.0/24"}))

	p := NewVMProvisioner(Config{
		Store:       store,
		Hypervisor:  hv,
		IPAllocator: NewSequentialIPAllocator(store),
		ImagesDir:   t.TempDir(),
		FormnetCIDR: "infra",
	})
	return p, store
}

func TestVMProvisioner_Provision_CreatesAndPersistsInstance(t *testing.T) {
	hv := &fakeHypervisor{}
	p, store := newTestProvisioner(t, hv)

	instance, err := p.Provision(context.Background(), cluster.ProvisionRequest{
		ClusterID: "c1",
		NodeID:    "n1",
		BuildID:   "build-1",
		Resources: types.ResourceFootprint{VCPU: 2, MemoryMB: 1024},
	})
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusStarted, instance.Status)
	assert.NotNil(t, instance.FormnetIP)
	assert.Len(t, hv.created, 1)

	stored, err := store.GetInstance(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "build-1", stored.BuildID)
}

func TestVMProvisioner_Provision_ReleasesIPOnCreateFailure(t *testing.T) {
	hv := &fakeHypervisor{failCreate: true}
	p, _ := newTestProvisioner(t, hv)

	_, err := p.Provision(context.Background(), cluster.ProvisionRequest{
		NodeID:    "n1",
		BuildID:   "build-1",
		Resources: types.ResourceFootprint{VCPU: 1, MemoryMB: 512},
	})
	assert.Error(t, err)
}

func TestVMProvisioner_Destroy_RemovesInstanceAndStopsVM(t *testing.T) {
	hv := &fakeHypervisor{}
	p, store := newTestProvisioner(t, hv)

	instance, err := p.Provision(context.Background(), cluster.ProvisionRequest{
		NodeID:    "n1",
		BuildID:   "build-1",
		Resources: types.ResourceFootprint{VCPU: 1, MemoryMB: 512},
	})
	require.NoError(t, err)

	require.NoError(t, p.Destroy(context.Background(), instance.ID))
	assert.Contains(t, hv.deleted, instance.ID)

	_, err = store.GetInstance(instance.ID)
	assert.Error(t, err)
}

func TestMacFromIP_DerivesStableMAC(t *testing.T) {
	mac := macFromIP(net.ParseIP("10.20.0.5"))
	assert.Equal(t, "02:00:0a:14:00:05", mac)
}
