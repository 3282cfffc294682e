package gpu

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScanner simulates two RTX5090 devices without touching real sysfs,
// tracking bind/unbind calls so tests can assert on driver transitions.
type fakeScanner struct {
	devices []Device
	bound   map[string]bool
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{
		devices: []Device{
			{PCIAddress: "0000:01:00.0", VendorID: "10de", DeviceID: "2684", IOMMUGroup: "10", Model: ModelRTX5090},
			{PCIAddress: "0000:02:00.0", VendorID: "10de", DeviceID: "2684", IOMMUGroup: "11", Model: ModelRTX5090},
		},
		bound: make(map[string]bool),
	}
}

func (f *fakeScanner) Scan() ([]Device, error) {
	out := make([]Device, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *fakeScanner) Bind(pciAddress, vendorID, deviceID string) (string, error) {
	f.bound[pciAddress] = true
	return fmt.Sprintf("/dev/vfio/%s", pciAddress), nil
}

func (f *fakeScanner) Unbind(pciAddress string) error {
	delete(f.bound, pciAddress)
	return nil
}

func TestAllocateAndRelease(t *testing.T) {
	scanner := newFakeScanner()
	mgr := NewManager(scanner)

	allocs, err := mgr.Allocate("vm-a", []Request{{Model: ModelRTX5090, Count: 2}})
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	paths, err := mgr.Bind(allocs)
	require.NoError(t, err)
	assert.Len(t, paths, 2)
	assert.True(t, scanner.bound["0000:01:00.0"])
	assert.True(t, scanner.bound["0000:02:00.0"])

	_, err = mgr.Allocate("vm-b", []Request{{Model: ModelRTX5090, Count: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough")

	require.NoError(t, mgr.Release("vm-a"))
	assert.False(t, scanner.bound["0000:01:00.0"])
	assert.False(t, scanner.bound["0000:02:00.0"])

	allocs2, err := mgr.Allocate("vm-c", []Request{{Model: ModelRTX5090, Count: 2}})
	require.NoError(t, err)
	assert.Len(t, allocs2, 2)
}

func TestInferModel(t *testing.T) {
	cases := []struct {
		name, vendor string
		want         Model
		ok           bool
	}{
		{"NVIDIA RTX 5090", "10de", ModelRTX5090, true},
		{"NVIDIA H100 80GB", "10de", ModelH100, true},
		{"NVIDIA H200", "10de", ModelH200, true},
		{"AMD Instinct B200", "1002", ModelB200, true},
		{"", "10de", ModelRTX5090, true},
		{"", "1002", ModelB200, true},
		{"", "8086", "", false},
	}
	for _, c := range cases {
		got, ok := InferModel(c.name, c.vendor)
		assert.Equal(t, c.ok, ok, c.name)
		if ok {
			assert.Equal(t, c.want, got, c.name)
		}
	}
}

func TestEnableGPUDirect(t *testing.T) {
	assert.True(t, Device{Model: ModelRTX5090}.EnableGPUDirect())
	assert.True(t, Device{Model: ModelH100}.EnableGPUDirect())
	assert.True(t, Device{Model: ModelH200}.EnableGPUDirect())
	assert.False(t, Device{Model: ModelB200}.EnableGPUDirect())
}

func TestVendorName(t *testing.T) {
	assert.Equal(t, "NVIDIA Corporation", VendorName("10de"))
	assert.Equal(t, "NVIDIA Corporation", VendorName("10DE"))
	assert.Equal(t, "Unknown Vendor", VendorName("ffff"))
}
