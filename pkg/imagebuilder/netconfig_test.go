package imagebuilder

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Interface:   "eth0",
		Address:     net.ParseIP("10.20.0.5"),
		Netmask:     net.CIDRMask(24, 32),
		Gateway:     net.ParseIP("10.20.0.1"),
		Nameservers: []net.IP{net.ParseIP("1.1.1.1"), net.ParseIP("9.9.9.9")},
		DomainName:  "formation.internal",
	}
}

func TestRenderNetplan(t *testing.T) {
	out := renderNetplan(sampleNetworkConfig())
	assert.Contains(t, out, "eth0:")
	assert.Contains(t, out, "dhcp4: false")
	assert.Contains(t, out, "addresses: [10.20.0.5/24]")
	assert.Contains(t, out, "gateway4: 10.20.0.1")
	assert.Contains(t, out, "1.1.1.1")
	assert.Contains(t, out, "9.9.9.9")
}

func TestEncodeOptionsRequiresAddress(t *testing.T) {
	_, err := encodeOptions(NetworkConfig{})
	require.Error(t, err)
}

func TestEncodeOptionsNonEmpty(t *testing.T) {
	b, err := encodeOptions(sampleNetworkConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, b)
}

func TestWriteNetworkConfig(t *testing.T) {
	fs := newFakeFS()
	require.NoError(t, writeNetworkConfig(fs, sampleNetworkConfig()))
	assert.True(t, fs.dirs["/etc/netplan"])
	assert.Contains(t, fs.files["/etc/netplan/50-formation.yaml"], "addresses: [10.20.0.5/24]")
	assert.NotEmpty(t, fs.files["/var/lib/formation/network-config.dhcpopts"])
}
