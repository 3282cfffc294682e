package membership

import (
	"fmt"
	"net"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/cuemby/formation/pkg/types"
)

// GenerateKeyPair creates a new WireGuard keypair for a peer joining the
// overlay, returning the raw 32-byte private and derived public keys that
// populate types.Peer.PublicKey and the node's own local key material.
func GenerateKeyPair() (priv, pub [32]byte, err error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return priv, pub, fmt.Errorf("generating wireguard key: %w", err)
	}
	return [32]byte(key), [32]byte(key.PublicKey()), nil
}

// peerConfigs builds the full wgctrl peer list for a device from the
// reachable overlay peers, each peer's single FormNet address installed
// as its only allowed-ip — formnet is a /32-per-peer overlay, not a
// routed subnet per peer.
func peerConfigs(peers []*types.Peer) ([]wgtypes.PeerConfig, error) {
	out := make([]wgtypes.PeerConfig, 0, len(peers))
	for _, p := range peers {
		if p.IP == nil {
			continue
		}
		cfg := wgtypes.PeerConfig{
			PublicKey:         wgtypes.Key(p.PublicKey),
			ReplaceAllowedIPs: true,
			AllowedIPs: []net.IPNet{{
				IP:   p.IP,
				Mask: net.CIDRMask(32, 32),
			}},
		}
		if p.Endpoint != "" {
			addr, err := net.ResolveUDPAddr("udp", p.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("resolving endpoint %q for peer %s: %w", p.Endpoint, p.ID, err)
			}
			cfg.Endpoint = addr
		}
		if p.PersistentKeepalive > 0 {
			ka := p.PersistentKeepalive
			cfg.PersistentKeepaliveInterval = &ka
		}
		out = append(out, cfg)
	}
	return out, nil
}

// DeviceConfigurator programs a local WireGuard device's peer list from
// the overlay's current membership, pushing the full desired peer list
// on every sync rather than diffing against the device's current peers.
type DeviceConfigurator struct {
	client *wgctrl.Client
}

// NewDeviceConfigurator opens the local wgctrl control socket.
func NewDeviceConfigurator() (*DeviceConfigurator, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("opening wireguard control client: %w", err)
	}
	return &DeviceConfigurator{client: client}, nil
}

// Close releases the underlying wgctrl client.
func (d *DeviceConfigurator) Close() error {
	return d.client.Close()
}

// SyncPeers replaces deviceName's entire peer list with one entry per
// reachable peer. Call after any mutation to the peer table that could
// change who this node should be able to reach.
func (d *DeviceConfigurator) SyncPeers(deviceName string, peers []*types.Peer) error {
	configs, err := peerConfigs(peers)
	if err != nil {
		return err
	}
	return d.client.ConfigureDevice(deviceName, wgtypes.Config{
		ReplacePeers: true,
		Peers:        configs,
	})
}

// ListenPort returns deviceName's currently configured WireGuard listen
// port, used to advertise this node's own endpoint to peers.
func (d *DeviceConfigurator) ListenPort(deviceName string) (int, error) {
	dev, err := d.client.Device(deviceName)
	if err != nil {
		return 0, fmt.Errorf("reading wireguard device %s: %w", deviceName, err)
	}
	return dev.ListenPort, nil
}
