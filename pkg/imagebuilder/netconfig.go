package imagebuilder

import (
	"fmt"
	"net"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// NetworkConfig is the static network assignment Formation bakes into
// an image's cloud-init userdata disk, mirroring the same address
// fields a DHCP lease would hand out.
type NetworkConfig struct {
	Interface   string
	Address     net.IP
	Netmask     net.IPMask
	Gateway     net.IP
	Nameservers []net.IP
	DomainName  string
}

// encodeOptions builds the DHCP option set equivalent to cfg, reusing
// insomniacslk/dhcp's option encoders so the byte layout Formation
// embeds for dnsmasq/lease-log compatibility matches what a real DHCP
// exchange would have produced for the same addresses.
func encodeOptions(cfg NetworkConfig) ([]byte, error) {
	if cfg.Address == nil {
		return nil, fmt.Errorf("network config: address is required")
	}
	opts := dhcpv4.Options{}
	if len(cfg.Netmask) > 0 {
		opts.Update(dhcpv4.OptSubnetMask(cfg.Netmask))
	}
	if cfg.Gateway != nil {
		opts.Update(dhcpv4.OptRouter(cfg.Gateway))
	}
	if len(cfg.Nameservers) > 0 {
		opts.Update(dhcpv4.OptDNS(cfg.Nameservers...))
	}
	if cfg.DomainName != "" {
		opts.Update(dhcpv4.OptDomainName(cfg.DomainName))
	}
	return opts.ToBytes(), nil
}

// renderNetplan produces the cloud-init network-config YAML for cfg,
// disabling DHCP on the interface in favor of the static assignment.
func renderNetplan(cfg NetworkConfig) string {
	ones, _ := cfg.Netmask.Size()
	var b strings.Builder
	b.WriteString("network:\n  version: 2\n  ethernets:\n")
	fmt.Fprintf(&b, "    %s:\n", cfg.Interface)
	b.WriteString("      dhcp4: false\n")
	fmt.Fprintf(&b, "      addresses: [%s/%d]\n", cfg.Address.String(), ones)
	if cfg.Gateway != nil {
		fmt.Fprintf(&b, "      gateway4: %s\n", cfg.Gateway.String())
	}
	if len(cfg.Nameservers) > 0 {
		b.WriteString("      nameservers:\n        addresses:\n")
		for _, ns := range cfg.Nameservers {
			fmt.Fprintf(&b, "          - %s\n", ns.String())
		}
	}
	return b.String()
}

// writeNetworkConfig renders cfg into the image's cloud-init
// network-config file, recording its DHCP-equivalent option encoding
// alongside it for lease-log compatibility with Formation's DNS
// resolver tooling.
func writeNetworkConfig(fs filesystem, cfg NetworkConfig) error {
	optBytes, err := encodeOptions(cfg)
	if err != nil {
		return err
	}
	if err := fs.Mkdir("/etc/netplan"); err != nil {
		return err
	}
	if err := writeLines(fs, "/etc/netplan/50-formation.yaml", []string{renderNetplan(cfg)}); err != nil {
		return err
	}
	return writeLines(fs, "/var/lib/formation/network-config.dhcpopts", []string{string(optBytes)})
}
