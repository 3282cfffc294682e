package cluster

import "github.com/cuemby/formation/pkg/types"

// Snapshot is the deep copy of cluster membership and the relevant DNS
// records captured by the SnapshotState phase, keyed by operation id
// (spec §4.8: "captures a deep copy of cluster membership and the
// relevant DNS records").
type Snapshot struct {
	OperationID string
	ClusterID   string
	Members     map[string]*types.ClusterMember
	DNSRecords  map[string]*types.DNSRecord
}

func cloneMember(m *types.ClusterMember) *types.ClusterMember {
	cp := *m
	if m.NodePublicIP != nil {
		cp.NodePublicIP = append([]byte(nil), m.NodePublicIP...)
	}
	if m.NodeFormnetIP != nil {
		cp.NodeFormnetIP = append([]byte(nil), m.NodeFormnetIP...)
	}
	if m.InstanceFormnetIP != nil {
		cp.InstanceFormnetIP = append([]byte(nil), m.InstanceFormnetIP...)
	}
	return &cp
}

func cloneDNSRecord(r *types.DNSRecord) *types.DNSRecord {
	cp := *r
	cp.Addresses = append([]types.SocketAddr(nil), r.Addresses...)
	return &cp
}

// snapshotState deep-copies cluster's current membership and any DNS
// records resolving to a member's formnet IP.
func snapshotState(operationID string, c *types.Cluster, dns map[string]*types.DNSRecord) *Snapshot {
	members := make(map[string]*types.ClusterMember, len(c.Members))
	for id, m := range c.Members {
		members[id] = cloneMember(m)
	}
	var dnsCopy map[string]*types.DNSRecord
	if dns != nil {
		dnsCopy = make(map[string]*types.DNSRecord, len(dns))
		for domain, rec := range dns {
			dnsCopy[domain] = cloneDNSRecord(rec)
		}
	}
	return &Snapshot{OperationID: operationID, ClusterID: c.ID, Members: members, DNSRecords: dnsCopy}
}
