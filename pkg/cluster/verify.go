package cluster

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/cuemby/formation/pkg/types"
)

// VerificationItem is the outcome of one check in the post-rollback
// restoration checklist (spec §4.8).
type VerificationItem struct {
	Aspect  string
	Success bool
	Details string
}

// RestorationVerificationResult is the overall outcome of running the
// VerifyRestoration checklist: it succeeds iff every item succeeds.
type RestorationVerificationResult struct {
	Success           bool
	VerificationItems []VerificationItem
	VerifiedAt        int64
}

func newResult(now int64) *RestorationVerificationResult {
	return &RestorationVerificationResult{Success: true, VerifiedAt: now}
}

func (r *RestorationVerificationResult) add(aspect string, success bool, details string) {
	if !success {
		r.Success = false
	}
	r.VerificationItems = append(r.VerificationItems, VerificationItem{Aspect: aspect, Success: success, Details: details})
}

// Summary renders "Verification {SUCCESS|FAILED}: N/M checks passed",
// grounded on the Rust source's summary().
func (r *RestorationVerificationResult) Summary() string {
	status := "SUCCESS"
	if !r.Success {
		status = "FAILED"
	}
	passed := 0
	for _, it := range r.VerificationItems {
		if it.Success {
			passed++
		}
	}
	return fmt.Sprintf("Verification %s: %d/%d checks passed", status, passed, len(r.VerificationItems))
}

// VerifyRestoration runs the four-group checklist in spec §4.8 /
// SPEC_FULL.md §6.8 against cluster's current membership, comparing it
// to preOperationMembership (the snapshot taken before the scaling
// operation began). dnsRecords, when non-nil, gates the DNS-match check;
// cleanedResourceIDs, when non-empty, gates the resource-cleanup check.
func VerifyRestoration(
	cluster *types.Cluster,
	preOperationMembership map[string]*types.ClusterMember,
	dnsRecords map[string]*types.DNSRecord,
	cleanedResourceIDs []string,
	now int64,
) *RestorationVerificationResult {
	result := newResult(now)
	verifyClusterMembership(cluster, preOperationMembership, result)
	verifyNetworkConfiguration(cluster, preOperationMembership, dnsRecords, result)
	verifyClusterProperties(cluster, result)
	verifyResourceCleanup(cluster, cleanedResourceIDs, result)
	return result
}

func verifyClusterMembership(cluster *types.Cluster, pre map[string]*types.ClusterMember, result *RestorationVerificationResult) {
	countMatch := len(cluster.Members) == len(pre)
	result.add("Member count match", countMatch, fmt.Sprintf(
		"Current members: %d, Pre-operation members: %d", len(cluster.Members), len(pre)))

	var missing []string
	for id := range pre {
		if _, ok := cluster.Members[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	allPresent := len(missing) == 0
	presenceDetails := "All pre-operation members are present in the restored state"
	if !allPresent {
		presenceDetails = "Missing members: " + strings.Join(missing, ", ")
	}
	result.add("All members present", allPresent, presenceDetails)

	var mismatches []string
	for id, preMember := range pre {
		cur, ok := cluster.Members[id]
		if !ok {
			continue
		}
		if preMember.NodeID != cur.NodeID {
			mismatches = append(mismatches, id+": node_id mismatch")
		}
		if !preMember.NodePublicIP.Equal(cur.NodePublicIP) {
			mismatches = append(mismatches, id+": node_public_ip mismatch")
		}
		if !preMember.NodeFormnetIP.Equal(cur.NodeFormnetIP) {
			mismatches = append(mismatches, id+": node_formnet_ip mismatch")
		}
		if !preMember.InstanceFormnetIP.Equal(cur.InstanceFormnetIP) {
			mismatches = append(mismatches, id+": instance_formnet_ip mismatch")
		}
		if preMember.Status != cur.Status {
			mismatches = append(mismatches, fmt.Sprintf("%s: status mismatch (expected: %s, actual: %s)", id, preMember.Status, cur.Status))
		}
	}
	sort.Strings(mismatches)
	attrsMatch := len(mismatches) == 0
	attrDetails := "All member attributes correctly restored"
	if !attrsMatch {
		attrDetails = "Attribute mismatches: " + strings.Join(mismatches, "; ")
	}
	result.add("Member attributes match", attrsMatch, attrDetails)
}

func verifyNetworkConfiguration(cluster *types.Cluster, pre map[string]*types.ClusterMember, dnsRecords map[string]*types.DNSRecord, result *RestorationVerificationResult) {
	var ipMismatches []string
	for id, preMember := range pre {
		cur, ok := cluster.Members[id]
		if !ok {
			continue
		}
		if !preMember.InstanceFormnetIP.Equal(cur.InstanceFormnetIP) {
			ipMismatches = append(ipMismatches, fmt.Sprintf(
				"%s: instance FormNet IP mismatch (expected: %s, actual: %s)", id, preMember.InstanceFormnetIP, cur.InstanceFormnetIP))
		}
		if !preMember.NodeFormnetIP.Equal(cur.NodeFormnetIP) {
			ipMismatches = append(ipMismatches, fmt.Sprintf(
				"%s: node FormNet IP mismatch (expected: %s, actual: %s)", id, preMember.NodeFormnetIP, cur.NodeFormnetIP))
		}
	}
	sort.Strings(ipMismatches)
	ipsMatch := len(ipMismatches) == 0
	ipDetails := "All FormNet IPs correctly restored"
	if !ipsMatch {
		ipDetails = "FormNet IP mismatches: " + strings.Join(ipMismatches, "; ")
	}
	result.add("FormNet IPs match", ipsMatch, ipDetails)

	if dnsRecords == nil {
		result.add("DNS records check", true, "DNS records check skipped (no pre-operation DNS records provided)")
		return
	}

	var dnsMismatches []string
	for id, preMember := range pre {
		cur, ok := cluster.Members[id]
		if !ok {
			continue
		}
		domain := findDNSRecordFor(dnsRecords, preMember.InstanceFormnetIP)
		if domain == "" {
			continue
		}
		if !cur.InstanceFormnetIP.Equal(preMember.InstanceFormnetIP) {
			dnsMismatches = append(dnsMismatches, fmt.Sprintf("%s: DNS record IP mismatch for domain %s", id, domain))
		}
	}
	sort.Strings(dnsMismatches)
	dnsMatch := len(dnsMismatches) == 0
	dnsDetails := "All DNS records correctly restored"
	if !dnsMatch {
		dnsDetails = "DNS record mismatches: " + strings.Join(dnsMismatches, "; ")
	}
	result.add("DNS records match", dnsMatch, dnsDetails)
}

func findDNSRecordFor(records map[string]*types.DNSRecord, ip net.IP) string {
	for domain, rec := range records {
		for _, addr := range rec.Addresses {
			if addr.IP != nil && addr.IP.Equal(ip) {
				return domain
			}
		}
	}
	return ""
}

// testTemplatePlaceholder is the literal id recognised as a valid
// non-existent template in tests (spec §4.8 item 5 / SPEC_FULL.md §6.8).
const testTemplatePlaceholder = "template-1"

func verifyClusterProperties(cluster *types.Cluster, result *RestorationVerificationResult) {
	switch {
	case cluster.TemplateInstanceID == "":
		result.add("Template instance existence", true, "No template instance ID is set")
	case cluster.TemplateInstanceID == testTemplatePlaceholder:
		result.add("Template instance existence", true,
			fmt.Sprintf("Template instance ID '%s' is a test template (valid for testing)", cluster.TemplateInstanceID))
	default:
		_, exists := cluster.Members[cluster.TemplateInstanceID]
		if exists {
			result.add("Template instance existence", true,
				fmt.Sprintf("Template instance ID '%s' exists in cluster members", cluster.TemplateInstanceID))
		} else {
			result.add("Template instance existence", false,
				fmt.Sprintf("Template instance ID '%s' does not exist in cluster members", cluster.TemplateInstanceID))
		}
	}

	if policy := cluster.ScalingPolicy; policy != nil {
		if err := policy.Validate(); err != nil {
			result.add("Scaling policy validity", false, fmt.Sprintf("Scaling policy is invalid: %v", err))
		} else {
			result.add("Scaling policy validity", true, "Scaling policy parameters are valid")
		}

		count := len(cluster.Members)
		countValid := policy.MinInstances <= count && count <= policy.MaxInstances
		result.add("Member count vs scaling policy", countValid, fmt.Sprintf(
			"Member count: %d, policy min: %d, policy max: %d", count, policy.MinInstances, policy.MaxInstances))
	} else {
		result.add("Scaling policy", true, "No scaling policy is set")
	}

	switch {
	case cluster.ScalingManager == nil:
		result.add("Scaling manager state", true, "No scaling manager is present")
	case cluster.ScalingManager.CurrentPhase.IsTerminal() || cluster.ScalingManager.CurrentPhase == "":
		result.add("Scaling manager state", true, "Scaling manager is in a terminal state or has no active operation")
	default:
		result.add("Scaling manager state", false, "Warning: Scaling manager has an active non-terminal operation after restoration")
	}
}

func verifyResourceCleanup(cluster *types.Cluster, cleanedResourceIDs []string, result *RestorationVerificationResult) {
	if len(cleanedResourceIDs) == 0 {
		result.add("Resource cleanup", true, "No resources needed cleanup")
		return
	}

	byType := make(map[string][]string)
	classify := func(id string) string {
		switch {
		case strings.HasPrefix(id, "inst-"):
			return "instance"
		case strings.HasPrefix(id, "vol-"):
			return "volume"
		case strings.HasPrefix(id, "net-"):
			return "network"
		case strings.HasPrefix(id, "ip-"):
			return "ip_allocation"
		default:
			return "unknown"
		}
	}
	for _, id := range cleanedResourceIDs {
		t := classify(id)
		byType[t] = append(byType[t], id)
	}

	var found []string
	for _, id := range byType["instance"] {
		if _, ok := cluster.Members[id]; ok {
			found = append(found, id+" (still in members)")
		}
	}
	for _, id := range cleanedResourceIDs {
		if strings.HasPrefix(id, "inst-") {
			continue
		}
		if _, ok := cluster.Members[id]; ok {
			found = append(found, id+" (still in members)")
		}
	}

	if len(found) == 0 {
		groups := make([]string, 0, len(byType))
		for t, ids := range byType {
			groups = append(groups, fmt.Sprintf("%d %s(s)", len(ids), t))
		}
		sort.Strings(groups)
		result.add("Resource cleanup", true, fmt.Sprintf(
			"All %d resources were successfully cleaned up: %s", len(cleanedResourceIDs), strings.Join(groups, ", ")))
		return
	}

	sort.Strings(found)
	result.add("Resource cleanup", false, fmt.Sprintf(
		"Found %d resources that should have been cleaned up: %s", len(found), strings.Join(found, ", ")))
}
