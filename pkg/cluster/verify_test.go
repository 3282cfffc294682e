package cluster

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/formation/pkg/types"
)

func member(instanceFormnetIP string) *types.ClusterMember {
	return &types.ClusterMember{
		InstanceID:        "m",
		NodeID:            "n",
		NodePublicIP:      net.ParseIP("203.0.113.1"),
		NodeFormnetIP:     net.ParseIP("10.0.0.1"),
		InstanceFormnetIP: net.ParseIP(instanceFormnetIP),
		Status:            types.MemberHealthy,
	}
}

func cloneTestMember(m *types.ClusterMember) *types.ClusterMember {
	cp := *m
	return &cp
}

// Scenario 5: rollback re-adds a removed member with identical fields;
// VerifyRestoration must pass every check.
func TestVerifyRestoration_RollbackSuccess(t *testing.T) {
	m1 := member("10.0.0.100")
	m1.InstanceID, m1.NodeID = "m1", "node-1"
	m2 := member("10.0.0.101")
	m2.InstanceID, m2.NodeID = "m2", "node-2"

	pre := map[string]*types.ClusterMember{
		"m1": cloneTestMember(m1),
		"m2": cloneTestMember(m2),
	}

	cl := &types.Cluster{
		ID:                 "cluster-1",
		TemplateInstanceID: testTemplatePlaceholder,
		Members: map[string]*types.ClusterMember{
			"m1": cloneTestMember(m1),
			"m2": cloneTestMember(m2), // rollback re-added m2 with identical fields
		},
	}

	result := VerifyRestoration(cl, pre, nil, []string{"inst-temp1", "vol-123", "ip-10.0.0.200"}, 1000)

	require.NotNil(t, result)
	assert.True(t, result.Success, result.Summary())
	for _, item := range result.VerificationItems {
		assert.True(t, item.Success, "%s: %s", item.Aspect, item.Details)
	}
}

// Scenario 6: rollback re-adds M2 with a mutated formnet IP, leaves M3
// missing, and the cleaned-resources list names an id still present in
// members; every affected check must report failure.
func TestVerifyRestoration_RollbackFailure(t *testing.T) {
	m1 := member("10.0.0.100")
	m1.InstanceID, m1.NodeID = "m1", "node-1"
	m2 := member("10.0.0.101")
	m2.InstanceID, m2.NodeID = "m2", "node-2"
	m3 := member("10.0.0.102")
	m3.InstanceID, m3.NodeID = "m3", "node-3"

	pre := map[string]*types.ClusterMember{
		"m1": cloneTestMember(m1),
		"m2": cloneTestMember(m2),
		"m3": cloneTestMember(m3),
	}

	m2Mutated := cloneTestMember(m2)
	m2Mutated.InstanceFormnetIP = net.ParseIP("10.0.0.200")

	cl := &types.Cluster{
		ID:                 "cluster-1",
		TemplateInstanceID: testTemplatePlaceholder,
		Members: map[string]*types.ClusterMember{
			"m1": cloneTestMember(m1),
			"m2": m2Mutated,
			// m3 left missing
		},
	}

	result := VerifyRestoration(cl, pre, nil, []string{"m1"}, 1000)

	require.NotNil(t, result)
	assert.False(t, result.Success)

	byAspect := make(map[string]VerificationItem, len(result.VerificationItems))
	for _, item := range result.VerificationItems {
		byAspect[item.Aspect] = item
	}

	assert.False(t, byAspect["Member count match"].Success)
	assert.False(t, byAspect["All members present"].Success)
	assert.False(t, byAspect["FormNet IPs match"].Success)
	assert.False(t, byAspect["Resource cleanup"].Success)
}

func TestVerifyRestoration_DNSRecordsSkippedWhenNil(t *testing.T) {
	m1 := member("10.0.0.100")
	pre := map[string]*types.ClusterMember{"m1": m1}
	cl := &types.Cluster{ID: "c", Members: map[string]*types.ClusterMember{"m1": cloneTestMember(m1)}}

	result := VerifyRestoration(cl, pre, nil, nil, 1000)

	byAspect := make(map[string]VerificationItem, len(result.VerificationItems))
	for _, item := range result.VerificationItems {
		byAspect[item.Aspect] = item
	}
	assert.True(t, byAspect["DNS records check"].Success)
	assert.True(t, result.Success)
}

func TestVerifyRestoration_NoScalingPolicyOrManager(t *testing.T) {
	cl := &types.Cluster{ID: "c", Members: map[string]*types.ClusterMember{}}
	result := VerifyRestoration(cl, map[string]*types.ClusterMember{}, nil, nil, 1000)
	assert.True(t, result.Success)

	byAspect := make(map[string]VerificationItem, len(result.VerificationItems))
	for _, item := range result.VerificationItems {
		byAspect[item.Aspect] = item
	}
	assert.Contains(t, byAspect, "Scaling policy")
	assert.Contains(t, byAspect, "Scaling manager state")
}
