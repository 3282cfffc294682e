package cluster

import (
	"context"
	"fmt"

	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/types"
)

// relevantDNSRecords returns the DNS records whose addresses resolve to
// one of cluster's current member formnet IPs, for use as the
// pre-operation baseline VerifyRestoration compares against.
func (c *Controller) relevantDNSRecords(cl *types.Cluster) map[string]*types.DNSRecord {
	all, err := c.cfg.Store.ListDNSRecords()
	if err != nil {
		return nil
	}
	ips := make(map[string]bool, len(cl.Members))
	for _, m := range cl.Members {
		if m.InstanceFormnetIP != nil {
			ips[m.InstanceFormnetIP.String()] = true
		}
	}
	out := make(map[string]*types.DNSRecord)
	for _, rec := range all {
		for _, addr := range rec.Addresses {
			if addr.IP != nil && ips[addr.IP.String()] {
				out[rec.Domain] = rec
				break
			}
		}
	}
	return out
}

// allocateResources reserves a formnet IP (and GPUs, if configured) for
// every member in plan.toAdd, recording each reservation in res so a
// later rollback can release exactly what was reserved.
func (c *Controller) allocateResources(plan *scalePlan, res *rollbackResources) error {
	for i := range plan.toAdd {
		req := &plan.toAdd[i]

		ip, err := c.cfg.IPAllocator.Allocate(c.cfg.FormnetCIDR)
		if err != nil {
			return fmt.Errorf("allocating formnet ip for node %s: %w", req.NodeID, err)
		}
		res.allocatedIPs = append(res.allocatedIPs, ip)
		req.allocatedIP = ip

		if len(c.cfg.GPURequests) == 0 {
			continue
		}
		if c.cfg.GPUAllocator == nil {
			return ferrors.New(ferrors.KindInternal, "gpu requests configured but no GPUAllocator is wired")
		}
		vmName := "member-" + req.NodeID
		allocs, err := c.cfg.GPUAllocator.Allocate(vmName, c.cfg.GPURequests)
		if err != nil {
			return fmt.Errorf("allocating gpus for node %s: %w", req.NodeID, err)
		}
		res.gpuVMNames = append(res.gpuVMNames, vmName)
		for _, a := range allocs {
			req.Resources.GPUs = append(req.Resources.GPUs, types.GPUAssignment{
				PCIAddress: a.PCIAddress,
				IOMMUGroup: a.IOMMUGroup,
				Model:      string(a.Model),
			})
		}
	}
	return nil
}

// provisionInstances brings up every member in plan.toAdd via the
// Provisioner and tears down every member in plan.toRemove, mutating
// cl.Members to reflect the new target membership. It returns the
// newly added members for the Verify phase.
func (c *Controller) provisionInstances(ctx context.Context, cl *types.Cluster, plan *scalePlan, res *rollbackResources) ([]*types.ClusterMember, error) {
	var added []*types.ClusterMember

	for _, req := range plan.toAdd {
		instance, err := c.cfg.Provisioner.Provision(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("provisioning node %s: %w", req.NodeID, err)
		}
		res.provisioned = append(res.provisioned, instance.ID)

		member := &types.ClusterMember{
			InstanceID:        instance.ID,
			NodeID:            req.NodeID,
			InstanceFormnetIP: instance.FormnetIP,
			NodeFormnetIP:     req.allocatedIP,
			Status:            types.MemberUnknown,
		}
		cl.Members[instance.ID] = member
		added = append(added, member)
	}

	for _, id := range plan.toRemove {
		if err := c.cfg.Provisioner.Destroy(ctx, id); err != nil {
			return nil, fmt.Errorf("destroying instance %s: %w", id, err)
		}
		delete(cl.Members, id)
	}

	return added, nil
}

// networkConfigure validates that every newly provisioned member
// actually received the formnet addressing AllocateResources and
// ProvisionInstances were supposed to have given it.
func (c *Controller) networkConfigure(cl *types.Cluster, plan *scalePlan, newMembers []*types.ClusterMember) error {
	for _, m := range newMembers {
		if m.InstanceFormnetIP == nil {
			return ferrors.New(ferrors.KindInternal, fmt.Sprintf("member %s has no formnet IP after provisioning", m.InstanceID))
		}
	}
	return nil
}

// verifyNewMembers probes every newly added member's health before the
// operation is allowed to commit.
func (c *Controller) verifyNewMembers(ctx context.Context, newMembers []*types.ClusterMember) error {
	for _, m := range newMembers {
		if !c.cfg.Probe(ctx, m) {
			m.Status = types.MemberUnhealthy
			return ferrors.New(ferrors.KindUnavailable, fmt.Sprintf("member %s failed health verification", m.InstanceID))
		}
		m.Status = types.MemberHealthy
	}
	return nil
}
