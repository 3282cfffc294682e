package cluster

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/types"
)

// scalePlan is the output of PlanChanges: the concrete set of members to
// add and remove to reach the requested delta, already checked against
// the cluster's ScalingPolicy bounds.
type scalePlan struct {
	toAdd    []ProvisionRequest
	toRemove []string // instance ids
}

// planChanges computes what Scale must do to apply delta, honoring
// cluster's ScalingPolicy min/max bounds (spec §4.8: PlanChanges "computes
// the concrete diff against the policy's bounds").
func (c *Controller) planChanges(cl *types.Cluster, delta int) (*scalePlan, error) {
	current := len(cl.Members)
	target := current + delta

	if p := cl.ScalingPolicy; p != nil {
		if target < p.MinInstances {
			return nil, ferrors.New(ferrors.KindInvalidQuery, fmt.Sprintf(
				"scaling to %d members would violate policy minimum %d", target, p.MinInstances))
		}
		if target > p.MaxInstances {
			return nil, ferrors.New(ferrors.KindInvalidQuery, fmt.Sprintf(
				"scaling to %d members would violate policy maximum %d", target, p.MaxInstances))
		}
	}
	if target < 0 {
		return nil, ferrors.New(ferrors.KindInvalidQuery, "scaling delta would drop cluster below zero members")
	}

	plan := &scalePlan{}
	switch {
	case delta > 0:
		for i := 0; i < delta; i++ {
			plan.toAdd = append(plan.toAdd, ProvisionRequest{
				ClusterID: cl.ID,
				NodeID:    uuid.NewString(),
				BuildID:   cl.TemplateInstanceID,
				Resources: c.cfg.MemberResources,
			})
		}
	case delta < 0:
		n := -delta
		for id := range cl.Members {
			if len(plan.toRemove) >= n {
				break
			}
			plan.toRemove = append(plan.toRemove, id)
		}
	}
	return plan, nil
}
