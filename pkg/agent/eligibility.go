package agent

import (
	"strconv"
	"strings"

	"github.com/cuemby/formation/pkg/types"
)

// minimumOperationalCredits is the floor below which a caller needs an
// active subscription to run a task at all (agent_gateway.rs).
const minimumOperationalCredits = 1

// subscriptionCovers reports whether sub is in a status that lets its
// holder run tasks regardless of credit balance.
func subscriptionCovers(sub *types.Subscription) bool {
	if sub == nil {
		return false
	}
	switch sub.Status {
	case types.SubscriptionActive, types.SubscriptionTrial, types.SubscriptionPastDue:
		return true
	default:
		return false
	}
}

// checkEligible reports whether account may run agent, and why not if
// it can't: insufficient credits with no covering subscription, or a
// private agent invoked by someone other than its owner.
func checkEligible(account *types.Account, ag *types.Agent, callerAddress string) (bool, string) {
	if account.Credits < minimumOperationalCredits && !subscriptionCovers(account.Subscription) {
		return false, "insufficient credits and no active subscription"
	}
	if ag.IsPrivate && !strings.EqualFold(ag.OwnerID, callerAddress) {
		return false, "agent is private and caller is not its owner"
	}
	return true, ""
}

// taskEndpoint resolves the path and port an agent's task handler
// listens on, defaulting to /default_task on port 8000.
func taskEndpoint(ag *types.Agent) (path string, port int) {
	path = "/default_task"
	port = 8000
	if v, ok := ag.Metadata["task_endpoint_path"]; ok && v != "" {
		path = v
	}
	if v, ok := ag.Metadata["task_endpoint_port"]; ok {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			port = p
		}
	}
	return path, port
}

// targetBuildID resolves which instance build this agent runs on: an
// explicit `build_id` metadata override, else the agent's own id.
func targetBuildID(ag *types.Agent) string {
	if v, ok := ag.Metadata["build_id"]; ok && v != "" {
		return v
	}
	return ag.ID
}

// findInstance returns the first instance (in listing order) matching
// buildID with Status Started and a non-nil FormnetIP, mirroring
// agent_gateway.rs's first-match (not load-balanced) selection.
func findInstance(instances []*types.Instance, buildID string) *types.Instance {
	for _, inst := range instances {
		if inst.BuildID == buildID && inst.Status == types.InstanceStatusStarted && inst.FormnetIP != nil {
			return inst
		}
	}
	return nil
}
