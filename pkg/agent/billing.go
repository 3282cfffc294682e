package agent

import (
	"math"
	"strconv"

	"github.com/cuemby/formation/pkg/types"
)

func metaUint(ag *types.Agent, key string) (uint64, bool) {
	v, ok := ag.Metadata[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func metaFloat(ag *types.Agent, key string, def float64) float64 {
	v, ok := ag.Metadata[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// The pro-tier discount applies to these model-tier categories when the
// account carries a covering subscription (agent_gateway.rs: "10% off
// for ProPlus/Power/PowerPlus tiers, unless the agent is 'basic'").
var discountedTiers = map[string]bool{
	"pro_plus":   true,
	"power":      true,
	"power_plus": true,
}

// computeCost derives the gross credit cost of one task run from usage
// and the agent's cost metadata, applying the minimum-charge floor and
// any subscription discount. It mirrors perform_billing's cost formula
// in agent_gateway.rs exactly.
func computeCost(ag *types.Agent, account *types.Account, usage UsageInfo) (net uint64, skip bool) {
	if usage.ProviderCost < 0 {
		return 0, true
	}
	if usage.TotalTokens == 0 && usage.DurationMs == 0 {
		return 0, true
	}

	costPerCall, hasCostPerCall := metaUint(ag, "cost_per_call")
	costPer1kInput := metaFloat(ag, "cost_per_1k_input_tokens", 1.0)
	costPer1kOutput := metaFloat(ag, "cost_per_1k_output_tokens", 1.5)
	costPerMinute := metaFloat(ag, "cost_per_minute", 0)

	gross := float64(costPerCall)
	gross += math.Ceil(float64(usage.PromptTokens)/1000) * costPer1kInput
	gross += math.Ceil(float64(usage.CompletionTokens)/1000) * costPer1kOutput
	if usage.BillableDurationMs > 0 {
		gross += math.Ceil(float64(usage.BillableDurationMs)/60000) * costPerMinute
	}

	if (usage.TotalTokens > 0 || usage.BillableDurationMs > 1000) && gross == 0 && !hasCostPerCall {
		gross = 1
	}

	if subscriptionCovers(account.Subscription) && discountedTiers[account.Subscription.Tier] &&
		ag.Metadata["model_tier_category"] != "basic" {
		gross *= 0.9
	}

	return uint64(math.Round(gross)), false
}

// deductCredits subtracts cost from account.Credits, reporting whether
// the account held enough credits to cover it (agent_gateway.rs logs,
// but does not error the original request, on insufficient credits).
func deductCredits(account *types.Account, cost uint64) bool {
	if account.Credits < cost {
		return false
	}
	account.Credits -= cost
	return true
}
