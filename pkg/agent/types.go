package agent

import "encoding/json"

// RunTaskRequest is the caller-supplied body of POST /agents/{agent_id}/run_task.
// Params is forwarded to the instance's task endpoint verbatim.
type RunTaskRequest struct {
	Params         json.RawMessage `json:"params"`
	Streaming      *bool           `json:"streaming,omitempty"`
	TimeoutSeconds *uint64         `json:"timeout_seconds,omitempty"`
}

// streaming reports whether the caller asked for an SSE relay, defaulting
// to true when unset (grounded on agent_gateway.rs's
// `streaming.unwrap_or(true)`).
func (r RunTaskRequest) streaming() bool {
	if r.Streaming == nil {
		return true
	}
	return *r.Streaming
}

// timeout returns the caller's requested timeout, defaulting to 60s.
func (r RunTaskRequest) timeout() uint64 {
	if r.TimeoutSeconds == nil || *r.TimeoutSeconds == 0 {
		return 60
	}
	return *r.TimeoutSeconds
}

// UsageInfo is the token/cost accounting an instance reports for one
// task run, either as the non-streaming response's usage field or
// parsed from a streamed `FINAL_USAGE_INFO:` sentinel line.
type UsageInfo struct {
	PromptTokens      uint64  `json:"prompt_tokens"`
	CompletionTokens  uint64  `json:"completion_tokens"`
	TotalTokens       uint64  `json:"total_tokens"`
	ProviderCost      float64 `json:"provider_cost"`
	DurationMs        uint64  `json:"duration_ms"`
	BillableDurationMs uint64 `json:"billable_duration_ms"`
}

// RunTaskResponse is the non-streaming response shape returned to the
// caller, mirroring the instance's own response with agent/task
// identifiers filled in.
type RunTaskResponse struct {
	AgentID string          `json:"agent_id"`
	TaskID  string          `json:"task_id,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Usage   *UsageInfo      `json:"usage,omitempty"`
}
