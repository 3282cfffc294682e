// Package agent implements the agent gateway (spec §4.9): a JWT-
// authenticated proxy that runs a task against one of an agent's live
// instances, relays its response (streaming or not) back to the caller,
// and then bills the caller's account when usage was reported: in a
// background goroutine for a streamed response, and in the request
// handler itself, after the response body is written, for a
// non-streaming one.
//
// The HTTP server lifecycle (listen, graceful shutdown) is grounded on
// pkg/datastore/server.go's Start, itself patterned on
// pkg/ingress/proxy.go; the eligibility check, instance lookup, SSE
// relay, and billing computation are grounded directly on
// original_source/form-state/src/helpers/agent_gateway.rs (see
// SPEC_FULL.md §6.9).
package agent
