package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cuemby/formation/pkg/auth"
	"github.com/cuemby/formation/pkg/log"
	"github.com/cuemby/formation/pkg/metrics"
	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
)

// finalUsagePrefix marks the trailing usage-accounting line some agent
// instances emit at the end of a streamed response (legacy transport;
// see agent_gateway.rs).
const finalUsagePrefix = "FINAL_USAGE_INFO:"

// billingDelay is how long the gateway waits after sending its response
// before kicking off the background billing task, giving the client a
// moment to finish reading the stream first.
const billingDelay = 500 * time.Millisecond

// Gateway proxies a caller's run_task request to the live instance
// backing an agent, relays its response, and bills the caller's
// account afterward (spec §4.9).
type Gateway struct {
	store  storage.Store
	client *http.Client
	logger zerolog.Logger
}

// NewGateway constructs a Gateway over store.
func NewGateway(store storage.Store) *Gateway {
	return &Gateway{
		store:  store,
		client: &http.Client{},
		logger: log.WithComponent("agent-gateway"),
	}
}

// Router builds the mux.Router serving the agent gateway's one route.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/agents/{agent_id}/run_task", g.handleRunTask).Methods(http.MethodPost)
	return r
}

func callerAddress(r *http.Request) string {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		return ""
	}
	if claims.Wallet != "" {
		return claims.Wallet
	}
	return claims.Subject
}

func (g *Gateway) handleRunTask(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	agentID := mux.Vars(r)["agent_id"]
	caller := callerAddress(r)
	logger := g.logger.With().Str("agent_id", agentID).Str("caller", caller).Logger()

	outcome := "error"
	defer func() { timer.ObserveDurationVec(metrics.AgentRequestDuration, outcome) }()

	var req RunTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(outcome).Inc()
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body", err.Error())
		return
	}

	account, err := g.store.GetAccount(caller)
	if err != nil || account == nil {
		metrics.AgentRequestsTotal.WithLabelValues(outcome).Inc()
		writeError(w, http.StatusForbidden, codeAccountNotFound, "account not found", "")
		return
	}

	ag, err := g.store.GetAgent(agentID)
	if err != nil || ag == nil {
		metrics.AgentRequestsTotal.WithLabelValues(outcome).Inc()
		writeError(w, http.StatusNotFound, codeAgentNotFound, "agent not found", "")
		return
	}

	if ok, reason := checkEligible(account, ag, caller); !ok {
		metrics.AgentRequestsTotal.WithLabelValues(outcome).Inc()
		writeError(w, http.StatusPaymentRequired, codeNotEligible, "caller is not eligible to run this agent", reason)
		return
	}

	instances, err := g.store.ListInstances()
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(outcome).Inc()
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list instances", err.Error())
		return
	}
	instance := findInstance(instances, targetBuildID(ag))
	if instance == nil {
		metrics.AgentRequestsTotal.WithLabelValues(outcome).Inc()
		writeError(w, http.StatusServiceUnavailable, codeNoAvailableInstance, "no available instance for this agent", "")
		return
	}

	path, port := taskEndpoint(ag)
	targetURL := fmt.Sprintf("http://%s:%d%s", instance.FormnetIP.String(), port, path)

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(req.timeout())*time.Second)
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(req.Params))
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(outcome).Inc()
		writeError(w, http.StatusBadGateway, codeAgentCommunicationErr, "failed to build upstream request", err.Error())
		return
	}
	upstreamReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(upstreamReq)
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(outcome).Inc()
		writeError(w, http.StatusBadGateway, codeAgentCommunicationErr, "failed to reach agent instance", err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		metrics.AgentRequestsTotal.WithLabelValues(outcome).Inc()
		writeError(w, resp.StatusCode, codeAgentProcessingError, "agent instance returned an error", string(body))
		return
	}

	if req.streaming() {
		g.relayStream(w, resp.Body, ag, account, logger)
	} else {
		g.relayJSON(w, resp.Body, agentID, ag, account, logger)
	}
	outcome = "ok"
	metrics.AgentRequestsTotal.WithLabelValues(outcome).Inc()
}

// relayStream relays resp line-by-line as SSE, classifying the trailing
// FINAL_USAGE_INFO line and scheduling billing once the stream ends.
func (g *Gateway) relayStream(w http.ResponseWriter, body io.Reader, ag *types.Agent, account *types.Account, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	writeEvent := func(event, data string) {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	var usage *UsageInfo
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, finalUsagePrefix) {
			var u UsageInfo
			raw := strings.TrimPrefix(line, finalUsagePrefix)
			if err := json.Unmarshal([]byte(raw), &u); err != nil {
				writeEvent("stream_error", fmt.Sprintf(`{"error":"failed to parse usage info: %s"}`, err.Error()))
				continue
			}
			usage = &u
			data, _ := json.Marshal(usage)
			writeEvent("final_usage_info_received", string(data))
			continue
		}
		data, _ := json.Marshal(map[string]string{"chunk": line})
		writeEvent("message", string(data))
	}
	if err := scanner.Err(); err != nil {
		writeEvent("stream_error", fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	writeEvent("stream_end", "{}")

	if usage != nil {
		go func() {
			time.Sleep(billingDelay)
			g.performBilling(ag, account, *usage, logger)
		}()
	}
}

// relayJSON handles the non-streaming case: parse the instance's JSON
// response, bill immediately, and return it to the caller.
func (g *Gateway) relayJSON(w http.ResponseWriter, body io.Reader, agentID string, ag *types.Agent, account *types.Account, logger zerolog.Logger) {
	var upstream struct {
		TaskID string          `json:"task_id"`
		Output json.RawMessage `json:"output"`
		Usage  *UsageInfo      `json:"usage"`
	}
	raw, err := io.ReadAll(body)
	if err != nil || json.Unmarshal(raw, &upstream) != nil {
		writeError(w, http.StatusBadGateway, codeAgentResponseParseErr, "failed to parse agent response", string(raw))
		return
	}

	resp := RunTaskResponse{AgentID: agentID, TaskID: upstream.TaskID, Output: upstream.Output, Usage: upstream.Usage}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)

	if upstream.Usage != nil {
		g.performBilling(ag, account, *upstream.Usage, logger)
	}
}

// performBilling computes and deducts the cost of one task run, logging
// (but not failing the already-completed request) on any billing
// inconsistency, matching agent_gateway.rs's perform_billing.
func (g *Gateway) performBilling(ag *types.Agent, account *types.Account, usage UsageInfo, logger zerolog.Logger) {
	cost, skip := computeCost(ag, account, usage)
	if skip {
		return
	}

	fresh, err := g.store.GetAccount(account.Address)
	if err != nil {
		metrics.AgentBillingFailuresTotal.Inc()
		logger.Error().Err(err).Str("account", account.Address).Msg("billing inconsistent: failed to reload account")
		return
	}

	if !deductCredits(fresh, cost) {
		metrics.AgentBillingFailuresTotal.Inc()
		logger.Warn().Str("account", fresh.Address).Uint64("cost", cost).Msg("billing inconsistent: insufficient credits to deduct")
		return
	}

	if err := g.store.UpdateAccount(fresh); err != nil {
		metrics.AgentBillingFailuresTotal.Inc()
		logger.Error().Err(err).Str("account", fresh.Address).Msg("billing inconsistent: failed to persist debit")
		return
	}

	metrics.AgentBillingCreditsDebited.Add(float64(cost))
}
