package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/formation/pkg/auth"
	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
)

const testCaller = "0xcaller"

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func doRunTask(t *testing.T, gw *Gateway, agentID string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/agents/"+agentID+"/run_task", bytes.NewReader(body))
	req = mux.SetURLVars(req, map[string]string{"agent_id": agentID})
	req = req.WithContext(auth.ContextWithClaims(req.Context(), &auth.Claims{Wallet: testCaller}))
	rec := httptest.NewRecorder()
	gw.handleRunTask(rec, req)
	return rec
}

func upstreamURL(t *testing.T, srv *httptest.Server) (net.IP, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)
	return net.ParseIP(host), port
}

func TestRunTask_AccountNotFound(t *testing.T) {
	store := newTestStore(t)
	gw := NewGateway(store)

	rec := doRunTask(t, gw, "agent-1", []byte(`{"params":{}}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, codeAccountNotFound, body.Error)
}

func TestRunTask_NotEligible_InsufficientCredits(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateAccount(&types.Account{Address: testCaller, Credits: 0}))
	require.NoError(t, store.CreateAgent(&types.Agent{ID: "agent-1", OwnerID: "owner"}))

	gw := NewGateway(store)
	rec := doRunTask(t, gw, "agent-1", []byte(`{"params":{}}`))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, codeNotEligible, body.Error)
}

func TestRunTask_NoAvailableInstance(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateAccount(&types.Account{Address: testCaller, Credits: 100}))
	require.NoError(t, store.CreateAgent(&types.Agent{ID: "agent-1", OwnerID: "owner"}))

	gw := NewGateway(store)
	rec := doRunTask(t, gw, "agent-1", []byte(`{"params":{}}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, codeNoAvailableInstance, body.Error)
}

func TestRunTask_NonStreaming_SuccessAndBilling(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateAccount(&types.Account{Address: testCaller, Credits: 100}))

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"task_id":"t1","output":{"ok":true},"usage":{"prompt_tokens":500,"completion_tokens":500,"total_tokens":1000,"provider_cost":0.01,"duration_ms":2000,"billable_duration_ms":2000}}`))
	}))
	defer upstream.Close()
	ip, port := upstreamURL(t, upstream)

	require.NoError(t, store.CreateAgent(&types.Agent{
		ID:      "agent-1",
		OwnerID: "owner",
		Metadata: map[string]string{
			"task_endpoint_path": "/run",
			"task_endpoint_port": fmt.Sprintf("%d", port),
		},
	}))
	require.NoError(t, store.CreateInstance(&types.Instance{
		ID:        "inst-1",
		BuildID:   "agent-1",
		Status:    types.InstanceStatusStarted,
		FormnetIP: ip,
	}))

	gw := NewGateway(store)
	streaming := false
	reqBody, _ := json.Marshal(RunTaskRequest{Params: json.RawMessage(`{"q":"hi"}`), Streaming: &streaming})
	rec := doRunTask(t, gw, "agent-1", reqBody)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp RunTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "t1", resp.TaskID)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, uint64(1000), resp.Usage.TotalTokens)

	acct, err := store.GetAccount(testCaller)
	require.NoError(t, err)
	assert.Less(t, acct.Credits, uint64(100))
}

func TestRunTask_Streaming_RelaysSSEAndUsage(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateAccount(&types.Account{Address: testCaller, Credits: 100}))

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello\n"))
		_, _ = w.Write([]byte("world\n"))
		_, _ = w.Write([]byte(finalUsagePrefix + `{"prompt_tokens":10,"completion_tokens":10,"total_tokens":20,"duration_ms":100,"billable_duration_ms":100}` + "\n"))
	}))
	defer upstream.Close()
	ip, port := upstreamURL(t, upstream)

	require.NoError(t, store.CreateAgent(&types.Agent{
		ID:      "agent-1",
		OwnerID: "owner",
		Metadata: map[string]string{
			"task_endpoint_path": "/",
			"task_endpoint_port": fmt.Sprintf("%d", port),
		},
	}))
	require.NoError(t, store.CreateInstance(&types.Instance{
		ID:        "inst-1",
		BuildID:   "agent-1",
		Status:    types.InstanceStatusStarted,
		FormnetIP: ip,
	}))

	gw := NewGateway(store)
	reqBody, _ := json.Marshal(RunTaskRequest{Params: json.RawMessage(`{}`)})
	rec := doRunTask(t, gw, "agent-1", reqBody)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: message")
	assert.Contains(t, rec.Body.String(), "event: final_usage_info_received")
	assert.Contains(t, rec.Body.String(), "event: stream_end")
}

func TestRunTask_PrivateAgent_RejectsNonOwner(t *testing.T) {
	ok, reason := checkEligible(&types.Account{Address: testCaller, Credits: 100}, &types.Agent{OwnerID: "someone-else", IsPrivate: true}, testCaller)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestCheckEligible_SubscriptionCoversZeroCredits(t *testing.T) {
	account := &types.Account{Address: testCaller, Credits: 0, Subscription: &types.Subscription{Status: types.SubscriptionActive}}
	ok, _ := checkEligible(account, &types.Agent{OwnerID: "owner"}, testCaller)
	assert.True(t, ok)
}
