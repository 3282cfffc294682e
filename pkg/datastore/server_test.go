package datastore

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/formation/pkg/storage"
)

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewServer(store, nil), store
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDatastoreCreateListIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rootCIDR := map[string]any{
		"entity_id": "root",
		"clock":     map[string]any{"counter": 1, "actor_id": "node-a"},
		"data":      map[string]any{"ID": "root", "Name": "root", "Network": "10.0.0.0/16"},
	}
	rec := doRequest(t, router, http.MethodPost, "/cidrs/create", rootCIDR)
	require.Equal(t, http.StatusOK, rec.Code)

	var wr writeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wr))
	require.True(t, wr.Applied)

	// Replaying the identical (actor, clock) write is a no-op.
	rec2 := doRequest(t, router, http.MethodPost, "/cidrs/create", rootCIDR)
	require.Equal(t, http.StatusConflict, rec2.Code)
	var wr2 writeResult
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &wr2))
	require.False(t, wr2.Applied)

	rec3 := doRequest(t, router, http.MethodGet, "/cidrs/list", nil)
	require.Equal(t, http.StatusOK, rec3.Code)
	var lr listResponse
	require.NoError(t, json.Unmarshal(rec3.Body.Bytes(), &lr))
	require.True(t, lr.Success)
}

func TestDatastorePeerCreateRejectsOutsideCIDR(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	doRequest(t, router, http.MethodPost, "/cidrs/create", map[string]any{
		"entity_id": "root",
		"clock":     map[string]any{"counter": 1, "actor_id": "node-a"},
		"data":      map[string]any{"ID": "root", "Name": "root", "Network": "10.0.1.0/24"},
	})

	rec := doRequest(t, router, http.MethodPost, "/peers/create", map[string]any{
		"entity_id": "alice",
		"clock":     map[string]any{"counter": 1, "actor_id": "node-a"},
		"data": map[string]any{
			"ID": "alice", "Hostname": "alice", "CIDRID": "root",
			"IP": "10.0.2.5", "IsRedeemed": true,
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDatastoreGossipBroadcastsAppliedDelta(t *testing.T) {
	peerStore, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer peerStore.Close()
	peerSrv := NewServer(peerStore, nil)
	peerHTTP := httptest.NewServer(peerSrv.Router())
	defer peerHTTP.Close()

	gossiper := NewGossiper([]string{peerHTTP.URL})
	localStore, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer localStore.Close()
	localSrv := NewServer(localStore, gossiper)
	router := localSrv.Router()

	rec := doRequest(t, router, http.MethodPost, "/cidrs/create", map[string]any{
		"entity_id": "root",
		"clock":     map[string]any{"counter": 1, "actor_id": "node-a"},
		"data":      map[string]any{"ID": "root", "Name": "root", "Network": "10.0.0.0/16"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		got, err := peerStore.GetCIDR("root")
		return err == nil && got != nil
	}, 2*time.Second, 10*time.Millisecond)
}
