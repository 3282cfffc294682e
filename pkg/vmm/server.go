package vmm

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/gpu"
	"github.com/cuemby/formation/pkg/log"
)

// DefaultAddr is the VMM service's default listen address (SPEC_FULL.md
// §8, matching the source's port 3002).
const DefaultAddr = ":3002"

// Server exposes a Manager's create/start/pause/stop/delete operations
// over HTTP/JSON, routed with gorilla/mux per SPEC_FULL.md §4 (the same
// router library pkg/datastore and pkg/agent use for their externally
// facing surfaces).
type Server struct {
	mgr        *Manager
	httpServer *http.Server
}

// NewServer constructs a Server over mgr.
func NewServer(mgr *Manager) *Server {
	return &Server{mgr: mgr}
}

// Router builds the mux.Router serving the VMM's instance lifecycle
// endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/instances/list", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/get", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/instances/create", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/delete", s.handleDelete).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return r
}

// Start listens on addr and serves until ctx is cancelled, then shuts
// down gracefully (pattern grounded on pkg/datastore/server.go's Start).
func (s *Server) Start(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("component", "vmm").Str("addr", addr).Msg("starting vmm service")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	instances, err := s.mgr.List(r.Context())
	if err != nil {
		ferrors.WriteJSON(w, r, err)
		return
	}
	writeSuccess(w, instances)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	instance, err := s.mgr.Get(r.Context(), id)
	if err != nil {
		ferrors.WriteJSON(w, r, err)
		return
	}
	writeSuccess(w, instance)
}

// createRequestBody is the wire shape for POST /instances/create.
type createRequestBody struct {
	AccountID   string       `json:"account_id"`
	BuildID     string       `json:"build_id"`
	NodeID      string       `json:"node_id"`
	VCPU        int          `json:"vcpu"`
	MemoryMB    int64        `json:"memory_mb"`
	DiskGB      int64        `json:"disk_gb"`
	GPURequests []gpuRequest `json:"gpu_requests,omitempty"`
}

type gpuRequest struct {
	Model string `json:"model"`
	Count int    `json:"count"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ferrors.WriteJSON(w, r, ferrors.InvalidQuery("decoding create request: "+err.Error()))
		return
	}
	if body.BuildID == "" {
		ferrors.WriteJSON(w, r, ferrors.InvalidQuery("build_id is required"))
		return
	}

	reqs := make([]gpu.Request, 0, len(body.GPURequests))
	for _, g := range body.GPURequests {
		reqs = append(reqs, gpu.Request{Model: gpu.Model(g.Model), Count: g.Count})
	}

	instance, err := s.mgr.Create(r.Context(), CreateRequest{
		AccountID:   body.AccountID,
		BuildID:     body.BuildID,
		NodeID:      body.NodeID,
		VCPU:        body.VCPU,
		MemoryMB:    body.MemoryMB,
		DiskGB:      body.DiskGB,
		GPURequests: reqs,
	})
	if err != nil {
		ferrors.WriteJSON(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeSuccess(w, instance)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	instance, err := s.mgr.Start(r.Context(), id)
	if err != nil {
		ferrors.WriteJSON(w, r, err)
		return
	}
	writeSuccess(w, instance)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	instance, err := s.mgr.Pause(r.Context(), id)
	if err != nil {
		ferrors.WriteJSON(w, r, err)
		return
	}
	writeSuccess(w, instance)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	instance, err := s.mgr.Stop(r.Context(), id, 0)
	if err != nil {
		ferrors.WriteJSON(w, r, err)
		return
	}
	writeSuccess(w, instance)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.mgr.Delete(r.Context(), id); err != nil {
		ferrors.WriteJSON(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// successBody mirrors pkg/datastore's `{ Success(items) | Failure }`
// response shape (spec §6) for the VMM's own HTTP surface.
type successBody struct {
	Success bool `json:"success"`
	Item    any  `json:"item,omitempty"`
}

func writeSuccess(w http.ResponseWriter, item any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(successBody{Success: true, Item: item})
}
