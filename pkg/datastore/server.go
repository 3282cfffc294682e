package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cuemby/formation/pkg/crdt"
	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/log"
	"github.com/cuemby/formation/pkg/membership"
	"github.com/cuemby/formation/pkg/metrics"
	"github.com/cuemby/formation/pkg/ratelimit"
	"github.com/cuemby/formation/pkg/storage"
)

// DefaultAddr is the datastore's default listen address, matching the
// Rust source's 127.0.0.1:3004 constant (SPEC_FULL.md §8).
const DefaultAddr = ":3004"

// Server is the fleet-wide datastore HTTP service.
type Server struct {
	store    storage.Store
	engine   *crdt.Engine
	resolver *membership.Resolver
	limiter  *ratelimit.Limiter
	gossip   *Gossiper

	httpServer *http.Server
}

// NewServer constructs a datastore Server. gossip may be nil to disable
// fan-out (a single-node deployment, or a test harness).
func NewServer(store storage.Store, gossip *Gossiper) *Server {
	return &Server{
		store:    store,
		engine:   crdt.NewEngine(store),
		resolver: membership.NewResolver(store),
		limiter:  ratelimit.New(50, 100),
		gossip:   gossip,
	}
}

// Router builds the mux.Router serving every collection endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.limiter.Middleware)
	r.Use(s.metricsMiddleware)

	for kind := range registry {
		k := kind // capture
		r.HandleFunc("/"+k+"/list", s.handleList(k)).Methods(http.MethodGet)
		r.HandleFunc("/"+k+"/{id}/get", s.handleGet(k)).Methods(http.MethodGet)
		r.HandleFunc("/"+k+"/create", s.handleWrite(k, actionCreate)).Methods(http.MethodPost)
		r.HandleFunc("/"+k+"/update", s.handleWrite(k, actionUpdate)).Methods(http.MethodPost)
		r.HandleFunc("/"+k+"/delete", s.handleWrite(k, actionDelete)).Methods(http.MethodPost)
		r.HandleFunc("/"+k+"/merge", s.handleMerge(k)).Methods(http.MethodPost)
	}
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return r
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		kind := mux.Vars(r)["_kind"]
		metrics.DatastoreRequestsTotal.WithLabelValues(kind, r.Method, fmt.Sprintf("%d", rec.status)).Inc()
		timer.ObserveDurationVec(metrics.DatastoreRequestDuration, kind, r.Method)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Start listens on addr and serves until ctx is cancelled, then shuts
// down gracefully (pattern grounded on pkg/ingress/proxy.go's Start).
func (s *Server) Start(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("component", "datastore").Str("addr", addr).Msg("starting datastore service")
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

// listResponse is the shape every list/get endpoint returns (spec §6):
// `{ Success(items) | Failure }`.
type listResponse struct {
	Success bool `json:"success"`
	Items   any  `json:"items,omitempty"`
}

func writeList(w http.ResponseWriter, items any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(listResponse{Success: true, Items: items})
}

// writeResult is the body returned by write endpoints: whether the
// delta was newly applied (false means idempotent no-op or lost
// tie-break — safe to retry after a fresh read, per spec §7 Conflict).
type writeResult struct {
	Success bool `json:"success"`
	Applied bool `json:"applied"`
}

func writeWriteResult(w http.ResponseWriter, applied bool) {
	w.Header().Set("Content-Type", "application/json")
	if !applied {
		w.WriteHeader(http.StatusConflict)
	}
	_ = json.NewEncoder(w).Encode(writeResult{Success: true, Applied: applied})
}
