package agent

import (
	"context"
	"net/http"
	"time"

	"github.com/cuemby/formation/pkg/auth"
	"github.com/cuemby/formation/pkg/log"
)

// DefaultAddr is the agent gateway's default listen address.
const DefaultAddr = ":3008"

// Server wraps a Gateway's router behind JWT authentication and runs its
// HTTP listener (pattern grounded on pkg/datastore/server.go's Start,
// itself grounded on pkg/ingress/proxy.go).
type Server struct {
	gateway    *Gateway
	validator  *auth.Validator
	httpServer *http.Server
}

// NewServer constructs a Server. validator may be nil to disable JWT
// enforcement (e.g. in a test harness reachable only over loopback,
// which Middleware already exempts).
func NewServer(gateway *Gateway, validator *auth.Validator) *Server {
	return &Server{gateway: gateway, validator: validator}
}

func (s *Server) handler() http.Handler {
	r := s.gateway.Router()
	if s.validator != nil {
		r.Use(s.validator.Middleware)
	}
	return r
}

// Start listens on addr until ctx is cancelled, then shuts down
// gracefully. WriteTimeout is left unset (0): run_task responses may
// stream for as long as the downstream instance takes.
func (s *Server) Start(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("component", "agent-gateway").Str("addr", addr).Msg("starting agent gateway")
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
