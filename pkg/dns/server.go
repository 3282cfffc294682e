package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/formation/pkg/log"
	"github.com/cuemby/formation/pkg/storage"
	"github.com/miekg/dns"
)

const (
	// DefaultListenAddr is the Docker-compatible DNS address.
	DefaultListenAddr = "127.0.0.11:53"

	// DefaultDomain is the default search domain for formnet records.
	DefaultDomain = "formnet"

	// DefaultUpstream is the fallback DNS server for external queries.
	DefaultUpstream = "8.8.8.8:53"

	// DefaultRecordTTL is the TTL advertised on answers returned to
	// clients over the wire protocol.
	DefaultRecordTTL = 30
)

// Server is Formation's authoritative DNS server for overlay service
// discovery, falling back to upstream resolvers for everything outside
// its configured domain.
type Server struct {
	store      storage.Store
	resolver   *Resolver
	dnsServer  *dns.Server
	listenAddr string
	domain     string
	upstream   []string
	mu         sync.RWMutex
	running    bool
}

// Config holds DNS server configuration.
type Config struct {
	ListenAddr string   // Address to listen on (default: 127.0.0.11:53)
	Domain     string   // Search domain (default: "formnet")
	Upstream   []string // Upstream DNS servers (default: [8.8.8.8:53])
	Resolver   *Resolver
}

// NewServer creates a new DNS server.
func NewServer(store storage.Store, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.Domain == "" {
		config.Domain = DefaultDomain
	}
	if len(config.Upstream) == 0 {
		config.Upstream = []string{DefaultUpstream}
	}
	resolver := config.Resolver
	if resolver == nil {
		resolver = NewResolver(store, NewCacheFromEnv(), DefaultConfig())
	}

	return &Server{
		store:      store,
		resolver:   resolver,
		listenAddr: config.ListenAddr,
		domain:     config.Domain,
		upstream:   config.Upstream,
	}
}

// Start starts the DNS server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("DNS server already running")
	}
	s.running = true
	s.mu.Unlock()

	log.Logger.Info().
		Str("component", "dns").
		Str("address", s.listenAddr).
		Msg("starting DNS server")

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSQuery)

	s.dnsServer = &dns.Server{
		Addr:    s.listenAddr,
		Net:     "udp",
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.dnsServer.ListenAndServe(); err != nil {
			log.Logger.Error().
				Err(err).
				Str("component", "dns").
				Msg("DNS server error")
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		return s.Stop()
	default:
		log.Logger.Info().
			Str("component", "dns").
			Str("address", s.listenAddr).
			Msg("DNS server started successfully")
		return nil
	}
}

// Stop stops the DNS server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	log.Logger.Info().
		Str("component", "dns").
		Msg("stopping DNS server")

	if s.dnsServer != nil {
		if err := s.dnsServer.Shutdown(); err != nil {
			log.Logger.Error().
				Err(err).
				Str("component", "dns").
				Msg("error stopping DNS server")
			return err
		}
	}

	s.running = false

	log.Logger.Info().
		Str("component", "dns").
		Msg("DNS server stopped")

	return nil
}

// handleDNSQuery handles incoming DNS queries.
func (s *Server) handleDNSQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	if len(r.Question) > 0 {
		q := r.Question[0]
		log.Logger.Debug().
			Str("component", "dns").
			Str("query", q.Name).
			Uint16("type", q.Qtype).
			Msg("DNS query received")
	}

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA || !strings.HasSuffix(strings.TrimSuffix(q.Name, "."), s.domain) {
			s.forwardQuery(w, r)
			return
		}

		clientIP := clientIPFrom(w)
		answer, err := s.resolver.Resolve(Query{
			Domain:    strings.TrimSuffix(q.Name, "."),
			ClientIP:  clientIP,
			RequestID: fmt.Sprintf("%d", r.Id),
			Timestamp: time.Now(),
		})
		if err != nil {
			log.Logger.Debug().
				Err(err).
				Str("component", "dns").
				Str("query", q.Name).
				Msg("failed to resolve query, forwarding to upstream")
			s.forwardQuery(w, r)
			return
		}

		for _, addr := range answer.Addresses {
			rr := &dns.A{
				Hdr: dns.RR_Header{
					Name:   q.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    DefaultRecordTTL,
				},
				A: addr.IP,
			}
			msg.Answer = append(msg.Answer, rr)
		}
	}

	if err := w.WriteMsg(msg); err != nil {
		log.Logger.Error().
			Err(err).
			Str("component", "dns").
			Msg("failed to write DNS response")
	}
}

// clientIPFrom extracts the querying client's address for geo-DNS and
// rate-limit bucketing.
func clientIPFrom(w dns.ResponseWriter) net.IP {
	addr := w.RemoteAddr()
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.ParseIP(addr.String())
	}
	return net.ParseIP(host)
}

// forwardQuery forwards a DNS query to upstream DNS servers.
func (s *Server) forwardQuery(w dns.ResponseWriter, r *dns.Msg) {
	client := &dns.Client{Net: "udp"}

	for _, upstream := range s.upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			log.Logger.Debug().
				Err(err).
				Str("component", "dns").
				Str("upstream", upstream).
				Msg("failed to forward query to upstream")
			continue
		}

		if err := w.WriteMsg(resp); err != nil {
			log.Logger.Error().
				Err(err).
				Str("component", "dns").
				Msg("failed to write forwarded DNS response")
		}
		return
	}

	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure

	if err := w.WriteMsg(msg); err != nil {
		log.Logger.Error().
			Err(err).
			Str("component", "dns").
			Msg("failed to write DNS error response")
	}
}

// IsRunning returns true if the DNS server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
