package dns

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/ratelimit"
	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
)

// DefaultHealthThreshold is the minimum health score (0.0...1.0) a
// candidate must carry to be returned, per spec's resolution step 4.
const DefaultHealthThreshold = 0.5

// DefaultCacheTTL is how long a resolved answer is cached per
// (domain, region) pair.
const DefaultCacheTTL = 30 * time.Second

// DefaultTopN caps the number of candidates returned per query.
const DefaultTopN = 3

// LatLon is a client-supplied coordinate pair used for geo-DNS when no
// client IP region mapping is available.
type LatLon struct {
	Lat float64
	Lon float64
}

// Query carries everything the resolver needs to answer a single lookup.
type Query struct {
	Domain        string
	ClientIP      net.IP
	ClientCoords  *LatLon
	ECSPrefix     *net.IPNet
	RequestID     string
	Timestamp     time.Time
}

// Answer is the resolver's response to a Query.
type Answer struct {
	Addresses []types.SocketAddr
	Region    string
	FromCache bool
}

// Config tunes the resolver's optional filtering stages.
type Config struct {
	HealthFilterEnabled bool
	HealthThreshold     float64
	GeoDNSEnabled       bool
	QueriesPerSecond    float64
	QueryBurst          int
	CacheTTL            time.Duration
}

// DefaultConfig returns the resolver's production defaults: health
// filtering and geo-DNS both on, a generous per-client query budget.
func DefaultConfig() Config {
	return Config{
		HealthFilterEnabled: true,
		HealthThreshold:     DefaultHealthThreshold,
		GeoDNSEnabled:       true,
		QueriesPerSecond:    50,
		QueryBurst:          100,
		CacheTTL:            DefaultCacheTTL,
	}
}

// Resolver answers domain lookups against the CRDT-replicated DNS
// record collection, applying rate limiting, caching, health filtering
// and geo-DNS candidate ordering in that order.
type Resolver struct {
	store  storage.Store
	cache  Cache
	limiter *ratelimit.Limiter
	cfg    Config

	mu     sync.RWMutex
	health map[string]float64 // IP string -> health score
}

// NewResolver constructs a Resolver backed by store, using cache for
// answer memoization.
func NewResolver(store storage.Store, cache Cache, cfg Config) *Resolver {
	return &Resolver{
		store:   store,
		cache:   cache,
		limiter: ratelimit.New(cfg.QueriesPerSecond, cfg.QueryBurst),
		cfg:     cfg,
		health:  make(map[string]float64),
	}
}

// UpdateHealth records the latest health score (0.0...1.0) observed for
// an instance's address; callers feed this from health-check results.
func (r *Resolver) UpdateHealth(ip net.IP, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[ip.String()] = score
}

func (r *Resolver) healthOf(ip net.IP) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.health[ip.String()]; ok {
		return s
	}
	return 1.0
}

// Resolve answers q per the six-step resolution algorithm: rate limit,
// cache lookup, candidate fetch, health filter, geo-DNS ordering, then
// top-N selection with a cache write-back.
func (r *Resolver) Resolve(q Query) (*Answer, error) {
	callerKey := q.ClientIP.String()
	if callerKey == "" || callerKey == "<nil>" {
		callerKey = q.RequestID
	}
	if !r.limiter.Allow(callerKey) {
		return nil, ferrors.New(ferrors.KindRateLimited, "dns query rate exceeded")
	}

	region := ""
	if r.cfg.GeoDNSEnabled {
		region = clientRegion(q)
	}

	if cached, ok := r.cache.Get(q.Domain, region); ok {
		cached.FromCache = true
		return &cached, nil
	}

	record, err := r.store.GetDNSRecord(q.Domain)
	if err != nil || record == nil || len(record.Addresses) == 0 {
		return nil, ferrors.New(ferrors.KindNotFound, "domain not found: "+q.Domain)
	}

	candidates := make([]types.SocketAddr, len(record.Addresses))
	copy(candidates, record.Addresses)

	if r.cfg.HealthFilterEnabled {
		threshold := r.cfg.HealthThreshold
		if threshold == 0 {
			threshold = DefaultHealthThreshold
		}
		filtered := candidates[:0]
		for _, c := range candidates {
			if r.healthOf(c.IP) >= threshold {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
		if len(candidates) == 0 {
			return nil, ferrors.New(ferrors.KindUnavailable, "no healthy nodes for domain: "+q.Domain)
		}
	}

	if r.cfg.GeoDNSEnabled && region != "" {
		sort.SliceStable(candidates, func(i, j int) bool {
			return regionDistance(region, ipRegion(candidates[i].IP)) < regionDistance(region, ipRegion(candidates[j].IP))
		})
	}

	if len(candidates) > DefaultTopN {
		candidates = candidates[:DefaultTopN]
	}

	answer := Answer{Addresses: candidates, Region: region, FromCache: false}
	ttl := r.cfg.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	r.cache.Set(q.Domain, region, answer, ttl)
	return &answer, nil
}

