package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Overlay membership metrics
	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "formation_peers_total",
			Help: "Total number of overlay peers by disabled/redeemed state",
		},
		[]string{"disabled", "redeemed"},
	)

	CIDRsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "formation_cidrs_total",
			Help: "Total number of CIDRs in the overlay tree",
		},
	)

	CRDTDeltasAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formation_crdt_deltas_applied_total",
			Help: "Total number of CRDT deltas applied, by collection and outcome",
		},
		[]string{"collection", "outcome"}, // outcome: applied|stale|duplicate
	)

	// Relay metrics
	RelaySessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "formation_relay_sessions_active",
			Help: "Number of currently established relay sessions",
		},
	)

	RelaySessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formation_relay_sessions_total",
			Help: "Total relay sessions by terminal outcome",
		},
		[]string{"outcome"}, // established|rejected|closed|timed_out
	)

	RelayForwardedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "formation_relay_forwarded_bytes_total",
			Help: "Total bytes relayed via ForwardPacket",
		},
	)

	RelayHeartbeatsMissedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "formation_relay_heartbeats_missed_total",
			Help: "Total missed relay session heartbeats",
		},
	)

	// Datastore metrics
	DatastoreRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formation_datastore_requests_total",
			Help: "Total datastore HTTP requests by collection, method, and status",
		},
		[]string{"collection", "method", "status"},
	)

	DatastoreRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formation_datastore_request_duration_seconds",
			Help:    "Datastore HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection", "method"},
	)

	// DNS resolver metrics
	DNSQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formation_dns_queries_total",
			Help: "Total DNS resolution queries by result",
		},
		[]string{"result"}, // ok|domain_not_found|no_healthy_nodes|rate_limited
	)

	DNSCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "formation_dns_cache_hits_total",
			Help: "Total DNS resolutions served from cache",
		},
	)

	DNSResolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "formation_dns_resolve_duration_seconds",
			Help:    "DNS resolution latency in seconds",
			Buckets: []float64{.0005, .001, .002, .005, .01, .025, .05, .1},
		},
	)

	// GPU manager metrics
	GPUsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "formation_gpus_total",
			Help: "Total GPUs known to the allocator by model and assignment state",
		},
		[]string{"model", "assigned"},
	)

	GPUAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formation_gpu_allocations_total",
			Help: "Total GPU allocation requests by outcome",
		},
		[]string{"outcome"}, // allocated|insufficient
	)

	// VMM metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "formation_instances_total",
			Help: "Total VM instances by status",
		},
		[]string{"status"},
	)

	InstanceCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "formation_instance_create_duration_seconds",
			Help:    "Time to create and boot a VM instance in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	// Image builder metrics
	ImageBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formation_image_builds_total",
			Help: "Total image builds by outcome",
		},
		[]string{"outcome"},
	)

	ImageBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "formation_image_build_duration_seconds",
			Help:    "Image build duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	NBDSlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "formation_nbd_slots_in_use",
			Help: "Number of NBD device slots currently checked out",
		},
	)

	// Cluster scaling controller metrics
	ScalingOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formation_scaling_operations_total",
			Help: "Total cluster scaling operations by terminal phase",
		},
		[]string{"phase"}, // done|failed
	)

	ScalingPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formation_scaling_phase_duration_seconds",
			Help:    "Time spent in each scaling phase, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formation_rollbacks_total",
			Help: "Total scaling rollbacks by restoration outcome",
		},
		[]string{"restored"}, // true|false
	)

	// Agent gateway metrics
	AgentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formation_agent_requests_total",
			Help: "Total agent gateway run_task requests by outcome",
		},
		[]string{"outcome"},
	)

	AgentRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formation_agent_request_duration_seconds",
			Help:    "Agent gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	AgentBillingCreditsDebited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "formation_agent_billing_credits_debited_total",
			Help: "Total credits debited by the agent gateway billing task",
		},
	)

	AgentBillingFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "formation_agent_billing_failures_total",
			Help: "Total billing debit failures (account inconsistency)",
		},
	)

	// Auth metrics
	AuthRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formation_auth_requests_total",
			Help: "Total authenticated requests by outcome",
		},
		[]string{"outcome"}, // ok|missing_token|invalid_token|forbidden
	)

	JWKSRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formation_jwks_refresh_total",
			Help: "Total JWKS cache refreshes by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		PeersTotal,
		CIDRsTotal,
		CRDTDeltasAppliedTotal,
		RelaySessionsActive,
		RelaySessionsTotal,
		RelayForwardedBytesTotal,
		RelayHeartbeatsMissedTotal,
		DatastoreRequestsTotal,
		DatastoreRequestDuration,
		DNSQueriesTotal,
		DNSCacheHitsTotal,
		DNSResolveDuration,
		GPUsTotal,
		GPUAllocationsTotal,
		InstancesTotal,
		InstanceCreateDuration,
		ImageBuildsTotal,
		ImageBuildDuration,
		NBDSlotsInUse,
		ScalingOperationsTotal,
		ScalingPhaseDuration,
		RollbacksTotal,
		AgentRequestsTotal,
		AgentRequestDuration,
		AgentBillingCreditsDebited,
		AgentBillingFailuresTotal,
		AuthRequestsTotal,
		JWKSRefreshTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
