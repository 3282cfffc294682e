/*
Package metrics provides Prometheus metrics collection and exposition for
every Formation component running in this process.

# Architecture

Each component updates its own collectors inline on the request or event
path (e.g. the datastore increments formation_datastore_requests_total on
every handled write); Collector supplements that with a 15s sampling loop
for point-in-time gauges that have no natural update hook, such as the
current peer and instance counts.

# Metric families

  - formation_peers_total{disabled,redeemed}, formation_cidrs_total,
    formation_crdt_deltas_applied_total{collection,outcome} — overlay
    membership and replication (C2, C3).
  - formation_relay_sessions_active, formation_relay_sessions_total{outcome},
    formation_relay_forwarded_bytes_total,
    formation_relay_heartbeats_missed_total — relay protocol (C1).
  - formation_datastore_requests_total{collection,method,status},
    formation_datastore_request_duration_seconds — datastore HTTP surface
    (C3).
  - formation_dns_queries_total{result}, formation_dns_cache_hits_total,
    formation_dns_resolve_duration_seconds — DNS resolver (C4).
  - formation_gpus_total{model,assigned}, formation_gpu_allocations_total{outcome}
    — GPU manager (C6).
  - formation_instances_total{status}, formation_instance_create_duration_seconds
    — VMM service (C7).
  - formation_image_builds_total{outcome}, formation_image_build_duration_seconds,
    formation_nbd_slots_in_use — image builder (C5).
  - formation_scaling_operations_total{phase}, formation_scaling_phase_duration_seconds{phase},
    formation_rollbacks_total{restored} — cluster scaling controller (C8).
  - formation_agent_requests_total{outcome}, formation_agent_request_duration_seconds{outcome},
    formation_agent_billing_credits_debited_total,
    formation_agent_billing_failures_total — agent gateway (C9).
  - formation_auth_requests_total{outcome}, formation_jwks_refresh_total{outcome}
    — auth/JWT validation (C10).

# Exposition

Handler() returns the standard Prometheus text-exposition HTTP handler.
cmd/formationd mounts it at /metrics on its own metrics listener,
alongside this package's HealthHandler, ReadyHandler and
LivenessHandler at /healthz, /readyz and /livez.
*/
package metrics
