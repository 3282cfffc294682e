// Package datastore is Formation's single HTTP/JSON surface over every
// CRDT-replicated collection (spec §4.3): peers, CIDRs, associations,
// relay node records, instances, clusters, accounts, agents, and DNS
// records. It is grounded on pkg/storage/boltdb.go's per-collection CRUD
// shape for the handlers themselves and on pkg/api/server.go for server
// lifecycle (listen/serve/graceful-shutdown); unlike the teacher's
// gRPC-over-mTLS internal API, spec §6 mandates HTTP/JSON, so routing
// uses github.com/gorilla/mux instead of a generated gRPC service.
//
// Every write is a CRDT delta: the caller supplies its own (actor, clock)
// pair, the server validates constrained mutations (peer/CIDR creation)
// against pkg/membership before applying, then merges the delta through
// pkg/crdt and gossips it to every other configured node. A repeated
// (actor, clock) pair is a no-op (idempotent under retry, per spec §4.3).
package datastore
