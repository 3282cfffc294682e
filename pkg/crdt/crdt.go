// Package crdt implements Formation's replicated state: an OR-map of
// entities, each entity a bag of last-writer-wins fields ordered by
// hybrid logical clock. It replaces a Raft-committed log with
// merge-on-receipt semantics — any node may accept a write locally and
// gossip it to peers; conflicting concurrent writes to the same field
// converge because every replica applies the same total order.
//
// The per-entity dispatch shape (a typed Command routed through a single
// Apply switch) mirrors a Raft FSM's Apply loop; what changed is what
// "committing" means; a write is durable once Store.Seen records it, not
// once a quorum acknowledges it.
package crdt

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
)

// Op names a CRDT command kind.
type Op string

const (
	OpCreatePeer        Op = "create_peer"
	OpUpdatePeer        Op = "update_peer"
	OpDeletePeer        Op = "delete_peer"
	OpCreateCIDR        Op = "create_cidr"
	OpUpdateCIDR        Op = "update_cidr"
	OpDeleteCIDR        Op = "delete_cidr"
	OpCreateAssociation Op = "create_association"
	OpDeleteAssociation Op = "delete_association"
	OpUpdateRelayNode   Op = "update_relay_node"
	OpCreateInstance    Op = "create_instance"
	OpUpdateInstance    Op = "update_instance"
	OpDeleteInstance    Op = "delete_instance"
	OpUpdateCluster     Op = "update_cluster"
	OpUpdateAccount     Op = "update_account"
	OpUpdateAgent       Op = "update_agent"
	OpUpdateDNSRecord   Op = "update_dns_record"
)

// Delta is a single replicated write: an operation against one entity,
// stamped with the clock that produced it. Deltas are the unit gossiped
// between nodes and the unit recorded for idempotency.
type Delta struct {
	Op       Op              `json:"op"`
	EntityID string          `json:"entity_id"`
	Clock    types.Clock     `json:"clock"`
	Data     json.RawMessage `json:"data"`
}

// WriteKey derives the idempotency key for a delta within a collection.
func (d Delta) WriteKey(collection string) storage.WriteKey {
	return storage.WriteKey{
		Collection: collection,
		EntityID:   d.EntityID,
		ActorID:    d.Clock.ActorID,
		Counter:    d.Clock.Counter,
	}
}

// Engine applies deltas to a Store, enforcing idempotency and
// last-writer-wins ordering against a per-entity clock cache.
type Engine struct {
	mu     sync.Mutex
	store  storage.Store
	clocks map[string]types.Clock // entityID -> highest-applied clock
}

// NewEngine constructs an Engine over store.
func NewEngine(store storage.Store) *Engine {
	return &Engine{store: store, clocks: make(map[string]types.Clock)}
}

// Apply routes a delta to the corresponding Store mutation. It returns
// (applied=false, nil) without error when the delta was already seen or is
// stale relative to a newer write for the same entity — both are expected,
// not failures, under at-least-once gossip delivery.
func (e *Engine) Apply(collection string, d Delta) (applied bool, err error) {
	seen, err := e.store.Seen(d.WriteKey(collection))
	if err != nil {
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	if seen {
		return false, nil
	}

	e.mu.Lock()
	if prior, ok := e.clocks[d.EntityID]; ok && !d.Clock.After(prior) {
		e.mu.Unlock()
		return false, nil
	}
	e.clocks[d.EntityID] = d.Clock
	e.mu.Unlock()

	switch d.Op {
	case OpCreatePeer, OpUpdatePeer:
		var v types.Peer
		if err := json.Unmarshal(d.Data, &v); err != nil {
			return false, err
		}
		return true, e.store.PutPeer(&v)
	case OpDeletePeer:
		return true, e.store.DeletePeer(d.EntityID)
	case OpCreateCIDR, OpUpdateCIDR:
		var v types.CIDR
		if err := json.Unmarshal(d.Data, &v); err != nil {
			return false, err
		}
		return true, e.store.PutCIDR(&v)
	case OpDeleteCIDR:
		return true, e.store.DeleteCIDR(d.EntityID)
	case OpCreateAssociation:
		var v types.Association
		if err := json.Unmarshal(d.Data, &v); err != nil {
			return false, err
		}
		return true, e.store.PutAssociation(&v)
	case OpDeleteAssociation:
		return true, e.store.DeleteAssociation(d.EntityID)
	case OpUpdateRelayNode:
		var v types.RelayNodeRecord
		if err := json.Unmarshal(d.Data, &v); err != nil {
			return false, err
		}
		return true, e.store.PutRelayNodeRecord(&v)
	case OpCreateInstance, OpUpdateInstance:
		var v types.Instance
		if err := json.Unmarshal(d.Data, &v); err != nil {
			return false, err
		}
		return true, e.store.PutInstance(&v)
	case OpDeleteInstance:
		return true, e.store.DeleteInstance(d.EntityID)
	case OpUpdateCluster:
		var v types.Cluster
		if err := json.Unmarshal(d.Data, &v); err != nil {
			return false, err
		}
		return true, e.store.PutCluster(&v)
	case OpUpdateAccount:
		var v types.Account
		if err := json.Unmarshal(d.Data, &v); err != nil {
			return false, err
		}
		return true, e.store.PutAccount(&v)
	case OpUpdateAgent:
		var v types.Agent
		if err := json.Unmarshal(d.Data, &v); err != nil {
			return false, err
		}
		return true, e.store.PutAgent(&v)
	case OpUpdateDNSRecord:
		var v types.DNSRecord
		if err := json.Unmarshal(d.Data, &v); err != nil {
			return false, err
		}
		return true, e.store.PutDNSRecord(&v)
	default:
		return false, fmt.Errorf("unknown crdt op %q", d.Op)
	}
}

// MergeField applies last-writer-wins to a single field given the clock
// that produced the incoming value, returning whether the incoming value
// should replace the current one.
func MergeField(current, incoming types.Clock) bool {
	return incoming.After(current)
}
