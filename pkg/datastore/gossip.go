package datastore

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/formation/pkg/crdt"
	"github.com/cuemby/formation/pkg/log"
	"github.com/cuemby/formation/pkg/metrics"
)

// Gossiper propagates locally-applied deltas to a fixed fan-out list of
// peer datastore addresses. The spec leaves delta propagation topology
// to the implementer (§9 Open Questions); a fixed fan-out list is the
// simplest correct choice and is what SPEC_FULL.md §11 records as the
// resolved decision.
type Gossiper struct {
	client *http.Client

	mu    sync.RWMutex
	peers []string // base URLs, e.g. "http://10.0.0.2:3004"
}

// NewGossiper constructs a Gossiper fanning out to the given peer base
// URLs.
func NewGossiper(peers []string) *Gossiper {
	return &Gossiper{
		client: &http.Client{Timeout: 5 * time.Second},
		peers:  append([]string(nil), peers...),
	}
}

// SetPeers replaces the fan-out list, e.g. when membership changes.
func (g *Gossiper) SetPeers(peers []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers = append([]string(nil), peers...)
}

// Broadcast sends delta to every configured peer's /{kind}/merge
// endpoint, best-effort and concurrently; failures are logged, not
// propagated, since gossip delivery is at-least-once and eventually
// consistent by design (spec §4.3).
func (g *Gossiper) Broadcast(kind string, delta crdt.Delta) {
	g.mu.RLock()
	peers := append([]string(nil), g.peers...)
	g.mu.RUnlock()

	if len(peers) == 0 {
		return
	}

	body, err := json.Marshal(delta)
	if err != nil {
		log.Error("gossip: marshal delta: " + err.Error())
		return
	}

	for _, base := range peers {
		go func(base string) {
			url := base + "/" + kind + "/merge"
			resp, err := g.client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				log.Warn("gossip: push to " + base + " failed: " + err.Error())
				metrics.CRDTDeltasAppliedTotal.WithLabelValues(kind, "gossip_failed").Inc()
				return
			}
			resp.Body.Close()
		}(base)
	}
}
