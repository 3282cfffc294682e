package metrics

import (
	"time"

	"github.com/cuemby/formation/pkg/storage"
)

// Collector periodically samples the store and refreshes point-in-time
// gauges (peer/CIDR/instance counts) that aren't naturally updated by the
// request path.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a collector sampling store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{store: store, stopCh: make(chan struct{})}
}

// Start begins the periodic collection loop.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collection loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectPeerMetrics()
	c.collectCIDRMetrics()
	c.collectInstanceMetrics()
}

func (c *Collector) collectPeerMetrics() {
	peers, err := c.store.ListPeers()
	if err != nil {
		return
	}
	counts := map[[2]string]int{}
	for _, p := range peers {
		key := [2]string{boolLabel(p.IsDisabled), boolLabel(p.IsRedeemed)}
		counts[key]++
	}
	for key, n := range counts {
		PeersTotal.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

func (c *Collector) collectCIDRMetrics() {
	cidrs, err := c.store.ListCIDRs()
	if err != nil {
		return
	}
	CIDRsTotal.Set(float64(len(cidrs)))
}

func (c *Collector) collectInstanceMetrics() {
	instances, err := c.store.ListInstances()
	if err != nil {
		return
	}
	counts := map[string]int{}
	for _, i := range instances {
		counts[string(i.Status)]++
	}
	for status, n := range counts {
		InstancesTotal.WithLabelValues(status).Set(float64(n))
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
