package metrics

import (
	"time"

	"github.com/cuemby/poseidon/internal/node"
)

// NodeLister is the subset of Registry a Collector polls.
type NodeLister interface {
	ListNodes() []*node.Node
}

// VolumeLister is the subset of volmgr.Manager a Collector polls. It
// returns pre-tallied state counts rather than volumes themselves so
// this package never has to import internal/volume (which itself
// depends on internal/metrics for replica-failure counting).
type VolumeLister interface {
	StateCounts() map[string]int
}

// Collector periodically samples Registry and VolumeManager state into
// the gauge metrics on a ticker.
type Collector struct {
	nodes   NodeLister
	volumes VolumeLister
	period  time.Duration
	stopCh  chan struct{}
}

func NewCollector(nodes NodeLister, volumes VolumeLister, period time.Duration) *Collector {
	if period <= 0 {
		period = 15 * time.Second
	}
	return &Collector{nodes: nodes, volumes: volumes, period: period, stopCh: make(chan struct{})}
}

// Start begins collecting on a ticker, sampling immediately on start.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.period)
	go func() {
		c.Collect()
		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

func (c *Collector) Stop() { close(c.stopCh) }

// Collect samples nodes, pools and volumes once, immediately.
func (c *Collector) Collect() {
	c.collectNodes()
	c.collectPools()
	c.collectVolumes()
}

func (c *Collector) collectNodes() {
	counts := map[string]int{"healthy": 0, "unhealthy": 0}
	for _, n := range c.nodes.ListNodes() {
		if n.Healthy() {
			counts["healthy"]++
		} else {
			counts["unhealthy"]++
		}
	}
	for health, count := range counts {
		NodesTotal.WithLabelValues(health).Set(float64(count))
	}
}

func (c *Collector) collectPools() {
	counts := make(map[string]int)
	for _, n := range c.nodes.ListNodes() {
		for _, p := range n.Pools() {
			counts[string(p.State)]++
		}
	}
	for state, count := range counts {
		PoolsTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectVolumes() {
	for state, count := range c.volumes.StateCounts() {
		VolumesTotal.WithLabelValues(state).Set(float64(count))
	}
}
