package metrics

import (
	"time"

	"github.com/patchbay-dev/patchbay/pkg/types"
)

// StatsSource supplies the gauge values the collector polls. The service
// registry implements it.
type StatsSource interface {
	TemplateCount() int
	InstanceCountsByState() map[types.InstanceState]int
	HealthyInstanceCount() int
	OpenBreakerCount() int
}

// Collector periodically refreshes registry gauges from a StatsSource
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

var gaugedStates = []types.InstanceState{
	types.StateIdle,
	types.StateStarting,
	types.StateRunning,
	types.StateDegraded,
	types.StateStopping,
	types.StateStopped,
	types.StateError,
}

func (c *Collector) collect() {
	TemplatesTotal.Set(float64(c.source.TemplateCount()))
	HealthyInstances.Set(float64(c.source.HealthyInstanceCount()))
	BreakersOpen.Set(float64(c.source.OpenBreakerCount()))

	counts := c.source.InstanceCountsByState()
	// Set every known state, zero included, so gauges for drained states
	// do not go stale between scrapes.
	for _, state := range gaugedStates {
		InstancesTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
