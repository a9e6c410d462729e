package metrics

import (
	"context"
	"time"
)

// Snapshot is a point-in-time view of a unit's membership state
type Snapshot struct {
	Installed     bool
	Joined        bool
	Leader        bool
	QueueLength   int
	AddonsEnabled int
}

// Source provides membership snapshots to the collector
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Collector periodically projects persisted unit state into gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect runs a single collection pass
func (c *Collector) Collect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	snap, err := c.source.Snapshot(ctx)
	if err != nil {
		UpdateComponent("store", false, err.Error())
		return
	}
	UpdateComponent("store", true, "")

	UnitInstalled.Set(BoolGauge(snap.Installed))
	UnitJoined.Set(BoolGauge(snap.Joined))
	UnitLeader.Set(BoolGauge(snap.Leader))
	RemovalQueueLength.Set(float64(snap.QueueLength))
	AddonsEnabled.Set(float64(snap.AddonsEnabled))
}
