package metrics

import (
	"context"
	"time"
)

// StatusCounter reports how many sessions sit in each status.
type StatusCounter interface {
	CountByStatus() map[string]int
}

// Collector periodically updates gauge metrics from registry state
type Collector struct {
	src      StatusCounter
	interval time.Duration
	stopCh   chan struct{}
}

func NewCollector(src StatusCounter, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Collector{src: src, interval: interval, stopCh: make(chan struct{})}
}

// Start blocks until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes SessionsByStatus once.
func (c *Collector) Collect() {
	SessionsByStatus.Reset()
	for status, n := range c.src.CountByStatus() {
		SessionsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
