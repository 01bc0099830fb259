package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sifapp/sifd/internal/message"
)

// StatsProvider supplies store-wide message counts
type StatsProvider interface {
	Stats(ctx context.Context) (*message.Stats, error)
}

// Collector periodically refreshes the per-status pipeline gauges from
// the store.
type Collector struct {
	metrics  *Metrics
	provider StatsProvider
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector. Interval defaults to 10s.
func NewCollector(m *Metrics, provider StatsProvider, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		metrics:  m,
		provider: provider,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the refresh loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.refresh(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.refresh(ctx)
			}
		}
	}()
}

// Stop stops the refresh loop
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) refresh(ctx context.Context) {
	stats, err := c.provider.Stats(ctx)
	if err != nil {
		c.logger.Error("failed to collect pipeline stats", "error", err)
		return
	}

	g := c.metrics.PipelineMessages
	g.WithLabelValues(string(message.StatusDraft)).Set(float64(stats.Draft))
	g.WithLabelValues(string(message.StatusScheduled)).Set(float64(stats.Scheduled))
	g.WithLabelValues(string(message.StatusUploading)).Set(float64(stats.Uploading))
	g.WithLabelValues(string(message.StatusSending)).Set(float64(stats.Sending))
	g.WithLabelValues(string(message.StatusDelivered)).Set(float64(stats.Delivered))
	g.WithLabelValues(string(message.StatusFailed)).Set(float64(stats.Failed))
	g.WithLabelValues(string(message.StatusCancelled)).Set(float64(stats.Cancelled))
}
