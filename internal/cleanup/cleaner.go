package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Store is the sweep surface the cleaner needs
type Store interface {
	CleanupTerminal(ctx context.Context, maxAge time.Duration, maxRetries int) (int, error)
}

// Cleaner periodically sweeps terminal messages (delivered, cancelled,
// or failed with no retry budget left) past their retention window.
type Cleaner struct {
	store      Store
	interval   time.Duration
	retention  time.Duration
	maxRetries int
	logger     *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config contains retention sweep settings
type Config struct {
	Interval   time.Duration
	Retention  time.Duration
	MaxRetries int
}

// New creates a cleaner. Interval defaults to 1h, retention to 7 days.
func New(store Store, cfg Config, logger *slog.Logger) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Cleaner{
		store:      store,
		interval:   cfg.Interval,
		retention:  cfg.Retention,
		maxRetries: cfg.MaxRetries,
		logger:     logger.With("component", "cleanup"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the sweep loop
func (c *Cleaner) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sweep(ctx)
			}
		}
	}()
}

// Stop stops the sweep loop
func (c *Cleaner) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Cleaner) sweep(ctx context.Context) {
	deleted, err := c.store.CleanupTerminal(ctx, c.retention, c.maxRetries)
	if err != nil {
		c.logger.Error("retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("retention sweep removed messages", "count", deleted)
	}
}
