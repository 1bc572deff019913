package wal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultCheckpointInterval is how often checkpoints are created
	DefaultCheckpointInterval = 10 * time.Minute
)

// Checkpointer runs a checkpoint function periodically
type Checkpointer struct {
	interval time.Duration
	fn       func() error
	logger   zerolog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCheckpointer creates a checkpointer; interval <= 0 selects the default
func NewCheckpointer(fn func() error, interval time.Duration, logger zerolog.Logger) *Checkpointer {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return &Checkpointer{
		interval: interval,
		fn:       fn,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the loop until ctx ends or Stop is called
func (c *Checkpointer) Start(ctx context.Context) {
	if c.started.CompareAndSwap(false, true) {
		go c.run(ctx)
	}
}

// Stop stops the loop and waits for an in-progress checkpoint. It is safe
// to call on a checkpointer that was never started.
func (c *Checkpointer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.started.Load() {
		<-c.doneCh
	}
}

func (c *Checkpointer) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := c.fn(); err != nil {
				c.logger.Error().Err(err).Msg("checkpoint failed")
				continue
			}
			c.logger.Debug().Dur("duration", time.Since(start)).Msg("checkpoint complete")
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
