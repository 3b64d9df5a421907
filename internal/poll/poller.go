// Package poll drives the inbox loop: list unread messages on a fixed
// interval and hand each batch to the dispatcher.
package poll

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailmind/internal/model"
)

const (
	defaultInterval   = 10 * time.Second
	defaultBatchSize  = 10
	defaultPurgeEvery = time.Hour
)

// Inbox lists unread messages.
type Inbox interface {
	ListUnread(ctx context.Context, max int) ([]model.MessageRef, error)
}

// Dispatcher processes one batch of unread messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, refs []model.MessageRef)
	Wait()
}

// Purger removes expired conversation history.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Config tunes the poll loop.
type Config struct {
	// Interval between inbox checks.
	Interval time.Duration

	// BatchSize caps how many unread messages one cycle picks up.
	BatchSize int

	// PurgeEvery is how often expired conversations are swept.
	PurgeEvery time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PurgeEvery <= 0 {
		c.PurgeEvery = defaultPurgeEvery
	}
}

// Poller runs the periodic inbox check until its context is canceled.
type Poller struct {
	cfg   Config
	inbox Inbox
	disp  Dispatcher
	purge Purger
	log   *zap.Logger
}

// New creates a Poller.
func New(cfg Config, inbox Inbox, disp Dispatcher, purge Purger, log *zap.Logger) *Poller {
	cfg.applyDefaults()
	return &Poller{cfg: cfg, inbox: inbox, disp: disp, purge: purge, log: log}
}

// Run blocks until ctx is canceled. The first cycle happens
// immediately; afterwards one cycle per interval. On shutdown it waits
// for in-flight dispatch tasks to drain before returning.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	purgeTicker := time.NewTicker(p.cfg.PurgeEvery)
	defer purgeTicker.Stop()

	p.cycle(ctx)
	p.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopping, draining tasks")
			p.disp.Wait()
			return
		case <-ticker.C:
			p.cycle(ctx)
		case <-purgeTicker.C:
			p.sweep(ctx)
		}
	}
}

// cycle runs one inbox check and dispatches whatever it finds.
func (p *Poller) cycle(ctx context.Context) {
	refs, err := p.inbox.ListUnread(ctx, p.cfg.BatchSize)
	if err != nil {
		p.log.Error("listing unread messages", zap.Error(err))
		return
	}
	if len(refs) == 0 {
		return
	}

	p.log.Info("dispatching unread messages", zap.Int("count", len(refs)))
	p.disp.Dispatch(ctx, refs)
}

// sweep drops conversations past their expiry.
func (p *Poller) sweep(ctx context.Context) {
	if p.purge == nil {
		return
	}
	n, err := p.purge.PurgeExpired(ctx)
	if err != nil {
		p.log.Error("purging expired conversations", zap.Error(err))
		return
	}
	if n > 0 {
		p.log.Info("purged expired conversations", zap.Int64("count", n))
	}
}
