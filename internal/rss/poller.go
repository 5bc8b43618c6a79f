package rss

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// MinRefreshInterval is the floor for the polling interval.
	MinRefreshInterval = time.Minute
	// refreshTimeout bounds one full refresh pass.
	refreshTimeout = 10 * time.Minute
)

// Poller refreshes on a fixed interval and on demand. It refreshes once
// immediately on Start.
type Poller struct {
	refresher *Refresher
	interval  time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	wg     sync.WaitGroup
}

// NewPoller returns a stopped poller around the refresher. Intervals
// below the minimum are raised to it.
func NewPoller(refresher *Refresher, interval time.Duration, logger *slog.Logger) *Poller {
	if interval < MinRefreshInterval {
		interval = MinRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		refresher: refresher,
		interval:  interval,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		kick:      make(chan struct{}, 1),
	}
}

// Start begins the polling loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			if p.ctx.Err() != nil {
				return
			}
			p.runOnce()
			select {
			case <-p.ctx.Done():
				return
			case <-p.kick:
			case <-time.After(p.interval):
			}
		}
	}()
}

// Kick requests an immediate refresh without blocking. A kick landing
// during a running refresh schedules one more pass right after it.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Stop cancels any running refresh and waits for the loop to exit.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) runOnce() {
	ctx, cancel := context.WithTimeout(p.ctx, refreshTimeout)
	defer cancel()

	p.logger.Debug("refreshing all feeds")
	err := p.refresher.RefreshAll(ctx)
	if err != nil && !errors.Is(err, ErrRefreshInProgress) && !errors.Is(err, context.Canceled) {
		p.logger.Error("refresh", "error", err)
	}
}
