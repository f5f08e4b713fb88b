// Package ticker runs a callback periodically or on demand, always from the same goroutine.
package ticker

import (
	"context"
	"time"
)

type Ticker struct {
	ticker *time.Ticker
	period time.Duration
	pollCh chan chan struct{}
	stopCh chan struct{}
}

func New(period time.Duration) *Ticker {
	return &Ticker{
		ticker: time.NewTicker(period),
		period: period,
		pollCh: make(chan chan struct{}),
		stopCh: make(chan struct{}),
	}
}

func (ticker *Ticker) Pause() {
	ticker.ticker.Stop()
}

func (ticker *Ticker) Resume() {
	ticker.ticker.Reset(ticker.period)
}

// Poll runs the callback now and blocks until it returned, or until ctx is done.
func (ticker *Ticker) Poll(ctx context.Context) error {
	doneCh := make(chan struct{})

	select {
	case ticker.pollCh <- doneCh:
	case <-ticker.stopCh:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends Tick. It must be called once.
func (ticker *Ticker) Stop() {
	ticker.ticker.Stop()
	close(ticker.stopCh)
}

// Tick calls fn at every period and on every Poll until Stop is called or ctx is done.
func (ticker *Ticker) Tick(ctx context.Context, fn func(context.Context)) {
	for {
		select {
		case <-ticker.ticker.C:
			fn(ctx)

		case doneCh := <-ticker.pollCh:
			fn(ctx)
			close(doneCh)

		case <-ticker.stopCh:
			return

		case <-ctx.Done():
			return
		}
	}
}
