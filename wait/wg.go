// Package wait tracks the engine's background goroutines so Close can wait for them.
package wait

import (
	"context"
	"sync"

	"github.com/NostraDavid/mail/async"
	"github.com/NostraDavid/mail/logging"
)

type Group struct {
	wg           sync.WaitGroup
	PanicHandler async.PanicHandler
}

func (wg *Group) Go(f func()) {
	wg.wg.Add(1)

	go func() {
		defer wg.wg.Done()
		defer async.HandlePanic(wg.PanicHandler)

		f()
	}()
}

// GoAnnotated runs f in a tracked goroutine carrying the given pprof labels.
func (wg *Group) GoAnnotated(ctx context.Context, f func(context.Context), labels ...logging.Labels) {
	wg.wg.Add(1)

	go func() {
		defer wg.wg.Done()
		defer async.HandlePanic(wg.PanicHandler)

		logging.DoAnnotate(ctx, f, labels...)
	}()
}

func (wg *Group) Wait() {
	wg.wg.Wait()
}
