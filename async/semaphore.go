package async

import (
	"context"
	"sync"
)

// Semaphore limits the number of concurrent holders.
type Semaphore struct {
	ch chan struct{}
	wg sync.WaitGroup
	rw sync.RWMutex

	panicHandler PanicHandler
}

func NewSemaphore(max int, panicHandler PanicHandler) *Semaphore {
	if max < 1 {
		max = 1
	}

	return &Semaphore{ch: make(chan struct{}, max), panicHandler: panicHandler}
}

// Lock waits until a slot is free.
func (sem *Semaphore) Lock() {
	sem.rw.RLock()
	sem.ch <- struct{}{}
}

// Acquire is like Lock but gives up when the context is done.
func (sem *Semaphore) Acquire(ctx context.Context) error {
	sem.rw.RLock()

	select {
	case sem.ch <- struct{}{}:
		return nil

	case <-ctx.Done():
		sem.rw.RUnlock()
		return ctx.Err()
	}
}

func (sem *Semaphore) Unlock() {
	<-sem.ch
	sem.rw.RUnlock()
}

// Release is the counterpart of Acquire.
func (sem *Semaphore) Release() {
	sem.Unlock()
}

// InUse returns the number of slots currently held.
func (sem *Semaphore) InUse() int {
	return len(sem.ch)
}

// Block prevents new holders until Unblock is called.
func (sem *Semaphore) Block() {
	sem.rw.Lock()
	sem.wg.Wait()
}

func (sem *Semaphore) Unblock() {
	sem.rw.Unlock()
}

// Go runs fn on a new goroutine once a slot is free.
func (sem *Semaphore) Go(fn func()) {
	sem.Lock()
	sem.wg.Add(1)

	go func() {
		defer HandlePanic(sem.panicHandler)
		defer sem.Unlock()
		defer sem.wg.Done()

		fn()
	}()
}

// Wait waits for all functions started by Go.
func (sem *Semaphore) Wait() {
	sem.wg.Wait()
}
