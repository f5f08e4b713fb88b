package store

import "github.com/NostraDavid/mail/async"

type Option interface {
	config(*onDiskStore)
}

func WithCompressor(cmp Compressor) Option {
	return &withCmp{
		cmp: cmp,
	}
}

type withCmp struct {
	cmp Compressor
}

func (opt withCmp) config(store *onDiskStore) {
	store.cmp = opt.cmp
}

// WithSemaphore bounds the number of concurrent file operations.
func WithSemaphore(sem *async.Semaphore) Option {
	return &withSem{
		sem: sem,
	}
}

type withSem struct {
	sem *async.Semaphore
}

func (opt withSem) config(store *onDiskStore) {
	store.sem = opt.sem
}
