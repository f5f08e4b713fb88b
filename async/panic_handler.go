package async

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// PanicHandler receives the value of a recovered panic.
type PanicHandler interface {
	HandlePanic(any)
}

// NoopPanicHandler lets the panic continue unwinding.
type NoopPanicHandler struct{}

func (NoopPanicHandler) HandlePanic(r any) {
	panic(r)
}

// LogPanicHandler logs the panic with its stack and swallows it.
type LogPanicHandler struct {
	Entry *logrus.Entry
}

func (h LogPanicHandler) HandlePanic(r any) {
	entry := h.Entry
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}

	entry.WithField("panic", r).Errorf("Recovered from panic: %s", debug.Stack())
}

// HandlePanic must be deferred directly. A nil handler leaves the panic untouched.
func HandlePanic(panicHandler PanicHandler) {
	if panicHandler == nil {
		return
	}

	if r := recover(); r != nil {
		panicHandler.HandlePanic(r)
	}
}
