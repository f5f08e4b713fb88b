package wait

import (
	"context"
	"runtime/pprof"
	"sync/atomic"
	"testing"

	"github.com/NostraDavid/mail/logging"
	"github.com/stretchr/testify/require"
)

type countingHandler struct {
	count *atomic.Int32
}

func (h countingHandler) HandlePanic(any) {
	h.count.Add(1)
}

func TestGroup_RecoversPanics(t *testing.T) {
	var count atomic.Int32

	group := Group{PanicHandler: countingHandler{count: &count}}

	group.Go(func() { panic("boom") })
	group.Go(func() {})
	group.Wait()

	require.Equal(t, int32(1), count.Load())
}

func TestGroup_GoAnnotated(t *testing.T) {
	var group Group

	var label string

	group.GoAnnotated(context.Background(), func(ctx context.Context) {
		label, _ = pprof.Label(ctx, "account")
	}, logging.Labels{"account": 7})
	group.Wait()

	require.Equal(t, "7", label)
}
