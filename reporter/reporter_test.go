package reporter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	messages   []string
	exceptions []any
}

func (r *recordingReporter) ReportMessageWithContext(message string, _ Context) error {
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingReporter) ReportExceptionWithContext(exception any, _ Context) error {
	r.exceptions = append(r.exceptions, exception)
	return nil
}

func TestMessageWithContext(t *testing.T) {
	rep := &recordingReporter{}
	ctx := NewContextWithReporter(context.Background(), rep)

	MessageWithContext(ctx, "commit failed", Context{"error": "disk full"})
	ExceptionWithContext(ctx, "boom", nil)

	require.Equal(t, []string{"commit failed"}, rep.messages)
	require.Equal(t, []any{"boom"}, rep.exceptions)

	// Without a reporter nothing happens.
	MessageWithContext(context.Background(), "ignored", nil)
}
