package logging

import (
	"bytes"
	"context"
	"os"
	"runtime/pprof"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestDoAnnotate(t *testing.T) {
	DoAnnotate(context.Background(), func(ctx context.Context) {
		mailbox, ok := pprof.Label(ctx, "mailbox")
		require.True(t, ok)
		require.Equal(t, "INBOX", mailbox)

		fn, ok := pprof.Label(ctx, "fn")
		require.True(t, ok)
		require.Contains(t, fn, "TestDoAnnotate")
	}, Labels{"mailbox": "INBOX"})
}

func TestSetup(t *testing.T) {
	defer func() {
		logrus.SetOutput(os.Stderr)
		logrus.SetLevel(logrus.InfoLevel)
		logrus.SetFormatter(&logrus.TextFormatter{})
	}()

	var buf bytes.Buffer

	require.NoError(t, Setup("debug", FormatJSON, &buf))
	require.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	logrus.WithField("account", 1).Debug("hello")
	require.Contains(t, buf.String(), `"account":1`)

	require.Error(t, Setup("loud", FormatText, nil))
	require.Error(t, Setup("info", "xml", nil))
}
