package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSync("incremental", time.Second, 2)
	m.Applied("inserted", 3)
	m.ConnectAttempt("imap", nil)
	m.ConnectAttempt("imap", errors.New("refused"))
	m.SessionOpened("smtp")
	m.Collected(4, 1)

	require.Equal(t, 2.0, testutil.ToFloat64(m.SyncBatches.WithLabelValues("incremental")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.MessagesApplied.WithLabelValues("inserted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("imap", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.OpenSessions.WithLabelValues("smtp")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.BlobsCollected))
}

func TestMetrics_NilRecordsNothing(t *testing.T) {
	var m *Metrics

	require.NotPanics(t, func() {
		m.ObserveSync("full", time.Second, 1)
		m.SyncFailed("storage")
		m.OutboxAttempt("sent")
		m.CommitFailed()
	})
}
