// Package observability carries the metrics of the engine through contexts.
package observability

import (
	"context"

	"github.com/NostraDavid/mail/observability/metrics"
)

type metricsKeyType struct{}

var metricsKeyVal metricsKeyType

func NewContextWithMetrics(ctx context.Context, m *metrics.Metrics) context.Context {
	return context.WithValue(ctx, metricsKeyVal, m)
}

// Metrics returns the metrics stored in the context, or nil, which records nothing.
func Metrics(ctx context.Context) *metrics.Metrics {
	m, _ := ctx.Value(metricsKeyVal).(*metrics.Metrics)

	return m
}
