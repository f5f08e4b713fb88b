package reporter

import (
	"context"

	"github.com/sirupsen/logrus"
)

type reporterKeyType struct{}

var reporterKeyVal reporterKeyType

func NewContextWithReporter(ctx context.Context, reporter Reporter) context.Context {
	return context.WithValue(ctx, reporterKeyVal, reporter)
}

func GetReporterFromContext(ctx context.Context) (Reporter, bool) {
	rep, ok := ctx.Value(reporterKeyVal).(Reporter)

	return rep, ok
}

// MessageWithContext reports through the reporter carried by ctx. It does nothing without one.
func MessageWithContext(ctx context.Context, message string, context Context) {
	rep, ok := GetReporterFromContext(ctx)
	if !ok {
		return
	}

	if err := rep.ReportMessageWithContext(message, context); err != nil {
		logrus.WithError(err).Error("Failed to report message")
	}
}

// ExceptionWithContext reports a recovered panic through the reporter carried by ctx.
func ExceptionWithContext(ctx context.Context, exception any, context Context) {
	rep, ok := GetReporterFromContext(ctx)
	if !ok {
		return
	}

	if err := rep.ReportExceptionWithContext(exception, context); err != nil {
		logrus.WithError(err).Error("Failed to report exception")
	}
}
