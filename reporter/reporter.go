// Package reporter forwards unexpected engine conditions, such as failed commits, to an external tool.
package reporter

import "github.com/sirupsen/logrus"

type Context = map[string]any

// Reporter is implemented by crash and error reporting services.
type Reporter interface {
	ReportMessageWithContext(string, Context) error
	ReportExceptionWithContext(any, Context) error
}

type NullReporter struct{}

func (*NullReporter) ReportMessageWithContext(string, Context) error {
	return nil
}

func (*NullReporter) ReportExceptionWithContext(any, Context) error {
	return nil
}

// LogReporter writes reports to a logrus entry at error level.
type LogReporter struct {
	Entry *logrus.Entry
}

func (r LogReporter) ReportMessageWithContext(message string, context Context) error {
	r.entry().WithFields(logrus.Fields(context)).Error(message)

	return nil
}

func (r LogReporter) ReportExceptionWithContext(exception any, context Context) error {
	r.entry().WithFields(logrus.Fields(context)).WithField("exception", exception).Error("Exception reported")

	return nil
}

func (r LogReporter) entry() *logrus.Entry {
	if r.Entry == nil {
		return logrus.WithField("pkg", "reporter")
	}

	return r.Entry
}
