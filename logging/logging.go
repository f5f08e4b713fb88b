// Package logging configures logrus for the daemon and labels engine goroutines for pprof.
package logging

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"runtime/pprof"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Labels are extra pprof labels attached to an annotated goroutine.
type Labels = map[string]any

// GoAnnotate runs fn in a new goroutine labelled with its caller and the given labels.
func GoAnnotate(ctx context.Context, fn func(context.Context), labels ...Labels) {
	go pprof.Do(ctx, callerLabels(labels...), fn)
}

func DoAnnotate(ctx context.Context, fn func(context.Context), labels ...Labels) {
	pprof.Do(ctx, callerLabels(labels...), fn)
}

func callerLabels(extra ...Labels) pprof.LabelSet {
	// Skip callerLabels and the annotating function.
	pc, file, line, ok := runtime.Caller(2)
	if !ok {
		panic("failed to get caller's stack frame")
	}

	labels := []string{"fn", runtime.FuncForPC(pc).Name(), "file", file, "line", strconv.Itoa(line)}

	for _, set := range extra {
		for key, val := range set {
			labels = append(labels, key, fmt.Sprintf("%v", val))
		}
	}

	return pprof.Labels(labels...)
}

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Setup configures the standard logger.
func Setup(level string, format Format, out io.Writer) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	logrus.SetLevel(lvl)

	switch format {
	case FormatJSON:
		logrus.SetFormatter(&logrus.JSONFormatter{})

	case FormatText, "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	if out != nil {
		logrus.SetOutput(out)
	}

	return nil
}
