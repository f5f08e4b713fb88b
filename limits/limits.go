// Package limits holds sanity ceilings the engine enforces on data coming from callers.
package limits

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrMaxAccountCountReached = errors.New("max account count reached")
	ErrMaxMessageSizeExceeded = errors.New("max message size exceeded")
	ErrMaxRecipientsExceeded  = errors.New("max recipient count exceeded")
)

func IsLimitErr(err error) bool {
	return errors.Is(err, ErrMaxAccountCountReached) ||
		errors.Is(err, ErrMaxMessageSizeExceeded) ||
		errors.Is(err, ErrMaxRecipientsExceeded)
}

// Limits contains configurable upper limits. The zero value of a field means no limit.
type Limits struct {
	maxAccountCount int64
	maxMessageSize  int64
	maxRecipients   int64
}

func (l Limits) CheckAccountCount(existing int) error {
	if int64(existing) >= l.maxAccountCount {
		return ErrMaxAccountCountReached
	}

	return nil
}

func (l Limits) CheckMessageSize(size int) error {
	if int64(size) > l.maxMessageSize {
		return fmt.Errorf("%w: %v > %v bytes", ErrMaxMessageSizeExceeded, size, l.maxMessageSize)
	}

	return nil
}

func (l Limits) CheckRecipients(count int) error {
	if int64(count) > l.maxRecipients {
		return fmt.Errorf("%w: %v > %v", ErrMaxRecipientsExceeded, count, l.maxRecipients)
	}

	return nil
}

// DefaultLimits allows any account count and recipient count, and messages up to 50 MiB,
// the ceiling most submission servers apply.
func DefaultLimits() Limits {
	return Limits{
		maxAccountCount: math.MaxInt64,
		maxMessageSize:  50 << 20,
		maxRecipients:   math.MaxInt64,
	}
}

func NewLimits(maxAccountCount, maxMessageSize, maxRecipients int64) Limits {
	orMax := func(v int64) int64 {
		if v <= 0 {
			return math.MaxInt64
		}

		return v
	}

	return Limits{
		maxAccountCount: orMax(maxAccountCount),
		maxMessageSize:  orMax(maxMessageSize),
		maxRecipients:   orMax(maxRecipients),
	}
}
