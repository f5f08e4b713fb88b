package utils

import (
	"github.com/google/uuid"
)

// NewMessageID returns a new local message ID. The prefix tells local IDs apart from header Message-IDs in logs.
func NewMessageID() string {
	return "msg-" + uuid.NewString()
}

// ErrCause returns the inner-most error in the wrapped chain, following the first branch of joined errors.
func ErrCause(err error) error {
	for {
		switch wrapped := err.(type) {
		case interface{ Unwrap() error }:
			next := wrapped.Unwrap()
			if next == nil {
				return err
			}

			err = next

		case interface{ Unwrap() []error }:
			next := wrapped.Unwrap()
			if len(next) == 0 {
				return err
			}

			err = next[0]

		default:
			return err
		}
	}
}
