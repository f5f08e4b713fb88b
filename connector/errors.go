package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

var (
	ErrUnreachable = errors.New("server unreachable")
	ErrTimeout     = errors.New("operation timed out")

	// ErrAuthExpired means the credential was rejected and should be refreshed before retrying.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrAuthFatal means authentication keeps failing and needs user action.
	ErrAuthFatal = errors.New("authentication failed permanently")

	// ErrProtocolViolation marks a malformed or unexpected server response.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrOrderingViolation marks server output that contradicts itself, e.g. duplicate or unordered UIDs.
	ErrOrderingViolation = errors.New("ordering violation")

	ErrMailboxNotFound = errors.New("mailbox not found")
	ErrClosed          = errors.New("session closed")
)

// DeliveryError is a failed submission.
type DeliveryError struct {
	// Code is the server reply code, or zero if the failure happened below the protocol.
	Code int

	// Permanent failures are never retried.
	Permanent bool

	// Ambiguous failures happened after the message was handed over, so the server may have accepted it.
	Ambiguous bool

	Err error
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("delivery failed (%d): %v", e.Code, e.Err)
	}

	return fmt.Sprintf("delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the operation may succeed if retried later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var deliveryErr *DeliveryError

	if errors.As(err, &deliveryErr) {
		return !deliveryErr.Permanent && !deliveryErr.Ambiguous
	}

	if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrClosed) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrAuthFatal)
}

// IsAmbiguous reports whether a failed submission may nevertheless have been delivered.
func IsAmbiguous(err error) bool {
	var deliveryErr *DeliveryError

	return errors.As(err, &deliveryErr) && deliveryErr.Ambiguous
}

// IsCancellation reports whether err only reflects the caller giving up.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
