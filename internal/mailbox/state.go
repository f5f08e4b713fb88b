package mailbox

import (
	"errors"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/imap"
)

type State string

const (
	StateDisconnected    State = "disconnected"
	StateInitialSync     State = "initial-sync"
	StateIdle            State = "idle"
	StatePolling         State = "polling"
	StateIncrementalSync State = "incremental-sync"
	StateCatchUp         State = "catch-up"
	StateError           State = "error"
)

// Syncing reports whether the state is one of the sync passes.
func (s State) Syncing() bool {
	return s == StateInitialSync || s == StateIncrementalSync || s == StateCatchUp
}

func steadyState(mode imap.SteadyMode) State {
	if mode == imap.SteadyIdle {
		return StateIdle
	}

	return StatePolling
}

// errorKind names the class of a sync failure for logs and metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, connector.ErrAuthFatal):
		return "auth-fatal"

	case errors.Is(err, connector.ErrAuthExpired):
		return "auth"

	case errors.Is(err, connector.ErrOrderingViolation):
		return "ordering"

	case errors.Is(err, connector.ErrProtocolViolation):
		return "protocol"

	case errors.Is(err, connector.ErrMailboxNotFound):
		return "mailbox-not-found"

	case errors.Is(err, db.ErrTransactionFailed):
		return "storage"

	case errors.Is(err, connector.ErrTimeout):
		return "timeout"

	case connector.IsTransient(err):
		return "transient"

	default:
		return "other"
	}
}
