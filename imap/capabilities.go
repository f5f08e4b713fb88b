package imap

// Capabilities is the subset of the server's advertised capabilities the sync engine cares about.
type Capabilities struct {
	// Idle is set when the server can push change notifications on an open connection.
	Idle bool

	// CondStore is set when the server tracks a modification sequence per mailbox.
	CondStore bool

	// SpecialUse is set when the server annotates mailboxes with their role.
	SpecialUse bool

	// UIDPlus is set when the server reports the UIDs that copied and moved messages got.
	UIDPlus bool
}

type SteadyMode int

const (
	SteadyPolling SteadyMode = iota
	SteadyIdle
)

func (m SteadyMode) String() string {
	if m == SteadyIdle {
		return "idle"
	}

	return "polling"
}

type ResyncMode int

const (
	ResyncFull ResyncMode = iota
	ResyncIncremental
)

func (m ResyncMode) String() string {
	if m == ResyncIncremental {
		return "incremental"
	}

	return "full"
}

// Strategy is fixed for the lifetime of a connection once capabilities are known.
type Strategy struct {
	Steady SteadyMode
	Resync ResyncMode
}

func (c Capabilities) Strategy() Strategy {
	var strategy Strategy

	if c.Idle {
		strategy.Steady = SteadyIdle
	}

	if c.CondStore {
		strategy.Resync = ResyncIncremental
	}

	return strategy
}
