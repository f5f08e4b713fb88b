package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/NostraDavid/mail/credential"
	"golang.org/x/exp/slices"
)

// SendFault is a failure the DummySender injects into the next submission.
type SendFault int

const (
	// FaultDropBeforeData drops the connection before the message is handed over.
	FaultDropBeforeData SendFault = iota

	// FaultDropAfterData drops the connection after the server accepted the message but before it confirmed.
	FaultDropAfterData

	// FaultTempReject answers with a 451 reply.
	FaultTempReject

	// FaultPermReject answers with a 550 reply.
	FaultPermReject
)

type Delivery struct {
	Envelope DeliveryEnvelope
	Literal  []byte
}

// DummySender is an in-memory delivery server.
type DummySender struct {
	lock sync.Mutex

	username, secret string

	// DedupEnvelopeIDs makes the server advertise DSN and drop submissions whose envelope ID it already accepted.
	DedupEnvelopeIDs bool

	delivered []Delivery
	faults    []SendFault
	connects  int
}

func NewDummySender(username, secret string) *DummySender {
	return &DummySender{username: username, secret: secret}
}

func (d *DummySender) Connect(_ context.Context, cred credential.Credential) (Sender, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.connects++

	if cred.Username != d.username {
		return nil, fmt.Errorf("%w: unknown user %v", ErrAuthFatal, cred.Username)
	}

	if cred.Secret != d.secret {
		return nil, ErrAuthExpired
	}

	return &dummySenderSession{server: d}, nil
}

func (d *DummySender) SetSecret(secret string) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.secret = secret
}

func (d *DummySender) InjectFaults(faults ...SendFault) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.faults = append(d.faults, faults...)
}

func (d *DummySender) Delivered() []Delivery {
	d.lock.Lock()
	defer d.lock.Unlock()

	return slices.Clone(d.delivered)
}

func (d *DummySender) Connects() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.connects
}

func (d *DummySender) accept(env DeliveryEnvelope, literal []byte) {
	if d.DedupEnvelopeIDs && env.EnvelopeID != "" {
		for _, delivery := range d.delivered {
			if delivery.Envelope.EnvelopeID == env.EnvelopeID {
				return
			}
		}
	}

	d.delivered = append(d.delivered, Delivery{Envelope: env, Literal: slices.Clone(literal)})
}

type dummySenderSession struct {
	server *DummySender
	closed bool
}

func (s *dummySenderSession) Send(_ context.Context, env DeliveryEnvelope, literal []byte) error {
	s.server.lock.Lock()
	defer s.server.lock.Unlock()

	if s.closed {
		return &DeliveryError{Err: ErrClosed}
	}

	if len(s.server.faults) > 0 {
		fault := s.server.faults[0]
		s.server.faults = s.server.faults[1:]

		switch fault {
		case FaultDropBeforeData:
			s.closed = true
			return &DeliveryError{Err: fmt.Errorf("%w: connection dropped", ErrUnreachable)}

		case FaultDropAfterData:
			s.closed = true
			s.server.accept(env, literal)

			return &DeliveryError{Ambiguous: true, Err: fmt.Errorf("%w: connection dropped awaiting reply", ErrUnreachable)}

		case FaultTempReject:
			return &DeliveryError{Code: 451, Err: fmt.Errorf("requested action aborted: try again later")}

		case FaultPermReject:
			return &DeliveryError{Code: 550, Permanent: true, Err: fmt.Errorf("mailbox unavailable")}
		}
	}

	s.server.accept(env, literal)

	return nil
}

func (s *dummySenderSession) SupportsDSN() bool {
	s.server.lock.Lock()
	defer s.server.lock.Unlock()

	return s.server.DedupEnvelopeIDs
}

func (s *dummySenderSession) Close() error {
	s.server.lock.Lock()
	defer s.server.lock.Unlock()

	s.closed = true

	return nil
}
