package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/NostraDavid/mail/imap"
	"github.com/bradenaw/juniper/xslices"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type dummySession struct {
	server *Dummy
	caps   imap.Capabilities

	selected string
	version  uint64

	closed   chan struct{}
	isClosed bool
}

func (s *dummySession) Capabilities() imap.Capabilities {
	return s.caps
}

func (s *dummySession) ListMailboxes(context.Context) ([]MailboxInfo, error) {
	s.server.lock.Lock()
	defer s.server.lock.Unlock()

	s.server.count("ListMailboxes", nil)

	if err := s.check(); err != nil {
		return nil, err
	}

	names := maps.Keys(s.server.mailboxes)
	slices.Sort(names)

	return xslices.Map(names, func(name string) MailboxInfo {
		return MailboxInfo{
			Name:       name,
			Delimiter:  "/",
			Attributes: slices.Clone(s.server.mailboxes[name].attrs),
		}
	}), nil
}

func (s *dummySession) Select(_ context.Context, name string) (Status, error) {
	s.server.lock.Lock()
	defer s.server.lock.Unlock()

	if err := s.check(); err != nil {
		return Status{}, err
	}

	mbox, ok := s.server.mailboxes[name]
	if !ok {
		return Status{}, fmt.Errorf("%w: %v", ErrMailboxNotFound, name)
	}

	s.selected = name
	s.version = mbox.version

	status := Status{
		Validity: mbox.validity,
		UIDNext:  mbox.uidNext,
		Messages: uint32(len(mbox.messages)),
	}

	if s.caps.CondStore {
		status.HighestModSeq = mbox.modSeq
	}

	return status, nil
}

func (s *dummySession) UIDs(_ context.Context, r imap.UIDRange) ([]imap.UID, error) {
	s.server.lock.Lock()
	defer s.server.lock.Unlock()

	s.server.count("UIDs", r)

	mbox, err := s.mailbox()
	if err != nil {
		return nil, err
	}

	s.version = mbox.version

	matching := xslices.Filter(mbox.messages, func(m *dummyMessage) bool { return r.Contains(m.uid) })

	return xslices.Map(matching, func(m *dummyMessage) imap.UID { return m.uid }), nil
}

func (s *dummySession) Flags(_ context.Context, uids imap.UIDRange, changedSince imap.ModSeq) ([]FlagState, error) {
	s.server.lock.Lock()
	defer s.server.lock.Unlock()

	mbox, err := s.mailbox()
	if err != nil {
		return nil, err
	}

	var states []FlagState

	for _, msg := range mbox.messages {
		if !uids.Contains(msg.uid) {
			continue
		}

		if s.caps.CondStore && changedSince != 0 && msg.modSeq <= changedSince {
			continue
		}

		states = append(states, FlagState{
			UID:    msg.uid,
			Flags:  imap.NewFlagSet(msg.flags.ToSlice()...),
			ModSeq: msg.modSeq,
		})
	}

	return states, nil
}

// Fetch runs the fetch hook without holding the server lock, so the hook may change the server.
func (s *dummySession) Fetch(_ context.Context, uids []imap.UID) ([]RemoteMessage, error) {
	s.server.lock.Lock()

	mbox, err := s.mailbox()
	if err != nil {
		s.server.lock.Unlock()
		return nil, err
	}

	sorted := slices.Clone(uids)
	slices.Sort(sorted)

	var messages []RemoteMessage

	for _, uid := range slices.Compact(sorted) {
		if msg, ok := mbox.find(uid); ok {
			messages = append(messages, msg.toRemote())
		}
	}

	hook, name := s.server.fetchHook, mbox.name

	s.server.lock.Unlock()

	if hook != nil {
		messages = hook(name, messages)
	}

	return messages, nil
}

func (s *dummySession) StoreFlags(_ context.Context, uid imap.UID, add, remove []string) error {
	s.server.lock.Lock()
	defer s.server.lock.Unlock()

	mbox, err := s.mailbox()
	if err != nil {
		return err
	}

	msg, ok := mbox.find(uid)
	if !ok {
		// Storing to an expunged message is not an error.
		return nil
	}

	msg.flags = msg.flags.Apply(add, remove)
	msg.modSeq = mbox.nextModSeq()

	mbox.notify()

	// A session does not get notified about its own changes.
	s.version = mbox.version

	return nil
}

func (s *dummySession) Move(_ context.Context, uid imap.UID, target string) (imap.UIDValidity, imap.UID, error) {
	s.server.lock.Lock()
	defer s.server.lock.Unlock()

	s.server.count("Move", uid)

	src, err := s.mailbox()
	if err != nil {
		return 0, 0, err
	}

	dst, ok := s.server.mailboxes[target]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %v", ErrMailboxNotFound, target)
	}

	newUID, ok := src.moveTo(dst, uid)
	if !ok {
		// Like UID MOVE, moving an expunged message does nothing.
		return 0, 0, nil
	}

	// A session does not get notified about its own changes.
	s.version = src.version

	if !s.caps.UIDPlus {
		return 0, 0, nil
	}

	return dst.validity, newUID, nil
}

func (s *dummySession) WaitForChanges(ctx context.Context, timeout time.Duration) (bool, error) {
	s.server.lock.Lock()

	mbox, err := s.mailbox()
	if err != nil {
		s.server.lock.Unlock()
		return false, err
	}

	if mbox.version != s.version {
		s.server.lock.Unlock()
		return true, nil
	}

	changed := mbox.changed

	s.server.lock.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-changed:
		return true, nil

	case <-s.closed:
		return false, fmt.Errorf("%w: connection dropped", ErrUnreachable)

	case <-timer.C:
		return false, nil

	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *dummySession) Close() error {
	s.server.lock.Lock()
	defer s.server.lock.Unlock()

	s.close()

	return nil
}

func (s *dummySession) close() {
	if s.isClosed {
		return
	}

	s.isClosed = true
	close(s.closed)

	delete(s.server.sessions, s)
}

func (s *dummySession) check() error {
	if s.isClosed {
		return fmt.Errorf("%w: connection dropped", ErrUnreachable)
	}

	return s.server.popFailure()
}

func (s *dummySession) mailbox() (*dummyMailbox, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	if s.selected == "" {
		return nil, fmt.Errorf("%w: no mailbox selected", ErrProtocolViolation)
	}

	mbox, ok := s.server.mailboxes[s.selected]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrMailboxNotFound, s.selected)
	}

	return mbox, nil
}
