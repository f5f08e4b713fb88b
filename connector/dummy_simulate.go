package connector

import (
	"time"

	"github.com/NostraDavid/mail/imap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

func (conn *Dummy) SetCapabilities(caps imap.Capabilities) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	conn.caps = caps
}

// SetSecret changes the accepted secret. Sessions opened with the old one keep working.
func (conn *Dummy) SetSecret(secret string) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	conn.secret = secret
}

// SetOffline makes new connection attempts fail as unreachable.
func (conn *Dummy) SetOffline(offline bool) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	conn.offline = offline
}

// DropConnections closes every open session as if the network failed.
func (conn *Dummy) DropConnections() {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	for _, session := range maps.Keys(conn.sessions) {
		session.close()
	}
}

// FailNext makes the next session operations fail with the given errors, in order.
func (conn *Dummy) FailNext(errs ...error) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	conn.failNext = append(conn.failNext, errs...)
}

func (conn *Dummy) SetFetchHook(hook func(mailbox string, messages []RemoteMessage) []RemoteMessage) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	conn.fetchHook = hook
}

func (conn *Dummy) Connects() int {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	return conn.connects
}

// Calls returns the arguments of every call of the named session operation so far.
func (conn *Dummy) Calls(op string) []any {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	return slices.Clone(conn.calls[op])
}

func (conn *Dummy) OpenSessions() int {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	return len(conn.sessions)
}

func (conn *Dummy) CreateMailbox(name string, attrs ...string) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	conn.createMailbox(name, attrs...)
}

func (conn *Dummy) DeleteMailbox(name string) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	if mbox, ok := conn.mailboxes[name]; ok {
		delete(conn.mailboxes, name)
		mbox.notify()
	}
}

// AddMessage appends a message to the mailbox and returns its UID.
func (conn *Dummy) AddMessage(mailbox string, literal []byte, flags ...string) imap.UID {
	return conn.AddMessageWithDate(mailbox, literal, time.Now(), flags...)
}

func (conn *Dummy) AddMessageWithDate(mailbox string, literal []byte, date time.Time, flags ...string) imap.UID {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	mbox := conn.mustMailbox(mailbox)
	defer mbox.notify()

	return mbox.append(literal, imap.NewFlagSet(flags...), date)
}

// SetFlags replaces the flags of a message, as another client would.
func (conn *Dummy) SetFlags(mailbox string, uid imap.UID, flags ...string) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	mbox := conn.mustMailbox(mailbox)

	if msg, ok := mbox.find(uid); ok {
		msg.flags = imap.NewFlagSet(flags...)
		msg.modSeq = mbox.nextModSeq()
		mbox.notify()
	}
}

func (conn *Dummy) GetFlags(mailbox string, uid imap.UID) (imap.FlagSet, bool) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	msg, ok := conn.mustMailbox(mailbox).find(uid)
	if !ok {
		return nil, false
	}

	return imap.NewFlagSet(msg.flags.ToSlice()...), true
}

func (conn *Dummy) Expunge(mailbox string, uids ...imap.UID) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	mbox := conn.mustMailbox(mailbox)

	mbox.expunge(uids...)
	mbox.notify()
}

// Move moves a message between mailboxes and returns its UID in the destination.
func (conn *Dummy) Move(from string, uid imap.UID, to string) (imap.UID, bool) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	return conn.mustMailbox(from).moveTo(conn.mustMailbox(to), uid)
}

// BumpValidity starts a new epoch: the mailbox gets a new validity and its messages are renumbered from 1.
func (conn *Dummy) BumpValidity(mailbox string) imap.UIDValidity {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	mbox := conn.mustMailbox(mailbox)

	mbox.validity = conn.nextValidity
	conn.nextValidity++

	mbox.uidNext = 1

	for _, msg := range mbox.messages {
		msg.uid = mbox.uidNext
		mbox.uidNext++
	}

	mbox.notify()

	return mbox.validity
}

// SetValidity sets the current validity of the mailbox without renumbering it.
func (conn *Dummy) SetValidity(mailbox string, validity imap.UIDValidity) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	conn.mustMailbox(mailbox).validity = validity

	if validity >= conn.nextValidity {
		conn.nextValidity = validity + 1
	}
}

// UIDs returns the UIDs currently in the mailbox.
func (conn *Dummy) UIDs(mailbox string) []imap.UID {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	mbox := conn.mustMailbox(mailbox)

	uids := make([]imap.UID, 0, len(mbox.messages))

	for _, msg := range mbox.messages {
		uids = append(uids, msg.uid)
	}

	return uids
}

// LoseModSeqHistory resets the mailbox's change sequence and that of every message, as a server
// restored from a backup would.
func (conn *Dummy) LoseModSeqHistory(mailbox string) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	mbox := conn.mustMailbox(mailbox)

	mbox.modSeq = 1

	for _, msg := range mbox.messages {
		msg.modSeq = 1
	}
}

// HighestModSeq returns the mailbox's current change sequence.
func (conn *Dummy) HighestModSeq(mailbox string) imap.ModSeq {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	return conn.mustMailbox(mailbox).modSeq
}

func (conn *Dummy) mustMailbox(name string) *dummyMailbox {
	mbox, ok := conn.mailboxes[name]
	if !ok {
		panic("dummy: no such mailbox " + name)
	}

	return mbox
}
