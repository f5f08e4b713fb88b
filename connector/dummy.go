package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NostraDavid/mail/credential"
	"github.com/NostraDavid/mail/imap"
	"github.com/bradenaw/juniper/xslices"
	"golang.org/x/exp/slices"
)

// Dummy is an in-memory mail server. Sessions opened with Connect see the same state,
// which the simulation helpers mutate.
type Dummy struct {
	lock sync.Mutex

	username, secret string
	caps             imap.Capabilities
	offline          bool

	mailboxes    map[string]*dummyMailbox
	nextValidity imap.UIDValidity

	sessions map[*dummySession]struct{}
	connects int

	// calls records the arguments of session operations by name.
	calls map[string][]any

	// failNext holds errors returned by the next session operations, one per operation.
	failNext []error

	// fetchHook may rewrite what Fetch returns, to simulate misbehaving servers.
	fetchHook func(mailbox string, messages []RemoteMessage) []RemoteMessage
}

type dummyMailbox struct {
	name     string
	attrs    []string
	validity imap.UIDValidity
	uidNext  imap.UID
	modSeq   imap.ModSeq
	messages []*dummyMessage

	// version changes on every mutation; sessions compare it to detect pending notifications.
	version uint64
	changed chan struct{}
}

type dummyMessage struct {
	uid     imap.UID
	flags   imap.FlagSet
	modSeq  imap.ModSeq
	literal []byte
	date    time.Time
}

func NewDummy(username, secret string) *Dummy {
	conn := &Dummy{
		username:     username,
		secret:       secret,
		caps:         imap.Capabilities{Idle: true, CondStore: true, SpecialUse: true, UIDPlus: true},
		mailboxes:    make(map[string]*dummyMailbox),
		nextValidity: 1,
		sessions:     make(map[*dummySession]struct{}),
		calls:        make(map[string][]any),
	}

	conn.createMailbox(imap.Inbox)

	return conn
}

// Connect opens a new session, checking the credential like a server would.
func (conn *Dummy) Connect(_ context.Context, cred credential.Credential) (Connector, error) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	conn.connects++

	if conn.offline {
		return nil, fmt.Errorf("%w: dummy server offline", ErrUnreachable)
	}

	if cred.Username != conn.username {
		return nil, fmt.Errorf("%w: unknown user %v", ErrAuthFatal, cred.Username)
	}

	if cred.Secret != conn.secret {
		return nil, ErrAuthExpired
	}

	session := &dummySession{
		server: conn,
		caps:   conn.caps,
		closed: make(chan struct{}),
	}

	conn.sessions[session] = struct{}{}

	return session, nil
}

func (conn *Dummy) createMailbox(name string, attrs ...string) *dummyMailbox {
	if mbox, ok := conn.mailboxes[name]; ok {
		return mbox
	}

	mbox := &dummyMailbox{
		name:     name,
		attrs:    attrs,
		validity: conn.nextValidity,
		uidNext:  1,
		modSeq:   1,
		changed:  make(chan struct{}),
	}

	conn.nextValidity++
	conn.mailboxes[name] = mbox

	return mbox
}

func (conn *Dummy) count(op string, arg any) {
	conn.calls[op] = append(conn.calls[op], arg)
}

func (conn *Dummy) popFailure() error {
	if len(conn.failNext) == 0 {
		return nil
	}

	err := conn.failNext[0]
	conn.failNext = conn.failNext[1:]

	return err
}

func (mbox *dummyMailbox) notify() {
	mbox.version++

	close(mbox.changed)
	mbox.changed = make(chan struct{})
}

func (mbox *dummyMailbox) nextModSeq() imap.ModSeq {
	mbox.modSeq++

	return mbox.modSeq
}

func (mbox *dummyMailbox) find(uid imap.UID) (*dummyMessage, bool) {
	idx, ok := slices.BinarySearchFunc(mbox.messages, &dummyMessage{uid: uid}, func(a, b *dummyMessage) int {
		switch {
		case a.uid < b.uid:
			return -1

		case a.uid > b.uid:
			return 1

		default:
			return 0
		}
	})
	if !ok {
		return nil, false
	}

	return mbox.messages[idx], true
}

func (mbox *dummyMailbox) append(literal []byte, flags imap.FlagSet, date time.Time) imap.UID {
	message := &dummyMessage{
		uid:     mbox.uidNext,
		flags:   flags,
		modSeq:  mbox.nextModSeq(),
		literal: literal,
		date:    date,
	}

	mbox.uidNext++
	mbox.messages = append(mbox.messages, message)

	return message.uid
}

func (mbox *dummyMailbox) expunge(uids ...imap.UID) {
	mbox.messages = xslices.Filter(mbox.messages, func(m *dummyMessage) bool {
		return !slices.Contains(uids, m.uid)
	})

	mbox.nextModSeq()
}

func (mbox *dummyMailbox) moveTo(dst *dummyMailbox, uid imap.UID) (imap.UID, bool) {
	msg, ok := mbox.find(uid)
	if !ok {
		return 0, false
	}

	mbox.expunge(uid)
	mbox.notify()

	newUID := dst.append(msg.literal, msg.flags, msg.date)
	dst.notify()

	return newUID, true
}

func (msg *dummyMessage) toRemote() RemoteMessage {
	return RemoteMessage{
		UID:          msg.uid,
		Flags:        imap.NewFlagSet(msg.flags.ToSlice()...),
		ModSeq:       msg.modSeq,
		Size:         int64(len(msg.literal)),
		InternalDate: msg.date,
		Literal:      slices.Clone(msg.literal),
	}
}
