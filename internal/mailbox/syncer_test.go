package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/credential"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/events"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/internal/db_impl/sqlite3"
	"github.com/NostraDavid/mail/internal/dedup"
	"github.com/NostraDavid/mail/internal/durable"
	"github.com/NostraDavid/mail/internal/supervisor"
	"github.com/NostraDavid/mail/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSyncer_InitialSync(t *testing.T) {
	f := newFixture(t)

	f.server.AddMessage(imap.Inbox, literal(1), imap.FlagSeen)
	f.server.AddMessage(imap.Inbox, literal(2))
	f.server.AddMessage(imap.Inbox, literal(3), imap.FlagFlagged)

	res := f.sync()
	require.Equal(t, StateInitialSync, res.Mode)
	require.Equal(t, 3, res.Added)
	require.Equal(t, imap.UID(3), res.Cursor.HighWatermark)
	require.Equal(t, f.server.HighestModSeq(imap.Inbox), res.Cursor.ModSeq)

	messages := f.messages()
	require.Len(t, messages, 3)
	require.Equal(t, "Message 1", messages[1].Subject)
	require.True(t, messages[1].Flags.Contains(imap.FlagSeen))
	require.True(t, messages[3].Flags.Contains(imap.FlagFlagged))
	require.Equal(t, "1@example.com", messages[1].HeaderMessageID)

	cursor := f.cursor()
	require.Equal(t, res.Cursor.Validity, cursor.Validity)
	require.Equal(t, imap.UID(3), cursor.HighWatermark)

	require.Equal(t, string(StateInitialSync), f.events.lastState())
}

func TestSyncer_SyncIsIdempotent(t *testing.T) {
	f := newFixture(t)

	for i := 1; i <= 5; i++ {
		f.server.AddMessage(imap.Inbox, literal(i))
	}

	f.sync()
	before := f.messages()

	res := f.sync()
	require.Equal(t, StateIncrementalSync, res.Mode)
	require.Zero(t, res.Added)
	require.Zero(t, res.Updated)
	require.Zero(t, res.Expunged)

	after := f.messages()
	require.Len(t, after, 5)

	for uid, message := range before {
		require.Equal(t, message.ID, after[uid].ID)
	}
}

func TestSyncer_IncrementalAppliesChanges(t *testing.T) {
	f := newFixture(t)

	for i := 1; i <= 4; i++ {
		f.server.AddMessage(imap.Inbox, literal(i))
	}

	f.sync()

	f.server.AddMessage(imap.Inbox, literal(5))
	f.server.SetFlags(imap.Inbox, 2, imap.FlagSeen, imap.FlagAnswered)
	f.server.Expunge(imap.Inbox, 3)

	res := f.sync()
	require.Equal(t, StateIncrementalSync, res.Mode)
	require.Equal(t, 1, res.Added)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 1, res.Expunged)
	require.Equal(t, imap.UID(5), res.Cursor.HighWatermark)

	messages := f.messages()
	require.Len(t, messages, 4)
	require.NotContains(t, messages, imap.UID(3))
	require.True(t, messages[2].Flags.Equals(imap.NewFlagSet(imap.FlagSeen, imap.FlagAnswered)))
	require.Equal(t, "Message 5", messages[5].Subject)
}

func TestSyncer_IncrementalConvergesWithInitialSync(t *testing.T) {
	steps := []func(server *connector.Dummy){
		func(server *connector.Dummy) {
			for i := 1; i <= 3; i++ {
				server.AddMessage(imap.Inbox, literal(i))
			}
		},
		func(server *connector.Dummy) {
			server.AddMessage(imap.Inbox, literal(4), imap.FlagSeen)
			server.SetFlags(imap.Inbox, 1, imap.FlagFlagged)
		},
		func(server *connector.Dummy) {
			server.Expunge(imap.Inbox, 2)
			server.SetFlags(imap.Inbox, 4, imap.FlagAnswered)
		},
		func(server *connector.Dummy) {
			server.AddMessage(imap.Inbox, literal(5))
			server.AddMessage(imap.Inbox, literal(6), imap.FlagDraft)
			server.Expunge(imap.Inbox, 5)
		},
	}

	stepwise := newFixture(t, func(cfg *Config) { cfg.BatchSize = 2 })
	once := newFixture(t)

	for _, step := range steps {
		step(stepwise.server)
		stepwise.sync()

		// Syncing the same state again must not change anything.
		res := stepwise.sync()
		require.Zero(t, res.Added+res.Updated+res.Expunged)

		step(once.server)
	}

	res := once.sync()
	require.Equal(t, StateInitialSync, res.Mode)

	require.Equal(t, once.snapshot(), stepwise.snapshot())
	require.Equal(t, once.cursor().HighWatermark, stepwise.cursor().HighWatermark)
}

func TestSyncer_ValidityChangeKeepsIDs(t *testing.T) {
	f := newFixture(t)

	for i := 1; i <= 3; i++ {
		f.server.AddMessage(imap.Inbox, literal(i))
	}

	f.server.Expunge(imap.Inbox, 1)

	f.sync()
	before := f.messages()
	require.Len(t, before, 2)

	f.server.BumpValidity(imap.Inbox)

	res := f.sync()
	require.Equal(t, StateInitialSync, res.Mode)
	require.Zero(t, res.Added)
	require.Equal(t, 2, res.Updated)
	require.Zero(t, res.Expunged)

	after := f.messages()
	require.Len(t, after, 2)

	// The server renumbered 2 and 3 to 1 and 2.
	require.Equal(t, before[2].ID, after[1].ID)
	require.Equal(t, before[3].ID, after[2].ID)
}

func TestSyncer_CatchUpReconcilesAllFlags(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.BatchSize = 25 })

	f.server.SetValidity(imap.Inbox, 7)

	for i := 1; i <= 100; i++ {
		f.server.AddMessage(imap.Inbox, literal(i))
	}

	res := f.sync()
	require.Equal(t, StateInitialSync, res.Mode)
	require.Equal(t, 100, res.Added)
	require.Equal(t, 4, res.Batches)

	// Diverge the local copy without a write-back, as if a push update had been lost.
	require.NoError(t, f.store.Write(f.ctx, func(ctx context.Context, tx *durable.Tx) error {
		return tx.ApplyFlagChanges(ctx, f.mailbox.ID, 7, db.FlagChange{UID: 42, Flags: imap.NewFlagSet(imap.FlagFlagged)})
	}))

	for i := 101; i <= 110; i++ {
		f.server.AddMessage(imap.Inbox, literal(i))
	}

	f.clock.advance(2 * time.Hour)

	res = f.sync()
	require.Equal(t, StateCatchUp, res.Mode)
	require.Equal(t, 10, res.Added)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, db.Cursor{
		Validity:      7,
		HighWatermark: 110,
		ModSeq:        f.server.HighestModSeq(imap.Inbox),
		SyncedAt:      f.clock.now(),
	}, res.Cursor)

	messages := f.messages()
	require.Len(t, messages, 110)
	require.Zero(t, messages[42].Flags.Len())
}

func TestSyncer_IncrementalTrustsModSeqWithinWindow(t *testing.T) {
	f := newFixture(t)

	f.server.AddMessage(imap.Inbox, literal(1))
	f.sync()

	validity := f.cursor().Validity

	require.NoError(t, f.store.Write(f.ctx, func(ctx context.Context, tx *durable.Tx) error {
		return tx.ApplyFlagChanges(ctx, f.mailbox.ID, validity, db.FlagChange{UID: 1, Flags: imap.NewFlagSet(imap.FlagFlagged)})
	}))

	res := f.sync()
	require.Equal(t, StateIncrementalSync, res.Mode)
	require.Zero(t, res.Updated)
	require.True(t, f.messages()[1].Flags.Contains(imap.FlagFlagged))
}

func TestSyncer_IncrementalListsOnlyNewUIDsWhileCountsAgree(t *testing.T) {
	f := newFixture(t)

	for i := 1; i <= 3; i++ {
		f.server.AddMessage(imap.Inbox, literal(i))
	}

	f.sync()

	f.server.AddMessage(imap.Inbox, literal(4))
	f.server.AddMessage(imap.Inbox, literal(5))

	listed := len(f.server.Calls("UIDs"))

	res := f.sync()
	require.Equal(t, StateIncrementalSync, res.Mode)
	require.Equal(t, 2, res.Added)
	require.Equal(t, []any{imap.UIDRange{Start: 4}}, f.server.Calls("UIDs")[listed:])

	// An expunge below the watermark makes the count differ, so every UID is listed.
	f.server.Expunge(imap.Inbox, 2)

	listed = len(f.server.Calls("UIDs"))

	res = f.sync()
	require.Equal(t, StateIncrementalSync, res.Mode)
	require.Equal(t, 1, res.Expunged)
	require.Equal(t, []any{imap.UIDRange{Start: 6}, imap.UIDRange{Start: 1}}, f.server.Calls("UIDs")[listed:])
	require.Len(t, f.messages(), 4)

	// Catch-up always lists every UID.
	f.clock.advance(2 * time.Hour)

	listed = len(f.server.Calls("UIDs"))

	res = f.sync()
	require.Equal(t, StateCatchUp, res.Mode)
	require.Equal(t, []any{imap.UIDRange{Start: 1}}, f.server.Calls("UIDs")[listed:])
}

func TestSyncer_ModSeqGoingBackwardsForcesCatchUp(t *testing.T) {
	f := newFixture(t)

	for i := 1; i <= 3; i++ {
		f.server.AddMessage(imap.Inbox, literal(i))
	}

	f.sync()

	before := f.cursor().ModSeq

	// The server lost its change history; the flag change gets a mod-sequence below the cursor's.
	f.server.LoseModSeqHistory(imap.Inbox)
	f.server.SetFlags(imap.Inbox, 2, imap.FlagSeen)
	require.Less(t, f.server.HighestModSeq(imap.Inbox), before)

	res := f.sync()
	require.Equal(t, StateCatchUp, res.Mode)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, f.server.HighestModSeq(imap.Inbox), res.Cursor.ModSeq)
	require.True(t, f.messages()[2].Flags.Contains(imap.FlagSeen))

	// With the cursor on the new history, the next pass is incremental again.
	f.server.SetFlags(imap.Inbox, 3, imap.FlagFlagged)

	res = f.sync()
	require.Equal(t, StateIncrementalSync, res.Mode)
	require.Equal(t, 1, res.Updated)
	require.True(t, f.messages()[3].Flags.Contains(imap.FlagFlagged))
}

func TestSyncer_RejectsOutOfOrderFetch(t *testing.T) {
	f := newFixture(t)

	f.server.AddMessage(imap.Inbox, literal(1))
	f.server.AddMessage(imap.Inbox, literal(2))

	f.server.SetFetchHook(func(_ string, messages []connector.RemoteMessage) []connector.RemoteMessage {
		return append(messages, messages[0])
	})

	conn := f.connect()
	defer func() { require.NoError(t, conn.Close()) }()

	_, err := f.syncer.Sync(f.ctx, conn)
	require.ErrorIs(t, err, connector.ErrOrderingViolation)

	_, err = durable.ReadResult(f.ctx, f.store, func(ctx context.Context, rd db.ReadOnly) (db.Cursor, error) {
		return rd.GetCursor(ctx, f.mailbox.ID)
	})
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestSyncer_SkipsEmptyMessages(t *testing.T) {
	f := newFixture(t)

	f.server.AddMessage(imap.Inbox, literal(1))
	f.server.AddMessage(imap.Inbox, literal(2))

	f.server.SetFetchHook(func(_ string, messages []connector.RemoteMessage) []connector.RemoteMessage {
		for i := range messages {
			if messages[i].UID == 2 {
				messages[i].Literal = nil
			}
		}

		return messages
	})

	res := f.sync()
	require.Equal(t, 1, res.Added)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, imap.UID(2), res.Cursor.HighWatermark)
}

func TestSyncer_StoresUnparsableMessages(t *testing.T) {
	f := newFixture(t)

	f.server.AddMessage(imap.Inbox, []byte("this is not a message"))

	res := f.sync()
	require.Equal(t, 1, res.Added)

	message := f.messages()[1]
	require.NotEmpty(t, message.Blob)

	data, err := f.store.GetBlob(message.Blob)
	require.NoError(t, err)
	require.Equal(t, "this is not a message", string(data))
}

func TestSyncer_PushesFlagWriteBacks(t *testing.T) {
	f := newFixture(t)

	uid := f.server.AddMessage(imap.Inbox, literal(1), imap.FlagSeen)
	f.sync()

	id := f.messages()[uid].ID

	require.NoError(t, f.store.Write(f.ctx, func(ctx context.Context, tx *durable.Tx) error {
		return tx.SetMessageFlags(ctx, id, []string{imap.FlagFlagged}, []string{imap.FlagSeen})
	}))

	f.sync()

	flags, ok := f.server.GetFlags(imap.Inbox, uid)
	require.True(t, ok)
	require.True(t, flags.Equals(imap.NewFlagSet(imap.FlagFlagged)))
	require.True(t, f.messages()[uid].Flags.Equals(imap.NewFlagSet(imap.FlagFlagged)))

	pending, err := durable.ReadResult(f.ctx, f.store, func(ctx context.Context, rd db.ReadOnly) ([]*db.FlagWriteBack, error) {
		return rd.GetFlagWriteBacks(ctx, f.mailbox.ID)
	})
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSyncer_RunFollowsServerAndReconnects(t *testing.T) {
	f := newFixture(t)

	f.server.AddMessage(imap.Inbox, literal(1))

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)

	go func() { done <- f.syncer.Run(ctx) }()

	require.Eventually(t, func() bool { return f.syncer.State() == StateIdle }, time.Second, 5*time.Millisecond)
	require.Len(t, f.messages(), 1)

	f.server.AddMessage(imap.Inbox, literal(2))
	require.Eventually(t, func() bool { return len(f.messages()) == 2 }, time.Second, 5*time.Millisecond)

	f.server.DropConnections()
	f.server.AddMessage(imap.Inbox, literal(3))

	require.Eventually(t, func() bool { return len(f.messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, f.server.Connects(), 2)
	require.Contains(t, f.events.states(), string(StateError))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, StateDisconnected, f.syncer.State())
	require.Zero(t, f.server.OpenSessions())
}

func TestSyncer_RunStopsWhenMailboxRemoved(t *testing.T) {
	f := newFixture(t)

	done := make(chan error, 1)

	go func() { done <- f.syncer.Run(f.ctx) }()

	require.Eventually(t, func() bool { return f.syncer.State() == StateIdle }, time.Second, 5*time.Millisecond)

	f.server.DeleteMailbox(imap.Inbox)

	select {
	case err := <-done:
		require.ErrorIs(t, err, connector.ErrMailboxNotFound)

	case <-time.After(2 * time.Second):
		t.Fatal("syncer did not stop")
	}
}

func TestSyncer_RefreshInterruptsPolling(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.PollInterval = time.Hour })

	f.server.SetCapabilities(imap.Capabilities{})

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)

	go func() { done <- f.syncer.Run(ctx) }()

	require.Eventually(t, func() bool { return f.syncer.State() == StatePolling }, time.Second, 5*time.Millisecond)

	f.server.AddMessage(imap.Inbox, literal(1))
	f.syncer.Refresh()

	require.Eventually(t, func() bool { return len(f.messages()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSyncer_RunPicksUpChangesArrivingDuringPass(t *testing.T) {
	// Only a pending notification can start the second pass before the idle timeout.
	f := newFixture(t, func(cfg *Config) { cfg.IdleTimeout = time.Hour })

	f.server.AddMessage(imap.Inbox, literal(1))

	var once sync.Once

	f.server.SetFetchHook(func(_ string, messages []connector.RemoteMessage) []connector.RemoteMessage {
		once.Do(func() { f.server.AddMessage(imap.Inbox, literal(2)) })

		return messages
	})

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)

	go func() { done <- f.syncer.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.server.Connects())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestPlan(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := &Syncer{cfg: Config{PushWindow: 30 * time.Minute, Now: clock.now}}

	incremental := imap.Strategy{Steady: imap.SteadyIdle, Resync: imap.ResyncIncremental}
	full := imap.Strategy{Steady: imap.SteadyPolling, Resync: imap.ResyncFull}
	recent := db.Cursor{Validity: 3, HighWatermark: 10, ModSeq: 50, SyncedAt: clock.now().Add(-time.Minute)}

	require.Equal(t, StateInitialSync, s.plan(db.Cursor{}, false, connector.Status{Validity: 3}, incremental))
	require.Equal(t, StateInitialSync, s.plan(recent, true, connector.Status{Validity: 4, HighestModSeq: 60}, incremental))
	require.Equal(t, StateIncrementalSync, s.plan(recent, true, connector.Status{Validity: 3, HighestModSeq: 60}, incremental))
	require.Equal(t, StateCatchUp, s.plan(recent, true, connector.Status{Validity: 3, HighestModSeq: 40}, incremental))
	require.Equal(t, StateIncrementalSync, s.plan(recent, true, connector.Status{Validity: 3}, full))

	stale := recent
	stale.SyncedAt = clock.now().Add(-time.Hour)

	require.Equal(t, StateCatchUp, s.plan(stale, true, connector.Status{Validity: 3, HighestModSeq: 60}, incremental))
}

func TestErrorKind(t *testing.T) {
	require.Equal(t, "auth-fatal", errorKind(fmt.Errorf("%w: revoked", connector.ErrAuthFatal)))
	require.Equal(t, "ordering", errorKind(fmt.Errorf("wrap: %w", connector.ErrOrderingViolation)))
	require.Equal(t, "storage", errorKind(db.ErrTransactionFailed))
	require.Equal(t, "transient", errorKind(connector.ErrUnreachable))
	require.Equal(t, "other", errorKind(errors.New("boom")))
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	server *connector.Dummy
	store  *durable.Store
	sup    *supervisor.Supervisor[connector.Connector]

	mailbox *db.Mailbox
	syncer  *Syncer
	clock   *fakeClock
	events  *recorder
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	ctx := context.Background()

	client, _, err := sqlite3.NewClient(t.TempDir(), false, false)
	require.NoError(t, err)
	require.NoError(t, client.Init(ctx))

	st := durable.New(client, store.NewInMemoryStore())

	t.Cleanup(func() { require.NoError(t, st.Close()) })

	mbox, err := durable.WriteResult(ctx, st, func(ctx context.Context, tx *durable.Tx) (*db.Mailbox, error) {
		accountID, err := tx.CreateAccount(ctx, &db.Account{Address: "user@example.com", Policy: db.DefaultConnectionPolicy()})
		if err != nil {
			return nil, err
		}

		return tx.CreateMailbox(ctx, accountID, imap.Inbox, "/", imap.RoleInbox)
	})
	require.NoError(t, err)

	server := connector.NewDummy("user", "pass")

	creds := credential.NewStatic()
	creds.Set("ref", credential.Credential{Username: "user", Secret: "pass"})

	policy := db.DefaultConnectionPolicy()
	policy.BackoffBase = 10 * time.Millisecond
	policy.BackoffCeiling = 50 * time.Millisecond

	sup := supervisor.New[connector.Connector](supervisor.Config{
		Protocol:      "imap",
		CredentialRef: "ref",
		Credentials:   creds,
		Policy:        policy,
	}, server.Connect)

	clock := &fakeClock{t: time.Now()}
	rec := &recorder{}

	cfg := Config{
		IdleTimeout: 50 * time.Millisecond,
		Publish:     rec.publish,
		Now:         clock.now,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return &fixture{
		t:       t,
		ctx:     ctx,
		server:  server,
		store:   st,
		sup:     sup,
		mailbox: mbox,
		syncer:  New(mbox, st, dedup.NewResolver(), sup, cfg),
		clock:   clock,
		events:  rec,
	}
}

func (f *fixture) connect() connector.Connector {
	conn, err := f.server.Connect(f.ctx, credential.Credential{Username: "user", Secret: "pass"})
	require.NoError(f.t, err)

	return conn
}

func (f *fixture) sync() Result {
	conn := f.connect()
	defer func() { require.NoError(f.t, conn.Close()) }()

	res, err := f.syncer.Sync(f.ctx, conn)
	require.NoError(f.t, err)

	return res
}

func (f *fixture) cursor() db.Cursor {
	cursor, err := durable.ReadResult(f.ctx, f.store, func(ctx context.Context, rd db.ReadOnly) (db.Cursor, error) {
		return rd.GetCursor(ctx, f.mailbox.ID)
	})
	require.NoError(f.t, err)

	return cursor
}

// messages returns the live messages of the mailbox by UID under the stored cursor's validity.
func (f *fixture) messages() map[imap.UID]*db.Message {
	messages, err := durable.ReadResult(f.ctx, f.store, func(ctx context.Context, rd db.ReadOnly) (map[imap.UID]*db.Message, error) {
		cursor, err := rd.GetCursor(ctx, f.mailbox.ID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		} else if err != nil {
			return nil, err
		}

		uids, err := rd.GetMailboxUIDs(ctx, f.mailbox.ID, cursor.Validity)
		if err != nil {
			return nil, err
		}

		messages := make(map[imap.UID]*db.Message, len(uids))

		for uid, id := range uids {
			message, err := rd.GetMessage(ctx, id)
			if err != nil {
				return nil, err
			}

			messages[uid] = message
		}

		return messages, nil
	})
	require.NoError(f.t, err)

	return messages
}

// snapshot returns the sorted flags of every live message keyed by its Message-ID header.
func (f *fixture) snapshot() map[string][]string {
	snapshot := make(map[string][]string)

	for _, message := range f.messages() {
		snapshot[message.HeaderMessageID] = message.Flags.ToSlice()
	}

	return snapshot
}

func literal(n int) []byte {
	return []byte(fmt.Sprintf("From: sender@example.com\r\n"+
		"To: user@example.com\r\n"+
		"Subject: Message %[1]v\r\n"+
		"Message-ID: <%[1]v@example.com>\r\n"+
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"Body of message %[1]v\r\n", n))
}

type fakeClock struct {
	lock sync.Mutex
	t    time.Time
}

func (c *fakeClock) now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.t = c.t.Add(d)
}

type recorder struct {
	lock   sync.Mutex
	events []events.Event
}

func (r *recorder) publish(event events.Event) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.events = append(r.events, event)
}

func (r *recorder) states() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	var states []string

	for _, event := range r.events {
		if changed, ok := event.(events.SyncStateChanged); ok {
			states = append(states, changed.State)
		}
	}

	return states
}

func (r *recorder) lastState() string {
	states := r.states()
	if len(states) == 0 {
		return ""
	}

	return states[len(states)-1]
}
