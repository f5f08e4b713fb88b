package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NostraDavid/mail/credential"
	"github.com/NostraDavid/mail/imap"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testCred = credential.Credential{Kind: credential.KindPassword, Username: "user", Secret: "pass"}

func TestDummy_Authentication(t *testing.T) {
	conn := NewDummy("user", "pass")
	ctx := context.Background()

	_, err := conn.Connect(ctx, credential.Credential{Username: "other", Secret: "pass"})
	require.ErrorIs(t, err, ErrAuthFatal)

	_, err = conn.Connect(ctx, credential.Credential{Username: "user", Secret: "stale"})
	require.ErrorIs(t, err, ErrAuthExpired)

	conn.SetOffline(true)

	_, err = conn.Connect(ctx, testCred)
	require.ErrorIs(t, err, ErrUnreachable)
	require.True(t, IsTransient(err))

	require.Equal(t, 3, conn.Connects())
}

func TestDummy_SelectFetchAndFlags(t *testing.T) {
	conn := NewDummy("user", "pass")
	ctx := context.Background()

	uid1 := conn.AddMessage(imap.Inbox, []byte("one"), imap.FlagSeen)
	uid2 := conn.AddMessage(imap.Inbox, []byte("two"))

	session, err := conn.Connect(ctx, testCred)
	require.NoError(t, err)

	defer func() { require.NoError(t, session.Close()) }()

	status, err := session.Select(ctx, imap.Inbox)
	require.NoError(t, err)
	require.Equal(t, uint32(2), status.Messages)
	require.Equal(t, uid2+1, status.UIDNext)

	uids, err := session.UIDs(ctx, imap.UIDRange{Start: 1})
	require.NoError(t, err)
	require.Equal(t, []imap.UID{uid1, uid2}, uids)

	uids, err = session.UIDs(ctx, imap.UIDRange{Start: uid2})
	require.NoError(t, err)
	require.Equal(t, []imap.UID{uid2}, uids)
	require.Equal(t, []any{imap.UIDRange{Start: 1}, imap.UIDRange{Start: uid2}}, conn.Calls("UIDs"))

	messages, err := session.Fetch(ctx, []imap.UID{uid2, uid1, 99})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, []byte("one"), messages[0].Literal)
	require.True(t, messages[0].Flags.Contains(imap.FlagSeen))

	conn.SetFlags(imap.Inbox, uid2, imap.FlagFlagged)

	changed, err := session.Flags(ctx, imap.UIDRange{Start: 1}, status.HighestModSeq)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	require.Equal(t, uid2, changed[0].UID)

	require.NoError(t, session.StoreFlags(ctx, uid1, []string{imap.FlagAnswered}, []string{imap.FlagSeen}))

	flags, ok := conn.GetFlags(imap.Inbox, uid1)
	require.True(t, ok)
	require.Equal(t, []string{imap.FlagAnswered}, flags.ToSlice())
}

func TestDummy_WaitForChanges(t *testing.T) {
	conn := NewDummy("user", "pass")
	ctx := context.Background()

	session, err := conn.Connect(ctx, testCred)
	require.NoError(t, err)

	defer func() { require.NoError(t, session.Close()) }()

	_, err = session.Select(ctx, imap.Inbox)
	require.NoError(t, err)

	changed, err := session.WaitForChanges(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.False(t, changed)

	go func() {
		time.Sleep(10 * time.Millisecond)
		conn.AddMessage(imap.Inbox, []byte("new"))
	}()

	changed, err = session.WaitForChanges(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, changed)

	// The change stays pending until the session reads the mailbox again.
	changed, err = session.WaitForChanges(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, changed)

	_, err = session.UIDs(ctx, imap.UIDRange{Start: 1})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		conn.DropConnections()
	}()

	_, err = session.WaitForChanges(ctx, time.Minute)
	require.ErrorIs(t, err, ErrUnreachable)

	_, err = session.UIDs(ctx, imap.UIDRange{Start: 1})
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestDummy_BumpValidityRenumbers(t *testing.T) {
	conn := NewDummy("user", "pass")

	conn.AddMessage(imap.Inbox, []byte("a"))
	conn.AddMessage(imap.Inbox, []byte("b"))
	conn.Expunge(imap.Inbox, 1)

	require.Equal(t, []imap.UID{2}, conn.UIDs(imap.Inbox))

	before := conn.BumpValidity(imap.Inbox)
	require.Equal(t, []imap.UID{1}, conn.UIDs(imap.Inbox))

	conn.SetValidity(imap.Inbox, 7)
	require.Greater(t, conn.BumpValidity(imap.Inbox), before)
}

func TestDummy_MoveAndFailNext(t *testing.T) {
	conn := NewDummy("user", "pass")
	ctx := context.Background()

	conn.CreateMailbox("Archive", `\Archive`)

	uid := conn.AddMessage(imap.Inbox, []byte("moved"))

	newUID, ok := conn.Move(imap.Inbox, uid, "Archive")
	require.True(t, ok)
	require.Empty(t, conn.UIDs(imap.Inbox))
	require.Equal(t, []imap.UID{newUID}, conn.UIDs("Archive"))

	session, err := conn.Connect(ctx, testCred)
	require.NoError(t, err)

	defer func() { require.NoError(t, session.Close()) }()

	errBoom := errors.New("boom")
	conn.FailNext(errBoom)

	_, err = session.ListMailboxes(ctx)
	require.ErrorIs(t, err, errBoom)

	mailboxes, err := session.ListMailboxes(ctx)
	require.NoError(t, err)
	require.Len(t, mailboxes, 2)
	require.Equal(t, "Archive", mailboxes[0].Name)
	require.True(t, mailboxes[0].Selectable())
}

func TestDummy_SessionMoveReportsDestination(t *testing.T) {
	conn := NewDummy("user", "pass")
	ctx := context.Background()

	conn.CreateMailbox("Archive")

	uid := conn.AddMessage(imap.Inbox, []byte("moved"))

	session, err := conn.Connect(ctx, testCred)
	require.NoError(t, err)

	defer func() { require.NoError(t, session.Close()) }()

	_, err = session.Select(ctx, imap.Inbox)
	require.NoError(t, err)

	_, _, err = session.Move(ctx, uid, "Nope")
	require.ErrorIs(t, err, ErrMailboxNotFound)

	validity, newUID, err := session.Move(ctx, uid, "Archive")
	require.NoError(t, err)
	require.NotZero(t, validity)
	require.Equal(t, []imap.UID{newUID}, conn.UIDs("Archive"))
	require.Empty(t, conn.UIDs(imap.Inbox))

	// The move is the session's own change.
	changed, err := session.WaitForChanges(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.False(t, changed)

	// Moving it again finds nothing to move.
	validity, newUID, err = session.Move(ctx, uid, "Archive")
	require.NoError(t, err)
	require.Zero(t, validity)
	require.Zero(t, newUID)

	conn.SetCapabilities(imap.Capabilities{})

	other := conn.AddMessage(imap.Inbox, []byte("other"))

	plain, err := conn.Connect(ctx, testCred)
	require.NoError(t, err)

	defer func() { require.NoError(t, plain.Close()) }()

	_, err = plain.Select(ctx, imap.Inbox)
	require.NoError(t, err)

	validity, newUID, err = plain.Move(ctx, other, "Archive")
	require.NoError(t, err)
	require.Zero(t, validity)
	require.Zero(t, newUID)
	require.Len(t, conn.UIDs("Archive"), 2)
}

func TestDummySender_Faults(t *testing.T) {
	sender := NewDummySender("user", "pass")
	ctx := context.Background()

	session, err := sender.Connect(ctx, testCred)
	require.NoError(t, err)

	env := DeliveryEnvelope{From: "user@example.com", To: []string{"bob@example.com"}, EnvelopeID: "env-1"}

	sender.InjectFaults(FaultTempReject, FaultPermReject)

	err = session.Send(ctx, env, []byte("x"))
	require.True(t, IsTransient(err))

	err = session.Send(ctx, env, []byte("x"))
	require.False(t, IsTransient(err))
	require.False(t, IsAmbiguous(err))

	sender.InjectFaults(FaultDropAfterData)

	err = session.Send(ctx, env, []byte("x"))
	require.True(t, IsAmbiguous(err))
	require.False(t, IsTransient(err))
	require.Len(t, sender.Delivered(), 1)

	sender.DedupEnvelopeIDs = true

	session, err = sender.Connect(ctx, testCred)
	require.NoError(t, err)
	require.True(t, session.SupportsDSN())
	require.NoError(t, session.Send(ctx, env, []byte("x")))
	require.Len(t, sender.Delivered(), 1)
	require.NoError(t, session.Close())
}
