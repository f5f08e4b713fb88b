package imapcodec

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	imapv1 "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/require"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/credential"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/imap"
)

const testLiteral = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Message-ID: <hello@example.com>\r\n" +
	"Date: Mon, 01 Jan 2024 10:00:00 +0000\r\n" +
	"\r\n" +
	"Hi Bob\r\n"

// runServer starts an IMAP server with a single user "username" / "password".
func runServer(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := server.New(memory.New())
	s.AllowInsecureAuth = true

	go func() { _ = s.Serve(l) }()

	t.Cleanup(func() { _ = s.Close() })

	return l.Addr().String()
}

func connect(t *testing.T, addr string, cred credential.Credential) (connector.Connector, error) {
	t.Helper()

	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	tcpPort, err := net.LookupPort("tcp", port)
	require.NoError(t, err)

	policy := db.DefaultConnectionPolicy()
	policy.FirstByteTimeout = 5 * time.Second
	policy.IdleReadTimeout = 5 * time.Second

	return NewConnectFunc(Config{
		Host:     host,
		Port:     tcpPort,
		Policy:   policy,
		Resolver: net.DefaultResolver,
		Dialer:   &net.Dialer{},
	})(context.Background(), cred)
}

func appendMessage(t *testing.T, addr string, literal string, flags ...string) {
	t.Helper()

	c, err := client.Dial(addr)
	require.NoError(t, err)

	defer func() { _ = c.Logout() }()

	require.NoError(t, c.Login("username", "password"))
	require.NoError(t, c.Append(imap.Inbox, flags, time.Now(), bytes.NewBufferString(literal)))
}

var testCred = credential.Credential{Kind: credential.KindPassword, Username: "username", Secret: "password"}

func TestSession_ReadsMailbox(t *testing.T) {
	addr := runServer(t)
	ctx := context.Background()

	session, err := connect(t, addr, testCred)
	require.NoError(t, err)

	defer func() { require.NoError(t, session.Close()) }()

	mailboxes, err := session.ListMailboxes(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, mailboxes)
	require.Equal(t, imap.Inbox, mailboxes[0].Name)

	status, err := session.Select(ctx, imap.Inbox)
	require.NoError(t, err)
	require.NotZero(t, status.Validity)
	require.Equal(t, uint32(1), status.Messages)

	uids, err := session.UIDs(ctx, imap.UIDRange{Start: 1})
	require.NoError(t, err)
	require.Len(t, uids, 1)

	messages, err := session.Fetch(ctx, uids)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, uids[0], messages[0].UID)
	require.NotNil(t, messages[0].Envelope)
	require.NotEmpty(t, messages[0].Literal)
	require.Equal(t, int64(len(messages[0].Literal)), messages[0].Size)
}

func TestSession_SeesNewMessagesAndFlags(t *testing.T) {
	addr := runServer(t)
	ctx := context.Background()

	session, err := connect(t, addr, testCred)
	require.NoError(t, err)

	defer func() { require.NoError(t, session.Close()) }()

	_, err = session.Select(ctx, imap.Inbox)
	require.NoError(t, err)

	appendMessage(t, addr, testLiteral, imapv1.SeenFlag)

	uids, err := session.UIDs(ctx, imap.UIDRange{Start: 1})
	require.NoError(t, err)
	require.Len(t, uids, 2)
	require.True(t, imap.SortedUIDs(uids))

	newUID := uids[1]

	above, err := session.UIDs(ctx, imap.UIDRange{Start: newUID})
	require.NoError(t, err)
	require.Equal(t, []imap.UID{newUID}, above)

	// The server answers "n:*" with the largest UID even when it is below n.
	above, err = session.UIDs(ctx, imap.UIDRange{Start: newUID + 10})
	require.NoError(t, err)
	require.Empty(t, above)

	messages, err := session.Fetch(ctx, []imap.UID{newUID})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, testLiteral, string(messages[0].Literal))
	require.Equal(t, "Hello", messages[0].Envelope.Subject)
	require.Equal(t, "alice@example.com", messages[0].Envelope.From)
	require.Equal(t, []string{"bob@example.com"}, messages[0].Envelope.To)
	require.True(t, messages[0].Flags.Contains(imap.FlagSeen))

	require.NoError(t, session.StoreFlags(ctx, newUID, []string{imap.FlagFlagged}, []string{imap.FlagSeen}))

	states, err := session.Flags(ctx, imap.UIDRange{Start: newUID}, 0)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.True(t, states[0].Flags.Contains(imap.FlagFlagged))
	require.False(t, states[0].Flags.Contains(imap.FlagSeen))

	changed, err := session.WaitForChanges(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestSession_MovesMessage(t *testing.T) {
	addr := runServer(t)
	ctx := context.Background()

	c, err := client.Dial(addr)
	require.NoError(t, err)
	require.NoError(t, c.Login("username", "password"))
	require.NoError(t, c.Create("Archive"))
	require.NoError(t, c.Logout())

	session, err := connect(t, addr, testCred)
	require.NoError(t, err)

	defer func() { require.NoError(t, session.Close()) }()

	_, _, err = session.Move(ctx, 1, "Archive")
	require.ErrorIs(t, err, connector.ErrProtocolViolation)

	_, err = session.Select(ctx, imap.Inbox)
	require.NoError(t, err)

	uids, err := session.UIDs(ctx, imap.UIDRange{Start: 1})
	require.NoError(t, err)
	require.Len(t, uids, 1)

	// Without UIDPLUS the server does not say where the message went.
	validity, uid, err := session.Move(ctx, uids[0], "Archive")
	require.NoError(t, err)
	require.Zero(t, validity)
	require.Zero(t, uid)

	uids, err = session.UIDs(ctx, imap.UIDRange{Start: 1})
	require.NoError(t, err)
	require.Empty(t, uids)

	status, err := session.Select(ctx, "Archive")
	require.NoError(t, err)
	require.Equal(t, uint32(1), status.Messages)
}

func TestSession_Errors(t *testing.T) {
	addr := runServer(t)

	_, err := connect(t, addr, credential.Credential{Username: "username", Secret: "wrong"})
	require.ErrorIs(t, err, connector.ErrAuthExpired)

	session, err := connect(t, addr, testCred)
	require.NoError(t, err)

	_, err = session.UIDs(context.Background(), imap.UIDRange{Start: 1})
	require.ErrorIs(t, err, connector.ErrProtocolViolation)

	_, err = session.Select(context.Background(), "Nope")
	require.ErrorIs(t, err, connector.ErrMailboxNotFound)

	_, err = session.Select(context.Background(), imap.Inbox)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = session.UIDs(ctx, imap.UIDRange{Start: 1})
	require.ErrorIs(t, err, context.Canceled)

	_ = session.Close()
}
