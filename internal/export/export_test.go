package export

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/internal/db_impl/sqlite3"
	"github.com/NostraDavid/mail/internal/durable"
	"github.com/NostraDavid/mail/store"
	"github.com/emersion/go-mbox"
	"github.com/stretchr/testify/require"
)

func TestMailbox_WritesLiveMessages(t *testing.T) {
	ctx := context.Background()

	client, _, err := sqlite3.NewClient(t.TempDir(), false, false)
	require.NoError(t, err)
	require.NoError(t, client.Init(ctx))

	st := durable.New(client, store.NewInMemoryStore())
	defer func() { require.NoError(t, st.Close()) }()

	mbox1, err := durable.WriteResult(ctx, st, func(ctx context.Context, tx *durable.Tx) (*db.Mailbox, error) {
		accountID, err := tx.CreateAccount(ctx, &db.Account{Address: "user@example.com", Policy: db.DefaultConnectionPolicy()})
		if err != nil {
			return nil, err
		}

		return tx.CreateMailbox(ctx, accountID, imap.Inbox, "/", imap.RoleInbox)
	})
	require.NoError(t, err)

	subjects := []string{"First", "Second", "Third"}

	require.NoError(t, st.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
		for i, subject := range subjects {
			literal := []byte("From: Sender <sender@example.com>\r\nSubject: " + subject + "\r\n\r\nBody\r\n")

			digest, err := tx.PutBlob(ctx, literal)
			if err != nil {
				return err
			}

			if err := tx.UpsertMessages(ctx, &db.MessageUpsert{
				ID:          db.MessageID("msg-" + subject),
				MailboxID:   mbox1.ID,
				UID:         imap.UID(i + 1),
				Validity:    1,
				IdentityKey: "h:" + subject,
				Subject:     subject,
				From:        "Sender <sender@example.com>",
				Date:        time.Date(2024, 1, i+1, 0, 0, 0, 0, time.UTC),
				Blob:        digest,
				Flags:       imap.NewFlagSet(),
			}); err != nil {
				return err
			}
		}

		return tx.ApplyExpunges(ctx, mbox1.ID, 1, 2)
	}))

	var buf bytes.Buffer

	n, err := Mailbox(ctx, st, mbox1.ID, &buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Contains(t, buf.String(), "From sender@example.com ")

	r := mbox.NewReader(&buf)

	var got []string

	for {
		msg, err := r.NextMessage()
		if err == io.EOF {
			break
		}

		require.NoError(t, err)

		data, err := io.ReadAll(msg)
		require.NoError(t, err)

		got = append(got, string(data))
	}

	require.Len(t, got, 2)
	require.Contains(t, got[0], "Subject: Third")
	require.Contains(t, got[1], "Subject: First")
}

func TestEnvelopeSender(t *testing.T) {
	require.Equal(t, "a@example.com", envelopeSender("Alice <a@example.com>"))
	require.Equal(t, "MAILER-DAEMON", envelopeSender(""))
	require.Equal(t, "not an address", envelopeSender("not an address"))
}
