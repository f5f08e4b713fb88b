package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/index"
	"github.com/NostraDavid/mail/internal/db_impl/sqlite3"
	"github.com/NostraDavid/mail/internal/durable"
	"github.com/NostraDavid/mail/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestIndexer_FeedsInsertsAndDeletes(t *testing.T) {
	st, mbox := newTestStore(t)
	sink := index.NewMemorySink()
	ix := New(st, sink, Config{BatchSize: 2})
	ctx := context.Background()

	addMessage(t, st, mbox, "msg-1", 1, "Quarterly report", "The numbers are in.")
	addMessage(t, st, mbox, "msg-2", 2, "Lunch", "<html><body><p>Pizza at <b>noon</b></p></body></html>")
	addMessage(t, st, mbox, "msg-3", 3, "Travel", "Tickets attached.")

	n, err := ix.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	text, ok := sink.Get("msg-1")
	require.True(t, ok)
	require.Contains(t, text, "Quarterly report")
	require.Contains(t, text, "The numbers are in.")

	text, ok = sink.Get("msg-2")
	require.True(t, ok)
	require.Contains(t, text, "Pizza at noon")

	require.Empty(t, feed(t, st))

	require.NoError(t, st.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
		return tx.ApplyExpunges(ctx, mbox, 1, 2)
	}))

	_, err = ix.Drain(ctx)
	require.NoError(t, err)

	_, ok = sink.Get("msg-2")
	require.False(t, ok)
	require.ElementsMatch(t, []string{"msg-1", "msg-3"}, sink.IDs())
}

func TestIndexer_KeepsFeedWhenSinkFails(t *testing.T) {
	st, mbox := newTestStore(t)
	sink := &flakySink{MemorySink: index.NewMemorySink(), failures: 1}
	ix := New(st, sink, Config{})
	ctx := context.Background()

	addMessage(t, st, mbox, "msg-1", 1, "Hello", "World")

	_, err := ix.Drain(ctx)
	require.Error(t, err)
	require.NotEmpty(t, feed(t, st))

	n, err := ix.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok := sink.Get("msg-1")
	require.True(t, ok)
	require.Empty(t, feed(t, st))
}

func TestIndexer_RunAndFlush(t *testing.T) {
	st, mbox := newTestStore(t)
	sink := index.NewMemorySink()
	ix := New(st, sink, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ix.Run(ctx)
	}()

	addMessage(t, st, mbox, "msg-1", 1, "Hello", "World")

	require.NoError(t, ix.Flush(ctx))

	_, ok := sink.Get("msg-1")
	require.True(t, ok)

	cancel()
	<-done
}

func TestCoalesce(t *testing.T) {
	pending := coalesce([]db.IndexFeedEntry{
		{Seq: 1, MessageID: "a", Op: db.IndexInsert},
		{Seq: 2, MessageID: "b", Op: db.IndexUpdate},
		{Seq: 3, MessageID: "a", Op: db.IndexUpdate},
		{Seq: 4, MessageID: "c", Op: db.IndexInsert},
		{Seq: 5, MessageID: "c", Op: db.IndexDelete},
		{Seq: 6, MessageID: "b", Op: db.IndexDelete},
		{Seq: 7, MessageID: "b", Op: db.IndexInsert},
	})

	require.Equal(t, []pendingEvent{
		{id: "a", op: index.OpInsert},
		{id: "b", op: index.OpInsert},
		{id: "c", op: index.OpDelete},
	}, pending)
}

type flakySink struct {
	*index.MemorySink

	failures int
}

func (s *flakySink) Apply(ctx context.Context, events []index.Event) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("index unavailable")
	}

	return s.MemorySink.Apply(ctx, events)
}

func newTestStore(t *testing.T) (*durable.Store, db.MailboxID) {
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

	return st, mbox.ID
}

func addMessage(t *testing.T, st *durable.Store, mbox db.MailboxID, id db.MessageID, uid imap.UID, subject, body string) {
	contentType := "text/plain"
	if body[0] == '<' {
		contentType = "text/html"
	}

	literal := []byte("From: sender@example.com\r\nTo: user@example.com\r\nSubject: " + subject +
		"\r\nContent-Type: " + contentType + "; charset=utf-8\r\n\r\n" + body + "\r\n")

	require.NoError(t, st.Write(context.Background(), func(ctx context.Context, tx *durable.Tx) error {
		digest, err := tx.PutBlob(ctx, literal)
		if err != nil {
			return err
		}

		return tx.UpsertMessages(ctx, &db.MessageUpsert{
			ID:          id,
			MailboxID:   mbox,
			UID:         uid,
			Validity:    1,
			IdentityKey: "h:" + string(id),
			Subject:     subject,
			From:        "sender@example.com",
			To:          []string{"user@example.com"},
			Date:        time.Now(),
			Size:        int64(len(literal)),
			Blob:        digest,
			Flags:       imap.NewFlagSet(),
		})
	}))
}

func feed(t *testing.T, st *durable.Store) []db.IndexFeedEntry {
	entries, err := durable.ReadResult(context.Background(), st, func(ctx context.Context, rd db.ReadOnly) ([]db.IndexFeedEntry, error) {
		return rd.GetIndexFeed(ctx, 100)
	})
	require.NoError(t, err)

	return entries
}
