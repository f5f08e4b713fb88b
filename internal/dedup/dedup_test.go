package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/internal/db_impl/sqlite3"
	"github.com/NostraDavid/mail/store"
	"github.com/stretchr/testify/require"
)

var testDate = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t        *testing.T
	client   db.Client
	resolver *Resolver
	account  db.AccountID
	inbox    db.MailboxID
	archive  db.MailboxID
}

func newFixture(t *testing.T) *fixture {
	client, _, err := sqlite3.NewClient(t.TempDir(), false, false)
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, client.Close()) })

	ctx := context.Background()

	require.NoError(t, client.Init(ctx))

	f := &fixture{t: t, client: client, resolver: NewResolver()}

	require.NoError(t, client.Write(ctx, func(ctx context.Context, tx db.Transaction) error {
		var err error

		if f.account, err = tx.CreateAccount(ctx, &db.Account{Address: "user@example.com", Policy: db.DefaultConnectionPolicy()}); err != nil {
			return err
		}

		inbox, err := tx.CreateMailbox(ctx, f.account, imap.Inbox, "/", imap.RoleInbox)
		if err != nil {
			return err
		}

		archive, err := tx.CreateMailbox(ctx, f.account, "Archive", "/", imap.RoleArchive)
		if err != nil {
			return err
		}

		f.inbox, f.archive = inbox.ID, archive.ID

		return nil
	}))

	return f
}

func (f *fixture) candidate(mbox db.MailboxID, validity imap.UIDValidity, uid imap.UID, messageID, subject string) *Candidate {
	return &Candidate{
		AccountID:       f.account,
		MailboxID:       mbox,
		Validity:        validity,
		UID:             uid,
		HeaderMessageID: messageID,
		From:            "alice@example.com",
		Subject:         subject,
		Date:            testDate,
		Size:            100,
	}
}

func (f *fixture) identify(candidates ...*Candidate) []Identity {
	identities, err := db.ClientReadType(context.Background(), f.client, func(ctx context.Context, rd db.ReadOnly) ([]Identity, error) {
		return f.resolver.IdentifyAll(ctx, rd, candidates)
	})
	require.NoError(f.t, err)

	return identities
}

// store identifies and stores the candidate as the sync does.
func (f *fixture) store(c *Candidate) Identity {
	identity := f.identify(c)[0]
	digest := store.DigestOf([]byte(c.Subject))

	require.NoError(f.t, f.client.Write(context.Background(), func(ctx context.Context, tx db.Transaction) error {
		if err := tx.PutBlobRef(ctx, digest, c.Size); err != nil {
			return err
		}

		return tx.UpsertMessages(ctx, &db.MessageUpsert{
			ID:              identity.ID,
			MailboxID:       c.MailboxID,
			UID:             c.UID,
			Validity:        c.Validity,
			IdentityKey:     identity.IdentityKey,
			HeaderMessageID: identity.HeaderMessageID,
			HeuristicKey:    identity.HeuristicKey,
			Subject:         c.Subject,
			From:            c.From,
			Date:            c.Date,
			Size:            c.Size,
			Blob:            digest,
			Flags:           imap.NewFlagSet(),
		})
	}))

	return identity
}

func (f *fixture) expunge(mbox db.MailboxID, validity imap.UIDValidity, uids ...imap.UID) {
	require.NoError(f.t, f.client.Write(context.Background(), func(ctx context.Context, tx db.Transaction) error {
		return tx.ApplyExpunges(ctx, mbox, validity, uids...)
	}))
}

// setEpoch records the validity the mailbox is synced under.
func (f *fixture) setEpoch(mbox db.MailboxID, validity imap.UIDValidity) {
	require.NoError(f.t, f.client.Write(context.Background(), func(ctx context.Context, tx db.Transaction) error {
		return tx.SetCursor(ctx, mbox, db.Cursor{Validity: validity})
	}))
}

func TestIdentify_IsIdempotent(t *testing.T) {
	f := newFixture(t)

	c := f.candidate(f.inbox, 1, 1, "<one@example.com>", "One")

	stored := f.store(c)
	require.False(t, stored.Existing())
	require.Equal(t, "mid:one@example.com", stored.IdentityKey)

	for i := 0; i < 2; i++ {
		again := f.identify(c)[0]
		require.Equal(t, MatchUID, again.Match)
		require.Equal(t, stored.ID, again.ID)
		require.Equal(t, stored.IdentityKey, again.IdentityKey)
	}
}

func TestIdentify_SameMessageIDFollowsMove(t *testing.T) {
	f := newFixture(t)

	stored := f.store(f.candidate(f.inbox, 1, 1, "<one@example.com>", "One"))

	// While the original is still live the copy is a different message with the same identity key.
	copied := f.identify(f.candidate(f.archive, 9, 3, "<ONE@Example.com>", "One"))[0]
	require.False(t, copied.Existing())
	require.NotEqual(t, stored.ID, copied.ID)
	require.Equal(t, stored.IdentityKey, "mid:"+NormalizeMessageID("<one@example.com>"))

	f.expunge(f.inbox, 1, 1)

	moved := f.identify(f.candidate(f.archive, 9, 3, "<one@example.com>", "One"))[0]
	require.Equal(t, MatchMessageID, moved.Match)
	require.Equal(t, stored.ID, moved.ID)
}

func TestIdentify_CollidingMessageIDFallsBackToHeuristic(t *testing.T) {
	f := newFixture(t)

	f.store(f.candidate(f.inbox, 1, 1, "<dup@example.com>", "First"))
	f.expunge(f.inbox, 1, 1)

	other := f.identify(f.candidate(f.inbox, 1, 2, "<dup@example.com>", "Something else"))[0]
	require.False(t, other.Existing())
	require.Equal(t, "h:"+other.HeuristicKey, other.IdentityKey)
}

func TestIdentify_AnchorWinsWithinEpoch(t *testing.T) {
	f := newFixture(t)

	f.setEpoch(f.inbox, 1)

	stored := f.store(f.candidate(f.inbox, 1, 5, "", "Before"))
	f.expunge(f.inbox, 1, 5)

	// The heuristic fields changed but the UID is the same within the same epoch.
	again := f.identify(f.candidate(f.inbox, 1, 5, "", "After"))[0]
	require.Equal(t, MatchAnchor, again.Match)
	require.Equal(t, stored.ID, again.ID)
	require.Equal(t, stored.IdentityKey, again.IdentityKey)

	// An anchor reported for a move is honoured the same way.
	moved := f.candidate(f.archive, 4, 1, "", "Renamed")
	moved.Anchor = db.UIDAnchor{MailboxID: f.inbox, Validity: 1, UID: 5}

	require.Equal(t, stored.ID, f.identify(moved)[0].ID)
}

func TestIdentify_MoveAnchorIgnoredOnceSourceLeftEpoch(t *testing.T) {
	f := newFixture(t)

	f.setEpoch(f.inbox, 1)

	stored := f.store(f.candidate(f.inbox, 1, 5, "", "Before"))
	f.expunge(f.inbox, 1, 5)

	moved := f.candidate(f.archive, 4, 1, "", "Renamed")
	moved.Anchor = db.UIDAnchor{MailboxID: f.inbox, Validity: 1, UID: 5}

	require.Equal(t, MatchAnchor, f.identify(moved)[0].Match)

	// UID 5 of the new epoch may name any message, so the anchor says nothing any more.
	f.setEpoch(f.inbox, 2)

	identity := f.identify(moved)[0]
	require.False(t, identity.Existing())
	require.NotEqual(t, stored.ID, identity.ID)
}

func TestIdentify_AnchorIgnoredAcrossEpochs(t *testing.T) {
	f := newFixture(t)

	a := f.store(f.candidate(f.inbox, 1, 5, "", "Message A"))
	b := f.store(f.candidate(f.inbox, 1, 6, "", "Message B"))

	require.NoError(t, f.client.Write(context.Background(), func(ctx context.Context, tx db.Transaction) error {
		return tx.ResetMailboxEpoch(ctx, f.inbox)
	}))

	f.setEpoch(f.inbox, 2)

	// The server renumbered the mailbox and swapped the UIDs of the two messages.
	identities := f.identify(
		f.candidate(f.inbox, 2, 5, "", "Message B"),
		f.candidate(f.inbox, 2, 6, "", "Message A"),
	)

	require.Equal(t, MatchHeuristic, identities[0].Match)
	require.Equal(t, b.ID, identities[0].ID)
	require.Equal(t, MatchHeuristic, identities[1].Match)
	require.Equal(t, a.ID, identities[1].ID)
}

func TestIdentify_DistinctMessagesNeverMerge(t *testing.T) {
	f := newFixture(t)

	first := f.store(f.candidate(f.inbox, 1, 1, "", "Same"))
	second := f.store(f.candidate(f.inbox, 1, 2, "", "Same"))
	require.NotEqual(t, first.ID, second.ID)

	f.expunge(f.inbox, 1, 1, 2)

	// Two tombstones match the heuristic key equally well.
	candidate := f.identify(f.candidate(f.archive, 1, 7, "", "Same"))[0]
	require.False(t, candidate.Existing())
	require.NotEqual(t, first.ID, candidate.ID)
	require.NotEqual(t, second.ID, candidate.ID)

	// Different message IDs never merge either.
	other := f.identify(f.candidate(f.archive, 1, 8, "<other@example.com>", "Same"))[0]
	require.False(t, other.Existing())
}

func TestIdentifyAll_ClaimsEachMessageOnce(t *testing.T) {
	f := newFixture(t)

	stored := f.store(f.candidate(f.inbox, 1, 1, "<one@example.com>", "One"))
	f.expunge(f.inbox, 1, 1)

	identities := f.identify(
		f.candidate(f.archive, 1, 1, "<one@example.com>", "One"),
		f.candidate(f.archive, 1, 2, "<one@example.com>", "One"),
	)

	require.Equal(t, stored.ID, identities[0].ID)
	require.False(t, identities[1].Existing())
	require.Equal(t, identities[0].IdentityKey, identities[1].IdentityKey)
}

func TestNormalizeMessageID(t *testing.T) {
	require.Equal(t, "abc@example.com", NormalizeMessageID(" <abc@EXAMPLE.com> "))
	require.Equal(t, "ABC@example.com", NormalizeMessageID("ABC@example.com"))
	require.Empty(t, NormalizeMessageID(""))
	require.Empty(t, NormalizeMessageID("<no-domain>"))
	require.Empty(t, NormalizeMessageID("<a b@example.com>"))
	require.Empty(t, NormalizeMessageID("<a@b@c>"))
}

func TestHeuristicKey(t *testing.T) {
	require.Equal(t,
		HeuristicKey(testDate, "Alice@Example.com ", "Hello   world", 10),
		HeuristicKey(testDate.In(time.FixedZone("X", 3600)), "alice@example.com", "hello world", 10),
	)

	require.NotEqual(t, HeuristicKey(testDate, "a@example.com", "x", 10), HeuristicKey(testDate, "a@example.com", "x", 11))
}
