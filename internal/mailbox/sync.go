package mailbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/events"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/internal/durable"
	"github.com/bradenaw/juniper/xslices"
	"golang.org/x/exp/slices"
)

// Result summarises one committed sync pass.
type Result struct {
	Mode State

	Added    int
	Updated  int
	Expunged int
	Skipped  int
	Batches  int

	Cursor db.Cursor
}

// Sync runs one pass over an open session. It selects the mailbox, picks the pass from the stored
// cursor and the server status, and commits the new cursor together with the last applied changes.
func (s *Syncer) Sync(ctx context.Context, conn connector.Connector) (Result, error) {
	s.passLock.Lock()
	defer s.passLock.Unlock()

	start := s.cfg.Now()

	status, err := conn.Select(ctx, s.mailbox.Name)
	if err != nil {
		return Result{}, fmt.Errorf("failed to select %v: %w", s.mailbox.Name, err)
	}

	cursor, found, err := s.cursor(ctx)
	if err != nil {
		return Result{}, err
	}

	mode := s.plan(cursor, found, status, conn.Capabilities().Strategy())

	s.setState(ctx, mode)

	s.log.WithField("mode", mode).
		WithField("validity", status.Validity).
		WithField("uidNext", status.UIDNext).
		WithField("highestModSeq", status.HighestModSeq).
		Debug("Starting sync pass")

	result := Result{Mode: mode}

	if mode == StateInitialSync {
		err = s.initialSync(ctx, conn, status, &result)
	} else {
		err = s.resync(ctx, conn, status, cursor, &result)
	}

	if err != nil {
		return Result{}, err
	}

	took := s.cfg.Now().Sub(start)

	s.cfg.Metrics.ObserveSync(string(mode), took, result.Batches)
	s.cfg.Metrics.Applied("added", result.Added)
	s.cfg.Metrics.Applied("updated", result.Updated)
	s.cfg.Metrics.Applied("expunged", result.Expunged)
	s.cfg.Metrics.Skipped(result.Skipped)

	s.cfg.Publish(events.MailboxSynced{
		MailboxID: int64(s.mailbox.ID),
		Mode:      string(mode),
		Added:     result.Added,
		Updated:   result.Updated,
		Expunged:  result.Expunged,
		Skipped:   result.Skipped,
		Watermark: uint32(result.Cursor.HighWatermark),
		Took:      took,
	})

	s.log.WithField("mode", mode).
		WithField("added", result.Added).
		WithField("updated", result.Updated).
		WithField("expunged", result.Expunged).
		WithField("skipped", result.Skipped).
		WithField("watermark", result.Cursor.HighWatermark).
		Info("Sync pass complete")

	return result, nil
}

func (s *Syncer) cursor(ctx context.Context) (db.Cursor, bool, error) {
	cursor, err := durable.ReadResult(ctx, s.store, func(ctx context.Context, rd db.ReadOnly) (db.Cursor, error) {
		return rd.GetCursor(ctx, s.mailbox.ID)
	})
	if errors.Is(err, db.ErrNotFound) {
		return db.Cursor{}, false, nil
	} else if err != nil {
		return db.Cursor{}, false, err
	}

	return cursor, true, nil
}

// plan picks the pass to run.
func (s *Syncer) plan(cursor db.Cursor, found bool, status connector.Status, strategy imap.Strategy) State {
	if !found || cursor.Validity != status.Validity {
		return StateInitialSync
	}

	if s.cfg.Now().Sub(cursor.SyncedAt) > s.cfg.PushWindow {
		return StateCatchUp
	}

	// A mod-sequence going backwards means the server lost history; changed-since queries would miss changes.
	if strategy.Resync == imap.ResyncIncremental && cursor.ModSeq > status.HighestModSeq {
		return StateCatchUp
	}

	return StateIncrementalSync
}

// initialSync rebuilds the UID mapping of the mailbox for the server's current validity.
// Messages already known keep their IDs; those the server no longer reports become tombstones.
func (s *Syncer) initialSync(ctx context.Context, conn connector.Connector, status connector.Status, result *Result) error {
	if err := s.store.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
		return tx.ResetMailboxEpoch(ctx, s.mailbox.ID)
	}); err != nil {
		return fmt.Errorf("failed to reset mailbox epoch: %w", err)
	}

	remote, err := s.remoteUIDs(ctx, conn, imap.UIDRange{Start: 1})
	if err != nil {
		return err
	}

	watermark := maxUID(remote, status.UIDNext)

	for _, batch := range xslices.Chunk(remote, s.cfg.BatchSize) {
		messages, err := s.fetch(ctx, conn, batch)
		if err != nil {
			return err
		}

		if err := s.store.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
			return s.apply(ctx, tx, status.Validity, messages, result)
		}); err != nil {
			return err
		}

		result.Batches++
	}

	result.Cursor = db.Cursor{
		Validity:      status.Validity,
		HighWatermark: watermark,
		ModSeq:        status.HighestModSeq,
		SyncedAt:      s.cfg.Now(),
	}

	return s.store.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
		tombstoned, err := tx.TombstoneUnmapped(ctx, s.mailbox.ID)
		if err != nil {
			return err
		}

		result.Expunged = tombstoned

		return tx.SetCursor(ctx, s.mailbox.ID, result.Cursor)
	})
}

// resync brings a mailbox with a valid cursor up to date: it fetches UIDs missing locally,
// reconciles flags and applies expunges. A catch-up pass reconciles the flags of every message.
func (s *Syncer) resync(ctx context.Context, conn connector.Connector, status connector.Status, cursor db.Cursor, result *Result) error {
	if err := s.pushWriteBacks(ctx, conn, status.Validity); err != nil {
		return err
	}

	local, err := durable.ReadResult(ctx, s.store, func(ctx context.Context, rd db.ReadOnly) (map[imap.UID]db.MessageID, error) {
		return rd.GetMailboxUIDs(ctx, s.mailbox.ID, status.Validity)
	})
	if err != nil {
		return err
	}

	remote, err := s.listRemote(ctx, conn, status, cursor, result.Mode, local)
	if err != nil {
		return err
	}

	remoteSet := make(map[imap.UID]struct{}, len(remote))

	for _, uid := range remote {
		remoteSet[uid] = struct{}{}
	}

	missing := xslices.Filter(remote, func(uid imap.UID) bool {
		_, ok := local[uid]
		return !ok
	})

	var expunged []imap.UID

	for uid := range local {
		if _, ok := remoteSet[uid]; !ok {
			expunged = append(expunged, uid)
		}
	}

	changes, err := s.remoteFlags(ctx, conn, cursor, result.Mode, func(uid imap.UID) bool {
		_, isLocal := local[uid]
		_, isRemote := remoteSet[uid]

		return isLocal && isRemote
	})
	if err != nil {
		return err
	}

	batches := xslices.Chunk(missing, s.cfg.BatchSize)
	watermark := cursor.HighWatermark

	for _, batch := range batches[:max(len(batches)-1, 0)] {
		messages, err := s.fetch(ctx, conn, batch)
		if err != nil {
			return err
		}

		watermark = max(watermark, batch[len(batch)-1])

		// The interim cursor keeps the old mod-sequence and sync time so an interrupted pass reconciles again.
		interim := db.Cursor{Validity: status.Validity, HighWatermark: watermark, ModSeq: cursor.ModSeq, SyncedAt: cursor.SyncedAt}

		if err := s.store.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
			if err := s.apply(ctx, tx, status.Validity, messages, result); err != nil {
				return err
			}

			return tx.SetCursor(ctx, s.mailbox.ID, interim)
		}); err != nil {
			return err
		}

		result.Batches++
	}

	var last []connector.RemoteMessage

	if len(batches) > 0 {
		if last, err = s.fetch(ctx, conn, batches[len(batches)-1]); err != nil {
			return err
		}
	}

	result.Cursor = db.Cursor{
		Validity:      status.Validity,
		HighWatermark: max(watermark, maxUID(remote, status.UIDNext)),
		ModSeq:        status.HighestModSeq,
		SyncedAt:      s.cfg.Now(),
	}

	if err := s.store.Write(ctx, func(ctx context.Context, tx *durable.Tx) error {
		if err := s.apply(ctx, tx, status.Validity, last, result); err != nil {
			return err
		}

		updated, err := s.applyFlags(ctx, tx, status.Validity, changes)
		if err != nil {
			return err
		}

		if err := tx.ApplyExpunges(ctx, s.mailbox.ID, status.Validity, expunged...); err != nil {
			return err
		}

		result.Updated += updated
		result.Expunged = len(expunged)

		return tx.SetCursor(ctx, s.mailbox.ID, result.Cursor)
	}); err != nil {
		return err
	}

	result.Batches++

	return nil
}

// listRemote returns the UIDs of the mailbox on the server. An incremental pass only lists the UIDs
// above the watermark when the message count shows that nothing below it was expunged; otherwise,
// and on catch-up, every UID is listed.
func (s *Syncer) listRemote(
	ctx context.Context,
	conn connector.Connector,
	status connector.Status,
	cursor db.Cursor,
	mode State,
	local map[imap.UID]db.MessageID,
) ([]imap.UID, error) {
	if mode == StateIncrementalSync && cursor.HighWatermark > 0 {
		known := make([]imap.UID, 0, len(local))

		for uid := range local {
			if uid <= cursor.HighWatermark {
				known = append(known, uid)
			}
		}

		above, err := s.remoteUIDs(ctx, conn, imap.UIDRange{Start: cursor.HighWatermark + 1})
		if err != nil {
			return nil, err
		}

		if int(status.Messages) == len(known)+len(above) {
			slices.Sort(known)

			return append(known, above...), nil
		}

		s.log.WithField("messages", status.Messages).
			WithField("expected", len(known)+len(above)).
			Debug("Message count differs, listing every UID")
	}

	return s.remoteUIDs(ctx, conn, imap.UIDRange{Start: 1})
}

// remoteUIDs lists the UIDs of the selected mailbox in the range. The server must report them strictly ascending.
func (s *Syncer) remoteUIDs(ctx context.Context, conn connector.Connector, r imap.UIDRange) ([]imap.UID, error) {
	uids, err := conn.UIDs(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to list UIDs: %w", err)
	}

	for i := 1; i < len(uids); i++ {
		if uids[i] <= uids[i-1] {
			return nil, fmt.Errorf("UID %v listed after %v: %w", uids[i], uids[i-1], connector.ErrOrderingViolation)
		}
	}

	if len(uids) > 0 && uids[0] == 0 {
		return nil, fmt.Errorf("UID 0 listed: %w", connector.ErrOrderingViolation)
	}

	return uids, nil
}

// remoteFlags returns the flag states reported for messages up to the stored watermark.
// Without a usable mod-sequence, or on catch-up, the flags of every message are fetched.
func (s *Syncer) remoteFlags(
	ctx context.Context,
	conn connector.Connector,
	cursor db.Cursor,
	mode State,
	keep func(imap.UID) bool,
) ([]db.FlagChange, error) {
	if cursor.HighWatermark == 0 {
		return nil, nil
	}

	var changedSince imap.ModSeq

	if conn.Capabilities().CondStore && mode != StateCatchUp {
		changedSince = cursor.ModSeq
	}

	states, err := conn.Flags(ctx, imap.UIDRange{Start: 1, Stop: cursor.HighWatermark}, changedSince)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch flags: %w", err)
	}

	seen := make(map[imap.UID]struct{}, len(states))
	changes := make([]db.FlagChange, 0, len(states))

	for _, state := range states {
		if state.UID == 0 || state.UID > cursor.HighWatermark {
			return nil, fmt.Errorf("flags for UID %v outside 1:%v: %w", state.UID, cursor.HighWatermark, connector.ErrOrderingViolation)
		}

		if _, ok := seen[state.UID]; ok {
			return nil, fmt.Errorf("flags for UID %v reported twice: %w", state.UID, connector.ErrOrderingViolation)
		}

		seen[state.UID] = struct{}{}

		if keep(state.UID) {
			changes = append(changes, db.FlagChange{UID: state.UID, Flags: state.Flags})
		}
	}

	return changes, nil
}

// applyFlags applies the flag changes which differ from the stored flags and returns how many did.
func (s *Syncer) applyFlags(ctx context.Context, tx *durable.Tx, validity imap.UIDValidity, changes []db.FlagChange) (int, error) {
	if len(changes) == 0 {
		return 0, nil
	}

	current, err := tx.GetMailboxFlags(ctx, s.mailbox.ID, validity)
	if err != nil {
		return 0, err
	}

	changes = xslices.Filter(changes, func(change db.FlagChange) bool {
		return !current[change.UID].Equals(change.Flags)
	})

	if err := tx.ApplyFlagChanges(ctx, s.mailbox.ID, validity, changes...); err != nil {
		return 0, err
	}

	return len(changes), nil
}

// maxUID returns the highest UID known to exist, from the listing or from the server's next UID.
func maxUID(uids []imap.UID, uidNext imap.UID) imap.UID {
	var top imap.UID

	if len(uids) > 0 {
		top = uids[len(uids)-1]
	}

	if uidNext > 0 {
		top = max(top, uidNext-1)
	}

	return top
}
