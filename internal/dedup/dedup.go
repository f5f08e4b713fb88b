// Package dedup decides whether a message reported by the server is already known locally.
//
// A message is recognised, in order of precedence, by the UID it is currently mapped to, by the UID
// it was last seen under in the same validity epoch, by its Message-ID header and by a heuristic key
// built from its date, sender, subject and size. Only messages which are not currently mapped to a
// live UID can be claimed by a new UID, and a match must be unambiguous: when in doubt the message
// is treated as new.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/internal/utils"
	"github.com/bradenaw/juniper/xslices"
)

const (
	messageIDPrefix = "mid:"
	heuristicPrefix = "h:"
)

// Candidate is a message as reported by the server.
type Candidate struct {
	AccountID db.AccountID
	MailboxID db.MailboxID
	Validity  imap.UIDValidity
	UID       imap.UID

	HeaderMessageID string
	From            string
	Subject         string
	Date            time.Time
	Size            int64

	// Anchor is a position the server says the message previously had, e.g. the source of a move.
	Anchor db.UIDAnchor
}

func (c *Candidate) position() db.UIDAnchor {
	return db.UIDAnchor{MailboxID: c.MailboxID, Validity: c.Validity, UID: c.UID}
}

// Match says how a candidate was recognised.
type Match int

const (
	MatchNone Match = iota
	MatchUID
	MatchAnchor
	MatchMessageID
	MatchHeuristic
)

func (m Match) String() string {
	switch m {
	case MatchUID:
		return "uid"

	case MatchAnchor:
		return "anchor"

	case MatchMessageID:
		return "message-id"

	case MatchHeuristic:
		return "heuristic"

	default:
		return "none"
	}
}

type Identity struct {
	ID    db.MessageID
	Match Match

	IdentityKey     string
	HeuristicKey    string
	HeaderMessageID string
}

// Existing reports whether the candidate resolved to a message already in the store.
func (i Identity) Existing() bool {
	return i.Match != MatchNone
}

type Resolver struct {
	newID func() db.MessageID
}

func NewResolver() *Resolver {
	return &Resolver{newID: func() db.MessageID { return db.MessageID(utils.NewMessageID()) }}
}

// Identify resolves a single candidate. It is idempotent: once the candidate has been stored under
// the returned ID, identifying it again returns the same ID.
func (r *Resolver) Identify(ctx context.Context, read db.ReadOnly, c *Candidate) (Identity, error) {
	identities, err := r.IdentifyAll(ctx, read, []*Candidate{c})
	if err != nil {
		return Identity{}, err
	}

	return identities[0], nil
}

// IdentifyAll resolves a batch. No two candidates of the batch resolve to the same existing message.
func (r *Resolver) IdentifyAll(ctx context.Context, read db.ReadOnly, candidates []*Candidate) ([]Identity, error) {
	claimed := make(map[db.MessageID]struct{})
	identities := make([]Identity, 0, len(candidates))

	for _, c := range candidates {
		identity, err := r.identify(ctx, read, c, claimed)
		if err != nil {
			return nil, fmt.Errorf("failed to identify UID %v: %w", c.UID, err)
		}

		if identity.Existing() {
			claimed[identity.ID] = struct{}{}
		}

		identities = append(identities, identity)
	}

	return identities, nil
}

func (r *Resolver) identify(ctx context.Context, read db.ReadOnly, c *Candidate, claimed map[db.MessageID]struct{}) (Identity, error) {
	identity := Identity{
		HeaderMessageID: NormalizeMessageID(c.HeaderMessageID),
		HeuristicKey:    HeuristicKey(c.Date, c.From, c.Subject, c.Size),
	}

	if id, err := read.FindMessageByUID(ctx, c.MailboxID, c.Validity, c.UID); err == nil {
		if _, ok := claimed[id]; !ok {
			return r.resolved(ctx, read, identity, id, MatchUID)
		}
	} else if !errors.Is(err, db.ErrNotFound) {
		return Identity{}, err
	}

	// Within one validity epoch a UID never names two messages, so an anchor hit is trusted over everything else.
	for _, anchor := range []db.UIDAnchor{c.position(), c.Anchor} {
		if anchor.IsZero() {
			continue
		}

		records, err := read.FindByAnchor(ctx, anchor)
		if err != nil {
			return Identity{}, err
		}

		if record, ok := pick(available(records, claimed), c.MailboxID); ok {
			identity.ID, identity.Match, identity.IdentityKey = record.ID, MatchAnchor, record.IdentityKey
			return identity, nil
		}
	}

	identity.IdentityKey = heuristicPrefix + identity.HeuristicKey

	if identity.HeaderMessageID != "" {
		records, err := read.FindByHeaderMessageID(ctx, c.AccountID, identity.HeaderMessageID)
		if err != nil {
			return Identity{}, err
		}

		if !collides(records, c) {
			identity.IdentityKey = messageIDPrefix + identity.HeaderMessageID

			if record, ok := pick(available(records, claimed), c.MailboxID); ok {
				identity.ID, identity.Match = record.ID, MatchMessageID
				return identity, nil
			}

			identity.ID = r.newID()

			return identity, nil
		}
	}

	records, err := read.FindByIdentityKey(ctx, c.AccountID, identity.IdentityKey)
	if err != nil {
		return Identity{}, err
	}

	if record, ok := pick(available(records, claimed), c.MailboxID); ok {
		identity.ID, identity.Match = record.ID, MatchHeuristic
		return identity, nil
	}

	identity.ID = r.newID()

	return identity, nil
}

// resolved keeps the identity key the message is already stored under.
func (r *Resolver) resolved(ctx context.Context, read db.ReadOnly, identity Identity, id db.MessageID, match Match) (Identity, error) {
	message, err := read.GetMessage(ctx, id)
	if err != nil {
		return Identity{}, err
	}

	identity.ID, identity.Match, identity.IdentityKey = id, match, message.IdentityKey

	return identity, nil
}

// available filters out messages that are mapped to a live UID or already claimed by the batch.
func available(records []*db.IdentityRecord, claimed map[db.MessageID]struct{}) []*db.IdentityRecord {
	return xslices.Filter(records, func(record *db.IdentityRecord) bool {
		if _, ok := claimed[record.ID]; ok {
			return false
		}

		return !record.Live()
	})
}

// pick returns the only record, preferring the only one in the candidate's own mailbox.
func pick(records []*db.IdentityRecord, mailboxID db.MailboxID) (*db.IdentityRecord, bool) {
	if len(records) == 1 {
		return records[0], true
	}

	local := xslices.Filter(records, func(record *db.IdentityRecord) bool {
		return record.MailboxID == mailboxID
	})

	if len(local) == 1 {
		return local[0], true
	}

	return nil, false
}

// collides reports whether the Message-ID is shared by messages which are evidently different.
func collides(records []*db.IdentityRecord, c *Candidate) bool {
	from, subject := normalizeAddress(c.From), normalizeSubject(c.Subject)

	return xslices.Any(records, func(record *db.IdentityRecord) bool {
		return normalizeAddress(record.From) != from ||
			normalizeSubject(record.Subject) != subject ||
			record.Date.Unix() != c.Date.Unix()
	})
}

// NormalizeMessageID returns the Message-ID without brackets and surrounding space,
// or the empty string if it is not well formed.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")

	if strings.ContainsAny(id, " \t\r\n<>") {
		return ""
	}

	local, domain, ok := strings.Cut(id, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return ""
	}

	return local + "@" + strings.ToLower(domain)
}

// HeuristicKey digests the fields that identify a message without a usable Message-ID.
func HeuristicKey(date time.Time, from, subject string, size int64) string {
	var unix int64

	if !date.IsZero() {
		unix = date.Unix()
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%d", unix, normalizeAddress(from), normalizeSubject(subject), size)))

	return hex.EncodeToString(sum[:])
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func normalizeSubject(subject string) string {
	return strings.ToLower(strings.Join(strings.Fields(subject), " "))
}
