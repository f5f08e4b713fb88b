package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/internal/dedup"
	"github.com/NostraDavid/mail/internal/durable"
	"github.com/NostraDavid/mail/mime"
	"github.com/bradenaw/juniper/xslices"
)

// parsed is a fetched message with the fields parsed out of its literal.
type parsed struct {
	remote      connector.RemoteMessage
	summary     mime.Summary
	attachments []mime.Attachment
}

// fetch downloads the given UIDs. The server may omit UIDs expunged meanwhile, but must not return
// UIDs that were not asked for or return a UID twice.
func (s *Syncer) fetch(ctx context.Context, conn connector.Connector, uids []imap.UID) ([]connector.RemoteMessage, error) {
	messages, err := conn.Fetch(ctx, uids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %v messages: %w", len(uids), err)
	}

	requested := make(map[imap.UID]bool, len(uids))

	for _, uid := range uids {
		requested[uid] = false
	}

	for _, message := range messages {
		returned, ok := requested[message.UID]
		if !ok {
			return nil, fmt.Errorf("fetch returned unrequested UID %v: %w", message.UID, connector.ErrOrderingViolation)
		}

		if returned {
			return nil, fmt.Errorf("fetch returned UID %v twice: %w", message.UID, connector.ErrOrderingViolation)
		}

		requested[message.UID] = true
	}

	return messages, nil
}

// apply identifies and stores a batch of fetched messages inside tx.
func (s *Syncer) apply(ctx context.Context, tx *durable.Tx, validity imap.UIDValidity, messages []connector.RemoteMessage, result *Result) error {
	batch := make([]parsed, 0, len(messages))

	for _, message := range messages {
		if len(message.Literal) == 0 {
			s.log.WithField("uid", message.UID).Warn("Skipping message without content")

			result.Skipped++

			continue
		}

		batch = append(batch, s.parse(message))
	}

	if len(batch) == 0 {
		return nil
	}

	// Messages we moved here ourselves are recognised by where they came from.
	origins, err := tx.GetMoveOrigins(ctx, s.mailbox.ID, validity)
	if err != nil {
		return err
	}

	candidates := xslices.Map(batch, func(p parsed) *dedup.Candidate {
		size := p.remote.Size
		if size == 0 {
			size = int64(len(p.remote.Literal))
		}

		return &dedup.Candidate{
			AccountID:       s.mailbox.AccountID,
			MailboxID:       s.mailbox.ID,
			Validity:        validity,
			UID:             p.remote.UID,
			HeaderMessageID: p.summary.MessageID,
			From:            p.summary.From,
			Subject:         p.summary.Subject,
			Date:            p.summary.Date,
			Size:            size,
			Anchor:          origins[p.remote.UID],
		}
	})

	identities, err := s.resolver.IdentifyAll(ctx, tx, candidates)
	if err != nil {
		return err
	}

	upserts := make([]*db.MessageUpsert, 0, len(batch))
	claimed := make([]imap.UID, 0, len(origins))

	for i, p := range batch {
		if _, ok := origins[p.remote.UID]; ok {
			claimed = append(claimed, p.remote.UID)
		}

		upsert, err := s.upsert(ctx, tx, p, candidates[i], identities[i])
		if err != nil {
			return err
		}

		upserts = append(upserts, upsert)

		if identities[i].Existing() {
			result.Updated++
		} else {
			result.Added++
		}
	}

	if err := tx.UpsertMessages(ctx, upserts...); err != nil {
		return err
	}

	return tx.DeleteMoves(ctx, s.mailbox.ID, validity, claimed...)
}

func (s *Syncer) upsert(ctx context.Context, tx *durable.Tx, p parsed, c *dedup.Candidate, identity dedup.Identity) (*db.MessageUpsert, error) {
	blob, err := tx.PutBlob(ctx, p.remote.Literal)
	if err != nil {
		return nil, err
	}

	attachments := make([]db.Attachment, 0, len(p.attachments))

	for _, att := range p.attachments {
		digest, err := tx.PutBlob(ctx, att.Data)
		if err != nil {
			return nil, err
		}

		attachments = append(attachments, db.Attachment{
			Index:       att.Index,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			ContentID:   att.ContentID,
			Inline:      att.Inline,
			Size:        int64(len(att.Data)),
			Blob:        digest,
		})
	}

	flags := p.remote.Flags
	if flags == nil {
		flags = imap.NewFlagSet()
	}

	return &db.MessageUpsert{
		ID:              identity.ID,
		MailboxID:       c.MailboxID,
		UID:             c.UID,
		Validity:        c.Validity,
		IdentityKey:     identity.IdentityKey,
		HeaderMessageID: identity.HeaderMessageID,
		HeuristicKey:    identity.HeuristicKey,
		Subject:         p.summary.Subject,
		From:            p.summary.From,
		To:              p.summary.To,
		Date:            p.summary.Date,
		Size:            c.Size,
		Blob:            blob,
		Flags:           flags,
		Attachments:     attachments,
	}, nil
}

// parse extracts the summary and attachments of a message. A message that cannot be parsed is
// still stored, described by the envelope the server reported.
func (s *Syncer) parse(message connector.RemoteMessage) parsed {
	p := parsed{remote: message, summary: envelopeSummary(message)}

	parts, err := s.cfg.Parser.Parse(message.Literal)
	if err != nil && !mime.IsPartial(err) {
		s.log.WithError(err).WithField("uid", message.UID).Warn("Failed to parse message, storing it unparsed")
		return p
	} else if err != nil {
		s.log.WithError(err).WithField("uid", message.UID).Debug("Message parsed partially")
	}

	p.summary = mergeSummary(parts.Header, p.summary)
	p.attachments = parts.Attachments

	return p
}

func envelopeSummary(message connector.RemoteMessage) mime.Summary {
	summary := mime.Summary{Date: message.InternalDate}

	if env := message.Envelope; env != nil {
		summary.MessageID = env.MessageID
		summary.Subject = env.Subject
		summary.From = env.From
		summary.To = env.To

		if !env.Date.IsZero() {
			summary.Date = env.Date
		}
	}

	return summary
}

// mergeSummary prefers the parsed header and fills the gaps from the fallback.
func mergeSummary(header, fallback mime.Summary) mime.Summary {
	if header.MessageID == "" {
		header.MessageID = fallback.MessageID
	}

	if header.Subject == "" {
		header.Subject = fallback.Subject
	}

	if header.From == "" {
		header.From = fallback.From
	}

	if len(header.To) == 0 {
		header.To = fallback.To
	}

	if header.Date.IsZero() {
		header.Date = fallback.Date
	}

	header.Date = header.Date.Truncate(time.Second)

	return header
}
