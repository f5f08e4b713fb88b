// Package export writes the raw messages of a mailbox in mbox format.
package export

import (
	"context"
	"fmt"
	"io"

	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/internal/durable"
	"github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
)

const pageSize = 200

// Mailbox writes every live message of the mailbox to w and returns how many were written.
// Messages come out in the order the store lists them, newest first.
func Mailbox(ctx context.Context, st *durable.Store, mailboxID db.MailboxID, w io.Writer) (int, error) {
	mw := mbox.NewWriter(w)

	var (
		written int
		token   string
	)

	for {
		page, err := durable.ReadResult(ctx, st, func(ctx context.Context, rd db.ReadOnly) (db.MessagePage, error) {
			return rd.ListMessages(ctx, mailboxID, db.ListFilter{Limit: pageSize, PageToken: token})
		})
		if err != nil {
			return written, err
		}

		for _, message := range page.Messages {
			if err := writeMessage(mw, st, message); err != nil {
				return written, err
			}

			written++
		}

		if page.NextPageToken == "" {
			break
		}

		token = page.NextPageToken
	}

	if err := mw.Close(); err != nil {
		return written, err
	}

	logrus.WithField("mailboxID", mailboxID).WithField("count", written).Info("Mailbox exported")

	return written, nil
}

func writeMessage(mw *mbox.Writer, st *durable.Store, message *db.Message) error {
	literal, err := st.GetBlob(message.Blob)
	if err != nil {
		return fmt.Errorf("failed to read message %v: %w", message.ID, err)
	}

	body, err := mw.CreateMessage(envelopeSender(message.From), message.Date)
	if err != nil {
		return err
	}

	if _, err := body.Write(literal); err != nil {
		return fmt.Errorf("failed to write message %v: %w", message.ID, err)
	}

	return nil
}

// envelopeSender returns the bare address for the mbox "From " line.
func envelopeSender(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return addr.Address
	}

	if from == "" {
		return "MAILER-DAEMON"
	}

	return from
}
