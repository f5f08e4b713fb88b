package mime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
)

// MessageParser parses RFC 5322 messages with go-message.
type MessageParser struct {
	// MaxPartSize bounds the bytes read from a single part. Zero means no bound.
	MaxPartSize int64
}

func NewMessageParser() *MessageParser {
	return &MessageParser{}
}

func (p *MessageParser) Parse(literal []byte) (*Parts, error) {
	mr, err := mail.CreateReader(bytes.NewReader(literal))
	if err != nil && mr == nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}

	defer func() {
		if err := mr.Close(); err != nil {
			logrus.WithError(err).Debug("Failed to close message reader")
		}
	}()

	parts := &Parts{Header: summarize(mr.Header)}

	var partErrs []error

	// Unknown charsets and encodings are reported but leave the header usable.
	if err != nil {
		partErrs = append(partErrs, err)
	}

	for index := 0; ; index++ {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				partErrs = append(partErrs, err)
				continue
			}

			partErrs = append(partErrs, err)

			break
		}

		body, err := p.readPart(part.Body)
		if err != nil {
			partErrs = append(partErrs, fmt.Errorf("part %v: %w", index, err))
			continue
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()

			switch {
			case contentType == "text/plain" && parts.Text == "":
				parts.Text = string(body)

			case contentType == "text/html" && parts.HTML == "":
				parts.HTML = string(body)

			case !strings.HasPrefix(contentType, "text/"):
				parts.Attachments = append(parts.Attachments, Attachment{
					Index:       index,
					ContentType: contentType,
					ContentID:   strings.Trim(h.Get("Content-Id"), "<>"),
					Inline:      true,
					Data:        body,
				})
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			parts.Attachments = append(parts.Attachments, Attachment{
				Index:       index,
				Filename:    filename,
				ContentType: contentType,
				ContentID:   strings.Trim(h.Get("Content-Id"), "<>"),
				Data:        body,
			})
		}
	}

	if len(partErrs) > 0 {
		return parts, &PartialParseWarning{Err: errors.Join(partErrs...)}
	}

	return parts, nil
}

func (p *MessageParser) readPart(r io.Reader) ([]byte, error) {
	if p.MaxPartSize > 0 {
		r = io.LimitReader(r, p.MaxPartSize)
	}

	return io.ReadAll(r)
}

func summarize(h mail.Header) Summary {
	var summary Summary

	if id, err := h.MessageID(); err == nil {
		summary.MessageID = id
	}

	if subject, err := h.Subject(); err == nil {
		summary.Subject = subject
	} else {
		summary.Subject = h.Get("Subject")
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		summary.From = strings.ToLower(from[0].Address)
	}

	for _, key := range []string{"To", "Cc"} {
		if addrs, err := h.AddressList(key); err == nil {
			for _, addr := range addrs {
				summary.To = append(summary.To, strings.ToLower(addr.Address))
			}
		}
	}

	if date, err := h.Date(); err == nil {
		summary.Date = date.UTC()
	}

	return summary
}
