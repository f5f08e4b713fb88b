// Package mime turns raw message bytes into the structured parts the engine records and indexes.
package mime

import (
	"errors"
	"fmt"
	"time"
)

// Summary is the header information kept with every message.
type Summary struct {
	MessageID string
	Subject   string
	From      string
	To        []string
	Date      time.Time
}

type Attachment struct {
	Index       int
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Data        []byte
}

type Parts struct {
	Header      Summary
	Text        string
	HTML        string
	Attachments []Attachment
}

// SearchableText returns the plain text body, or the text rendering of the HTML body if there is none.
func (p *Parts) SearchableText() string {
	if p.Text != "" || p.HTML == "" {
		return p.Text
	}

	text, err := HTMLToText(p.HTML)
	if err != nil {
		return ""
	}

	return text
}

// PartialParseWarning is returned alongside usable parts when some of the message could not be decoded.
type PartialParseWarning struct {
	Err error
}

func (w *PartialParseWarning) Error() string {
	return fmt.Sprintf("message partially parsed: %v", w.Err)
}

func (w *PartialParseWarning) Unwrap() error {
	return w.Err
}

// IsPartial reports whether err only signals a partial parse.
func IsPartial(err error) bool {
	var warning *PartialParseWarning

	return errors.As(err, &warning)
}

type Parser interface {
	// Parse returns the parts of the literal. A *PartialParseWarning error comes with non-nil parts.
	Parse(literal []byte) (*Parts, error)
}
