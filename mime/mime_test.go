package mime

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const multipartMessage = "From: Alice <Alice@Example.com>\r\n" +
	"To: bob@example.com, Carol <carol@example.com>\r\n" +
	"Subject: =?utf-8?q?Caf=C3=A9?=\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"Message-ID: <abc@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><head><style>p{}</style></head><body><p>Hello</p><script>x()</script><div>world</div></body></html>\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0=\r\n" +
	"--XYZ--\r\n"

func TestMessageParser_Multipart(t *testing.T) {
	parts, err := NewMessageParser().Parse([]byte(multipartMessage))
	require.NoError(t, err)

	require.Equal(t, "abc@example.com", parts.Header.MessageID)
	require.Equal(t, "Café", parts.Header.Subject)
	require.Equal(t, "alice@example.com", parts.Header.From)
	require.Equal(t, []string{"bob@example.com", "carol@example.com"}, parts.Header.To)
	require.True(t, parts.Header.Date.Equal(time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC)))

	require.Len(t, parts.Attachments, 1)
	require.Equal(t, "report.pdf", parts.Attachments[0].Filename)
	require.Equal(t, []byte("%PDF-"), parts.Attachments[0].Data)

	require.Equal(t, "Hello\nworld", parts.SearchableText())
}

func TestMessageParser_UnknownCharsetIsPartial(t *testing.T) {
	literal := "Subject: hi\r\n" +
		"Content-Type: text/plain; charset=x-unknown\r\n" +
		"\r\n" +
		"body\r\n"

	parts, err := NewMessageParser().Parse([]byte(literal))
	require.Error(t, err)
	require.True(t, IsPartial(err))
	require.NotNil(t, parts)
	require.Equal(t, "hi", parts.Header.Subject)
}

func TestHTMLToText(t *testing.T) {
	text, err := HTMLToText("<p>a   b</p><br><li>​c</li>")
	require.NoError(t, err)
	require.Equal(t, "a b\nc", text)

	text, err = HTMLToText("")
	require.NoError(t, err)
	require.Empty(t, text)
}

func TestParts_SearchablePrefersPlainText(t *testing.T) {
	parts := &Parts{Text: "plain", HTML: "<b>html</b>"}
	require.Equal(t, "plain", parts.SearchableText())

	parts = &Parts{HTML: "<b>" + strings.Repeat("x", 3) + "</b>"}
	require.Equal(t, "xxx", parts.SearchableText())
}
