package mail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		raw      []byte
		validate func(*testing.T, *ParsedMessage)
	}{
		{
			name: "basic email",
			raw: crlf(`From: sender@example.com
To: recipient@example.com
Subject: Test Subject
Message-ID: <123@example.com>
Date: Mon, 2 Jan 2006 15:04:05 -0700

This is the email body.`),
			validate: func(t *testing.T, msg *ParsedMessage) {
				assert.Equal(t, "sender@example.com", msg.From)
				assert.Equal(t, []string{"recipient@example.com"}, msg.To)
				assert.Equal(t, "Test Subject", msg.Subject)
				assert.Equal(t, "123@example.com", msg.MessageID)
				assert.Equal(t, 2006, msg.Date.Year())
				assert.Contains(t, msg.TextBody, "This is the email body.")
				assert.Empty(t, msg.Attachments)
			},
		},
		{
			name: "email with display names",
			raw: crlf(`From: "John Doe" <john@example.com>
To: "Jane Smith" <jane@example.com>, other@example.com
Subject: Test with Names

Body text.`),
			validate: func(t *testing.T, msg *ParsedMessage) {
				assert.Equal(t, "john@example.com", msg.From)
				assert.Equal(t, []string{"jane@example.com", "other@example.com"}, msg.To)
			},
		},
		{
			name: "encoded subject",
			raw: crlf(`From: a@example.com
To: b@example.com
Subject: =?UTF-8?B?SGVsbG8gV29ybGQ=?=

Body.`),
			validate: func(t *testing.T, msg *ParsedMessage) {
				assert.Equal(t, "Hello World", msg.Subject)
			},
		},
		{
			name: "multipart alternative with attachment",
			raw: crlf(`From: a@example.com
To: b@example.com
Subject: Report
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=utf-8

plain text
--inner
Content-Type: text/html; charset=utf-8

<p>html text</p>
--inner--
--outer
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQ=
--outer--
`),
			validate: func(t *testing.T, msg *ParsedMessage) {
				assert.Contains(t, msg.TextBody, "plain text")
				assert.Contains(t, msg.HTMLBody, "<p>html text</p>")
				require.Len(t, msg.Attachments, 1)
				att := msg.Attachments[0]
				assert.Equal(t, "report.pdf", att.Filename)
				assert.Equal(t, "application/pdf", att.ContentType)
				assert.Equal(t, []byte("%PDF-1.4"), att.Data)
			},
		},
		{
			name: "attachment without filename",
			raw: crlf(`From: a@example.com
To: b@example.com
Subject: Unnamed
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="b1"

--b1
Content-Type: text/plain

see attached
--b1
Content-Type: application/octet-stream
Content-Disposition: attachment

data
--b1--
`),
			validate: func(t *testing.T, msg *ParsedMessage) {
				require.Len(t, msg.Attachments, 1)
				assert.Equal(t, "attachment", msg.Attachments[0].Filename)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse(tt.raw)
			require.NoError(t, err)
			require.NotNil(t, msg)
			assert.Equal(t, tt.raw, msg.Raw)
			tt.validate(t, msg)
		})
	}
}

func TestParse_MissingFromHeader(t *testing.T) {
	msg, err := Parse(crlf(`To: b@example.com
Subject: No sender

Body.`))
	require.NoError(t, err)
	assert.Empty(t, msg.From)
	assert.Equal(t, "No sender", msg.Subject)
}
