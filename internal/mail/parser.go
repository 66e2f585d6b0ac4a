package mail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

// ParsedMessage is the result of reading one raw RFC 5322 message.
type ParsedMessage struct {
	From        string
	To          []string
	Subject     string
	MessageID   string
	Date        time.Time
	TextBody    string
	HTMLBody    string
	Attachments []ParsedAttachment
	Raw         []byte
}

type ParsedAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Parse reads headers, text/html bodies and attachments. Unknown charsets and
// transfer encodings degrade to raw bytes instead of failing the message.
func Parse(raw []byte) (*ParsedMessage, error) {
	parsed := &ParsedMessage{Raw: raw}

	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse email: %w", err)
	}
	defer reader.Close()

	header := reader.Header
	if subject, err := header.Subject(); err == nil {
		parsed.Subject = subject
	} else {
		parsed.Subject = header.Get("Subject")
	}
	if id, err := header.MessageID(); err == nil {
		parsed.MessageID = id
	}
	if date, err := header.Date(); err == nil {
		parsed.Date = date
	}

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		parsed.From = from[0].Address
	} else {
		parsed.From = strings.TrimSpace(header.Get("From"))
	}
	if to, err := header.AddressList("To"); err == nil {
		for _, addr := range to {
			parsed.To = append(parsed.To, addr.Address)
		}
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			return parsed, fmt.Errorf("failed to read part: %w", err)
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			mediaType, params, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case mediaType == "" || strings.HasPrefix(mediaType, "text/plain"):
				parsed.TextBody = appendBody(parsed.TextBody, body)
			case strings.HasPrefix(mediaType, "text/html"):
				parsed.HTMLBody = appendBody(parsed.HTMLBody, body)
			default:
				// Inline images and the like are still downloadable.
				name := params["name"]
				if name == "" {
					name = "inline"
				}
				parsed.Attachments = append(parsed.Attachments, ParsedAttachment{
					Filename:    name,
					ContentType: mediaType,
					Data:        body,
				})
			}

		case *gomail.AttachmentHeader:
			filename, _ := h.Filename()
			if strings.TrimSpace(filename) == "" {
				filename = "attachment"
			}
			contentType, _, _ := h.ContentType()
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			parsed.Attachments = append(parsed.Attachments, ParsedAttachment{
				Filename:    filename,
				ContentType: contentType,
				Data:        body,
			})
		}
	}

	return parsed, nil
}

func appendBody(existing string, body []byte) string {
	if existing == "" {
		return string(body)
	}
	return existing + "\n" + string(body)
}
