package mail

import (
	"database/sql"
	"time"
)

// Email is one stored message as addressed to a single disposable mailbox.
type Email struct {
	ID              string    `json:"id"`
	FromAddress     string    `json:"from_address"`
	ToAddress       string    `json:"to_address"`
	Subject         string    `json:"subject"`
	ReceivedAt      time.Time `json:"received_at"`
	HTMLContent     string    `json:"html_content,omitempty"`
	TextContent     string    `json:"text_content,omitempty"`
	HasAttachments  bool      `json:"has_attachments"`
	AttachmentCount int       `json:"attachment_count"`
	AuthResults     string    `json:"auth_results,omitempty"`
}

// EmailSummary is an Email without its bodies.
type EmailSummary struct {
	ID              string    `json:"id"`
	FromAddress     string    `json:"from_address"`
	ToAddress       string    `json:"to_address"`
	Subject         string    `json:"subject"`
	ReceivedAt      time.Time `json:"received_at"`
	HasAttachments  bool      `json:"has_attachments"`
	AttachmentCount int       `json:"attachment_count"`
}

// Attachment is the stored metadata of one attachment. The body lives in the
// blob store under BlobKey.
type Attachment struct {
	ID          string    `json:"id"`
	EmailID     string    `json:"email_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	BlobKey     string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// AttachmentSummary is the listing view of an attachment.
type AttachmentSummary struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// EmailAggregate is an email together with its attachments, in creation order.
type EmailAggregate struct {
	EmailSummary
	Attachments []AttachmentSummary `json:"attachments"`
}

// AttachmentWithContext is an attachment stamped with its parent email.
type AttachmentWithContext struct {
	AttachmentSummary
	EmailID         string    `json:"email_id"`
	EmailSubject    string    `json:"email_subject"`
	EmailReceivedAt time.Time `json:"email_received_at"`
}

// JoinRow is one row of the emails LEFT JOIN attachments query. Email columns
// repeat on every attachment row; attachment columns are all null when the
// email has no attachments.
type JoinRow struct {
	EmailID         string
	FromAddress     string
	ToAddress       string
	Subject         string
	ReceivedAt      time.Time
	HasAttachments  bool
	AttachmentCount int

	AttachmentID sql.NullString
	Filename     sql.NullString
	ContentType  sql.NullString
	Size         sql.NullInt64
	AttCreatedAt sql.NullInt64 // unix milliseconds
}

// Summary drops the bodies.
func (e *Email) Summary() EmailSummary {
	return EmailSummary{
		ID:              e.ID,
		FromAddress:     e.FromAddress,
		ToAddress:       e.ToAddress,
		Subject:         e.Subject,
		ReceivedAt:      e.ReceivedAt,
		HasAttachments:  e.HasAttachments,
		AttachmentCount: e.AttachmentCount,
	}
}

// Summary drops the email id and blob key.
func (a *Attachment) Summary() AttachmentSummary {
	return AttachmentSummary{
		ID:          a.ID,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        a.Size,
		CreatedAt:   a.CreatedAt,
	}
}
