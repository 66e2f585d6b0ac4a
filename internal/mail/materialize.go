package mail

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedRow means the join query produced an attachment id without the
// rest of the attachment columns. That is a bug in the query, not bad input.
var ErrMalformedRow = errors.New("malformed join row")

// Materialize folds the flat emails/attachments join into one EmailAggregate
// per email, in order of first appearance, plus the flattened attachment list
// with parent context. Rows must already be sorted by the query; nothing is
// re-sorted here.
func Materialize(rows []JoinRow) ([]EmailAggregate, []AttachmentWithContext, error) {
	emails := make([]EmailAggregate, 0)
	index := make(map[string]int)

	for i := range rows {
		row := &rows[i]

		pos, seen := index[row.EmailID]
		if !seen {
			pos = len(emails)
			index[row.EmailID] = pos
			emails = append(emails, EmailAggregate{
				EmailSummary: EmailSummary{
					ID:              row.EmailID,
					FromAddress:     row.FromAddress,
					ToAddress:       row.ToAddress,
					Subject:         row.Subject,
					ReceivedAt:      row.ReceivedAt,
					HasAttachments:  row.HasAttachments,
					AttachmentCount: row.AttachmentCount,
				},
				Attachments: []AttachmentSummary{},
			})
		}

		if !row.AttachmentID.Valid {
			continue
		}
		if !row.Filename.Valid || !row.ContentType.Valid || !row.Size.Valid || !row.AttCreatedAt.Valid {
			return nil, nil, fmt.Errorf("row %d (attachment %s): %w", i, row.AttachmentID.String, ErrMalformedRow)
		}

		emails[pos].Attachments = append(emails[pos].Attachments, AttachmentSummary{
			ID:          row.AttachmentID.String,
			Filename:    row.Filename.String,
			ContentType: row.ContentType.String,
			Size:        row.Size.Int64,
			CreatedAt:   time.UnixMilli(row.AttCreatedAt.Int64).UTC(),
		})
	}

	attachments := make([]AttachmentWithContext, 0)
	for _, email := range emails {
		for _, att := range email.Attachments {
			attachments = append(attachments, AttachmentWithContext{
				AttachmentSummary: att,
				EmailID:           email.ID,
				EmailSubject:      email.Subject,
				EmailReceivedAt:   email.ReceivedAt,
			})
		}
	}

	return emails, attachments, nil
}
