// Package inbox ties the message store, the attachment storage and the
// sender statistics together behind the operations served over HTTP and SMTP.
package inbox

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grumpyguvner/tempmail/internal/auth"
	"github.com/grumpyguvner/tempmail/internal/errors"
	"github.com/grumpyguvner/tempmail/internal/logging"
	"github.com/grumpyguvner/tempmail/internal/mail"
	"github.com/grumpyguvner/tempmail/internal/metrics"
	"github.com/grumpyguvner/tempmail/internal/pagination"
	"github.com/grumpyguvner/tempmail/internal/stats"
	"github.com/grumpyguvner/tempmail/internal/storage"
	"github.com/grumpyguvner/tempmail/internal/store"
	"github.com/grumpyguvner/tempmail/internal/validation"
	"go.uber.org/zap"
)

// Envelope is one message as handed over by a transport.
type Envelope struct {
	From string
	To   []string
	Raw  []byte
}

// Receipt describes what Deliver stored.
type Receipt struct {
	EmailIDs    []string `json:"email_ids"`
	Recipients  []string `json:"recipients"`
	Rejected    []string `json:"rejected,omitempty"`
	Attachments int      `json:"attachments"`
}

// Mailbox is one page of a recipient's emails.
type Mailbox struct {
	Address string                `json:"address"`
	Emails  []mail.EmailAggregate `json:"emails"`
	Total   int                   `json:"total"`
	Page    int                   `json:"page"`
	Limit   int                   `json:"limit"`
	HasNext bool                  `json:"has_next"`
}

// AttachmentList is the flattened attachments of one page of a mailbox.
type AttachmentList struct {
	Address     string                       `json:"address"`
	Attachments []mail.AttachmentWithContext `json:"attachments"`
	Page        int                          `json:"page"`
	Limit       int                          `json:"limit"`
}

// Service implements mailbox ingest and reads.
type Service struct {
	store     *store.Store
	blobs     storage.Storage
	senders   *stats.Aggregator
	validator *validation.EmailValidator
	verifier  *auth.DKIMVerifier
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// NewService wires a Service. verifier may be nil, in which case emails are
// stored without authentication results.
func NewService(st *store.Store, blobs storage.Storage, senders *stats.Aggregator, validator *validation.EmailValidator, verifier *auth.DKIMVerifier) *Service {
	return &Service{
		store:     st,
		blobs:     blobs,
		senders:   senders,
		validator: validator,
		verifier:  verifier,
		now:       time.Now,
		logger:    logging.WithComponent("inbox"),
	}
}

// Deliver stores raw once per accepted recipient. Recipients on domains that
// are not served are skipped; if none remain the message is rejected. When
// one copy cannot be stored the copies already written are removed.
func (s *Service) Deliver(ctx context.Context, env Envelope) (*Receipt, error) {
	start := time.Now()
	defer func() {
		metrics.EmailProcessingDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.EmailSize.Observe(float64(len(env.Raw)))

	if err := s.validator.ValidateSize(len(env.Raw)); err != nil {
		metrics.EmailsProcessed.WithLabelValues("rejected").Inc()
		return nil, errors.TooLargeError(err.Error(), map[string]int64{"max_bytes": s.validator.MaxSize})
	}
	if err := s.validator.ValidateSender(env.From); err != nil {
		metrics.EmailsProcessed.WithLabelValues("rejected").Inc()
		return nil, errors.ValidationError(err.Error(), nil)
	}

	receipt := &Receipt{}
	seen := make(map[string]struct{}, len(env.To))
	for _, rcpt := range env.To {
		addr := mail.NormalizeAddress(rcpt)
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if err := s.validator.ValidateRecipient(addr); err != nil {
			s.logger.Debugw("Skipping recipient", "recipient", rcpt, "reason", err)
			receipt.Rejected = append(receipt.Rejected, rcpt)
			continue
		}
		receipt.Recipients = append(receipt.Recipients, addr)
	}
	if len(receipt.Recipients) == 0 {
		metrics.EmailsProcessed.WithLabelValues("rejected").Inc()
		return nil, errors.ValidationError("No deliverable recipients", map[string][]string{"rejected": receipt.Rejected})
	}

	parsed, err := mail.Parse(env.Raw)
	if err != nil {
		metrics.EmailsProcessed.WithLabelValues("rejected").Inc()
		return nil, errors.ValidationError("Failed to parse email", err.Error())
	}

	sender := strings.TrimSpace(env.From)
	if sender == "" {
		sender = parsed.From
	}

	var authResults string
	if s.verifier != nil {
		authResults = s.verifier.AuthenticationResults(ctx, env.Raw)
	}

	for _, rcpt := range receipt.Recipients {
		id, stored, err := s.storeCopy(ctx, sender, rcpt, parsed, authResults)
		if err != nil {
			metrics.EmailsProcessed.WithLabelValues("error").Inc()
			s.rollback(ctx, receipt.EmailIDs)
			return nil, err
		}
		receipt.EmailIDs = append(receipt.EmailIDs, id)
		receipt.Attachments += stored
	}

	// counted only once every copy is stored, so a retried message is not
	// counted twice
	for range receipt.EmailIDs {
		if _, err := s.senders.RecordSend(ctx, sender); err != nil {
			s.logger.Warnw("Failed to record sender", "sender", sender, "error", err)
		}
	}

	metrics.EmailsProcessed.WithLabelValues("success").Inc()
	s.logger.Infow("Email delivered",
		"from", sender,
		"recipients", receipt.Recipients,
		"size", len(env.Raw),
		"attachments", len(parsed.Attachments))
	return receipt, nil
}

// rollback removes copies stored before a later recipient failed. The
// message is reported as failed, so the sender will retry all of it.
func (s *Service) rollback(ctx context.Context, ids []string) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		if err := s.DeleteEmail(ctx, id); err != nil {
			s.logger.Errorw("Failed to roll back stored copy", "email_id", id, "error", err)
		}
	}
}

// storeCopy writes one recipient's copy and its attachments. An attachment
// whose body cannot be written is dropped and left out of the count.
func (s *Service) storeCopy(ctx context.Context, sender, rcpt string, parsed *mail.ParsedMessage, authResults string) (string, int, error) {
	email := mail.Email{
		ID:          uuid.NewString(),
		FromAddress: sender,
		ToAddress:   rcpt,
		Subject:     parsed.Subject,
		ReceivedAt:  s.now().UTC(),
		HTMLContent: parsed.HTMLBody,
		TextContent: parsed.TextBody,
		AuthResults: authResults,
	}
	err := s.store.InsertEmail(ctx, email)
	metrics.RecordStorage("insert_email", err)
	if err != nil {
		return "", 0, errors.StorageError("Failed to store email", err)
	}

	stored := 0
	for _, att := range parsed.Attachments {
		attachment := mail.Attachment{
			ID:          uuid.NewString(),
			EmailID:     email.ID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        int64(len(att.Data)),
			CreatedAt:   s.now().UTC(),
		}
		attachment.BlobKey = storage.AttachmentKey(email.ID, attachment.ID)

		err := s.blobs.Put(ctx, attachment.BlobKey, att.Data)
		metrics.RecordStorage("put_blob", err)
		if err != nil {
			s.logger.Warnw("Dropping attachment", "email_id", email.ID, "filename", att.Filename, "error", err)
			continue
		}
		err = s.store.InsertAttachment(ctx, attachment)
		metrics.RecordStorage("insert_attachment", err)
		if err != nil {
			s.logger.Warnw("Dropping attachment", "email_id", email.ID, "filename", att.Filename, "error", err)
			if derr := s.blobs.Delete(ctx, attachment.BlobKey); derr != nil {
				s.logger.Warnw("Failed to remove orphaned blob", "key", attachment.BlobKey, "error", derr)
			}
			continue
		}
		stored++
		metrics.AttachmentsStored.Inc()
	}

	if stored > 0 {
		err := s.store.UpdateEmailAttachmentInfo(ctx, email.ID, true, stored)
		metrics.RecordStorage("update_email", err)
		if err != nil {
			return "", 0, errors.StorageError("Failed to update attachment info", err)
		}
	}
	return email.ID, stored, nil
}

// ListEmails returns one page of a mailbox, newest first, each email with
// its attachments.
func (s *Service) ListEmails(ctx context.Context, address string, page pagination.Params) (*Mailbox, error) {
	address = mail.NormalizeAddress(address)
	emails, _, err := s.store.GetEmailsWithAttachments(ctx, address, page.Limit, page.Offset)
	if err != nil {
		return nil, mapError(err, "Mailbox", "list emails")
	}
	total, err := s.store.CountEmailsByRecipient(ctx, address)
	if err != nil {
		return nil, mapError(err, "Mailbox", "count emails")
	}
	return &Mailbox{
		Address: address,
		Emails:  emails,
		Total:   total,
		Page:    page.Page,
		Limit:   page.Limit,
		HasNext: page.HasNext(total),
	}, nil
}

// ListAttachments returns the attachments of one page of a mailbox, each
// stamped with its parent email.
func (s *Service) ListAttachments(ctx context.Context, address string, page pagination.Params) (*AttachmentList, error) {
	address = mail.NormalizeAddress(address)
	_, attachments, err := s.store.GetEmailsWithAttachments(ctx, address, page.Limit, page.Offset)
	if err != nil {
		return nil, mapError(err, "Mailbox", "list attachments")
	}
	return &AttachmentList{
		Address:     address,
		Attachments: attachments,
		Page:        page.Page,
		Limit:       page.Limit,
	}, nil
}

func (s *Service) GetEmail(ctx context.Context, id string) (*mail.Email, error) {
	email, err := s.store.GetEmailByID(ctx, id)
	if err != nil {
		return nil, mapError(err, "Email", "get email")
	}
	return email, nil
}

// GetEmailAttachments lists an email's attachments in creation order.
func (s *Service) GetEmailAttachments(ctx context.Context, id string) ([]mail.AttachmentSummary, error) {
	if _, err := s.store.GetEmailByID(ctx, id); err != nil {
		return nil, mapError(err, "Email", "get email")
	}
	attachments, err := s.store.GetAttachmentsByEmailID(ctx, id)
	if err != nil {
		return nil, mapError(err, "Email", "list attachments")
	}
	return attachments, nil
}

// GetAttachment returns an attachment's metadata and body.
func (s *Service) GetAttachment(ctx context.Context, id string) (*mail.Attachment, []byte, error) {
	attachment, err := s.store.GetAttachmentByID(ctx, id)
	if err != nil {
		return nil, nil, mapError(err, "Attachment", "get attachment")
	}
	data, err := s.blobs.Get(ctx, attachment.BlobKey)
	metrics.RecordStorage("get_blob", err)
	if err != nil {
		return nil, nil, mapError(err, "Attachment content", "read attachment")
	}
	return attachment, data, nil
}

// DeleteEmail removes an email, its attachment rows and their bodies.
func (s *Service) DeleteEmail(ctx context.Context, id string) error {
	if _, err := s.store.GetEmailByID(ctx, id); err != nil {
		return mapError(err, "Email", "get email")
	}
	keys, err := s.store.BlobKeysForEmail(ctx, id)
	if err != nil {
		return mapError(err, "Email", "list attachments")
	}
	s.deleteBlobs(ctx, keys)

	err = s.store.DeleteEmailByID(ctx, id)
	metrics.RecordStorage("delete_email", err)
	if err != nil {
		return mapError(err, "Email", "delete email")
	}
	return nil
}

// DeleteMailbox removes every email addressed to address.
func (s *Service) DeleteMailbox(ctx context.Context, address string) (int64, error) {
	address = mail.NormalizeAddress(address)
	keys, err := s.store.BlobKeysForRecipient(ctx, address)
	if err != nil {
		return 0, mapError(err, "Mailbox", "list attachments")
	}
	s.deleteBlobs(ctx, keys)

	deleted, err := s.store.DeleteEmailsByRecipient(ctx, address)
	metrics.RecordStorage("delete_mailbox", err)
	if err != nil {
		return 0, mapError(err, "Mailbox", "delete emails")
	}
	return deleted, nil
}

// Purge removes emails received before cutoff. Attachment bodies go first so
// a failed row delete leaves nothing unreachable.
func (s *Service) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	keys, err := s.store.BlobKeysOlderThan(ctx, cutoff)
	if err != nil {
		return 0, mapError(err, "Emails", "list expired attachments")
	}
	s.deleteBlobs(ctx, keys)

	deleted, err := s.store.DeleteOldEmails(ctx, cutoff)
	metrics.RecordStorage("purge", err)
	if err != nil {
		return 0, mapError(err, "Emails", "delete expired emails")
	}
	if deleted > 0 {
		s.logger.Infow("Purged expired emails", "count", deleted, "attachments", len(keys), "cutoff", cutoff)
	}
	return deleted, nil
}

func (s *Service) deleteBlobs(ctx context.Context, keys []string) {
	for _, key := range keys {
		err := s.blobs.Delete(ctx, key)
		metrics.RecordStorage("delete_blob", err)
		if err != nil {
			s.logger.Warnw("Failed to delete attachment body", "key", key, "error", err)
		}
	}
}

// TopSenders returns the ranked sending domains.
func (s *Service) TopSenders(ctx context.Context, limit int) []stats.SenderCount {
	return s.senders.TopSenders(ctx, limit)
}

// Domains returns the served domains.
func (s *Service) Domains() []string {
	out := make([]string, len(s.validator.Domains))
	copy(out, s.validator.Domains)
	return out
}

// NewAddress generates a mailbox on domain, or on any served domain.
func (s *Service) NewAddress(domain string) (string, error) {
	if domain != "" && !s.validator.ServesDomain(domain) {
		return "", errors.ValidationError("Domain is not served", map[string]string{"domain": domain})
	}
	addr, err := mail.NewAddress(s.validator.Domains, strings.TrimSpace(domain))
	if err != nil {
		return "", errors.UnavailableError(err.Error())
	}
	return addr, nil
}

func mapError(err error, resource, op string) error {
	switch {
	case stderrors.Is(err, store.ErrNotFound), stderrors.Is(err, storage.ErrNotFound):
		return errors.NotFoundError(resource + " not found")
	case stderrors.Is(err, mail.ErrMalformedRow):
		return errors.InternalError("Inconsistent mailbox data", err)
	default:
		return errors.StorageError("Failed to "+op, err)
	}
}
