// Package store persists emails and attachment metadata in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/grumpyguvner/tempmail/internal/mail"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up or deleted row does not exist.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. An empty path, ":memory:"
// or a mode=memory DSN gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}

	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// DB exposes the handle so the counter store can share the database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS emails (
            id TEXT PRIMARY KEY,
            from_address TEXT NOT NULL,
            to_address TEXT NOT NULL,
            subject TEXT NOT NULL DEFAULT '',
            received_at INTEGER NOT NULL,
            html_content TEXT,
            text_content TEXT,
            has_attachments INTEGER NOT NULL DEFAULT 0,
            attachment_count INTEGER NOT NULL DEFAULT 0,
            auth_results TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS attachments (
            id TEXT PRIMARY KEY,
            email_id TEXT NOT NULL,
            filename TEXT NOT NULL,
            content_type TEXT NOT NULL,
            size INTEGER NOT NULL,
            blob_key TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            FOREIGN KEY(email_id) REFERENCES emails(id) ON DELETE CASCADE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_emails_to_received ON emails(to_address, received_at);`,
		`CREATE INDEX IF NOT EXISTS idx_emails_received ON emails(received_at);`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_email ON attachments(email_id, created_at);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) InsertEmail(ctx context.Context, email mail.Email) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO emails
        (id, from_address, to_address, subject, received_at, html_content, text_content, has_attachments, attachment_count, auth_results)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		email.ID,
		email.FromAddress,
		email.ToAddress,
		email.Subject,
		email.ReceivedAt.UnixMilli(),
		email.HTMLContent,
		email.TextContent,
		email.HasAttachments,
		email.AttachmentCount,
		email.AuthResults,
	)
	if err != nil {
		return fmt.Errorf("insert email: %w", err)
	}
	return nil
}

func (s *Store) InsertAttachment(ctx context.Context, attachment mail.Attachment) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO attachments
        (id, email_id, filename, content_type, size, blob_key, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?);`,
		attachment.ID,
		attachment.EmailID,
		attachment.Filename,
		attachment.ContentType,
		attachment.Size,
		attachment.BlobKey,
		attachment.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *Store) UpdateEmailAttachmentInfo(ctx context.Context, emailID string, hasAttachments bool, count int) error {
	result, err := s.db.ExecContext(ctx, `UPDATE emails SET has_attachments = ?, attachment_count = ? WHERE id = ?;`,
		hasAttachments, count, emailID)
	if err != nil {
		return fmt.Errorf("update attachment info: %w", err)
	}
	return requireAffected(result, "update attachment info")
}

func (s *Store) GetEmailsByRecipient(ctx context.Context, address string, limit, offset int) ([]mail.EmailSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, from_address, to_address, subject, received_at, has_attachments, attachment_count
        FROM emails
        WHERE to_address = ?
        ORDER BY received_at DESC, id DESC
        LIMIT ? OFFSET ?;`, address, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}
	defer rows.Close()

	emails := make([]mail.EmailSummary, 0)
	for rows.Next() {
		var e mail.EmailSummary
		var receivedAt int64
		if err := rows.Scan(&e.ID, &e.FromAddress, &e.ToAddress, &e.Subject, &receivedAt, &e.HasAttachments, &e.AttachmentCount); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		e.ReceivedAt = fromMillis(receivedAt)
		emails = append(emails, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}
	return emails, nil
}

func (s *Store) CountEmailsByRecipient(ctx context.Context, address string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM emails WHERE to_address = ?;`, address).Scan(&count); err != nil {
		return 0, fmt.Errorf("count emails: %w", err)
	}
	return count, nil
}

func (s *Store) GetEmailByID(ctx context.Context, id string) (*mail.Email, error) {
	var e mail.Email
	var receivedAt int64
	var html, text, authResults sql.NullString

	err := s.db.QueryRowContext(ctx, `SELECT id, from_address, to_address, subject, received_at, html_content, text_content, has_attachments, attachment_count, auth_results
        FROM emails WHERE id = ?;`, id).Scan(
		&e.ID, &e.FromAddress, &e.ToAddress, &e.Subject, &receivedAt,
		&html, &text, &e.HasAttachments, &e.AttachmentCount, &authResults,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get email: %w", err)
	}

	e.ReceivedAt = fromMillis(receivedAt)
	e.HTMLContent = html.String
	e.TextContent = text.String
	e.AuthResults = authResults.String
	return &e, nil
}

func (s *Store) DeleteEmailByID(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM emails WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete email: %w", err)
	}
	return requireAffected(result, "delete email")
}

func (s *Store) DeleteEmailsByRecipient(ctx context.Context, address string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM emails WHERE to_address = ?;`, address)
	if err != nil {
		return 0, fmt.Errorf("delete mailbox: %w", err)
	}
	return result.RowsAffected()
}

// DeleteOldEmails removes every email received before cutoff. Attachment rows
// go with them through the foreign key.
func (s *Store) DeleteOldEmails(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM emails WHERE received_at < ?;`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old emails: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) GetAttachmentsByEmailID(ctx context.Context, emailID string) ([]mail.AttachmentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, filename, content_type, size, created_at
        FROM attachments
        WHERE email_id = ?
        ORDER BY created_at ASC, rowid ASC;`, emailID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	attachments := make([]mail.AttachmentSummary, 0)
	for rows.Next() {
		var a mail.AttachmentSummary
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.Filename, &a.ContentType, &a.Size, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		a.CreatedAt = fromMillis(createdAt)
		attachments = append(attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return attachments, nil
}

func (s *Store) GetAttachmentByID(ctx context.Context, id string) (*mail.Attachment, error) {
	var a mail.Attachment
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `SELECT id, email_id, filename, content_type, size, blob_key, created_at
        FROM attachments WHERE id = ?;`, id).Scan(
		&a.ID, &a.EmailID, &a.Filename, &a.ContentType, &a.Size, &a.BlobKey, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

func (s *Store) DeleteAttachmentByID(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return requireAffected(result, "delete attachment")
}

// BlobKeysForEmail lists the blob keys of one email's attachments.
func (s *Store) BlobKeysForEmail(ctx context.Context, emailID string) ([]string, error) {
	return s.blobKeys(ctx, `SELECT blob_key FROM attachments WHERE email_id = ?;`, emailID)
}

// BlobKeysForRecipient lists the blob keys of every attachment in a mailbox.
func (s *Store) BlobKeysForRecipient(ctx context.Context, address string) ([]string, error) {
	return s.blobKeys(ctx, `SELECT a.blob_key FROM attachments a
        JOIN emails e ON e.id = a.email_id
        WHERE e.to_address = ?;`, address)
}

// BlobKeysOlderThan lists the blob keys of attachments whose email would be
// removed by DeleteOldEmails(cutoff).
func (s *Store) BlobKeysOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.blobKeys(ctx, `SELECT a.blob_key FROM attachments a
        JOIN emails e ON e.id = a.email_id
        WHERE e.received_at < ?;`, cutoff.UnixMilli())
}

func (s *Store) blobKeys(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list blob keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan blob key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list blob keys: %w", err)
	}
	return keys, nil
}

// GetEmailsWithAttachments loads one page of a mailbox together with every
// attachment of the emails on that page. limit and offset count emails, not
// join rows.
func (s *Store) GetEmailsWithAttachments(ctx context.Context, address string, limit, offset int) ([]mail.EmailAggregate, []mail.AttachmentWithContext, error) {
	rows, err := s.GetJoinRows(ctx, address, limit, offset)
	if err != nil {
		return nil, nil, err
	}
	emails, attachments, err := mail.Materialize(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("materialize mailbox %s: %w", address, err)
	}
	return emails, attachments, nil
}

// GetJoinRows runs the emails LEFT JOIN attachments query for one page of a
// mailbox, newest email first and attachments in creation order.
func (s *Store) GetJoinRows(ctx context.Context, address string, limit, offset int) ([]mail.JoinRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
            e.id, e.from_address, e.to_address, e.subject, e.received_at,
            e.has_attachments, e.attachment_count,
            a.id, a.filename, a.content_type, a.size, a.created_at
        FROM (
            SELECT id, from_address, to_address, subject, received_at, has_attachments, attachment_count
            FROM emails
            WHERE to_address = ?
            ORDER BY received_at DESC, id DESC
            LIMIT ? OFFSET ?
        ) e
        LEFT JOIN attachments a ON a.email_id = e.id
        ORDER BY e.received_at DESC, e.id DESC, a.created_at ASC, a.rowid ASC;`, address, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query mailbox %s: %w", address, err)
	}
	defer rows.Close()

	joined := make([]mail.JoinRow, 0)
	for rows.Next() {
		var r mail.JoinRow
		var receivedAt int64
		if err := rows.Scan(
			&r.EmailID, &r.FromAddress, &r.ToAddress, &r.Subject, &receivedAt,
			&r.HasAttachments, &r.AttachmentCount,
			&r.AttachmentID, &r.Filename, &r.ContentType, &r.Size, &r.AttCreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan mailbox row: %w", err)
		}
		r.ReceivedAt = fromMillis(receivedAt)
		joined = append(joined, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query mailbox %s: %w", address, err)
	}
	return joined, nil
}

func requireAffected(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
