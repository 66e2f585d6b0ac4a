// Package smtpd receives mail for the served domains over SMTP and hands it
// to the inbox.
package smtpd

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/grumpyguvner/tempmail/internal/errors"
	"github.com/grumpyguvner/tempmail/internal/inbox"
	"github.com/grumpyguvner/tempmail/internal/logging"
	"github.com/grumpyguvner/tempmail/internal/mail"
	"github.com/grumpyguvner/tempmail/internal/metrics"
	"github.com/grumpyguvner/tempmail/internal/security"
	"github.com/grumpyguvner/tempmail/internal/validation"
	"go.uber.org/zap"
)

// Deliverer stores an accepted message.
type Deliverer interface {
	Deliver(ctx context.Context, env inbox.Envelope) (*inbox.Receipt, error)
}

type Config struct {
	Addr            string
	Hostname        string
	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	DeliveryTimeout time.Duration
}

var (
	errThrottled = &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 7, 0},
		Message:      "Too many connections, try again later",
	}
	errMailboxUnavailable = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "Mailbox unavailable",
	}
	errMessageTooLarge = &smtp.SMTPError{
		Code:         552,
		EnhancedCode: smtp.EnhancedCode{5, 3, 4},
		Message:      "Message too big",
	}
	errTemporary = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary storage failure, try again later",
	}
)

// Server wraps a go-smtp server.
type Server struct {
	smtp   *smtp.Server
	logger *zap.SugaredLogger
}

// New builds the SMTP server. throttle and limiter may be nil.
func New(cfg Config, deliverer Deliverer, validator *validation.EmailValidator, throttle *security.ConnectionThrottle, limiter *security.ConnectionLimiter) *Server {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	be := &backend{
		deliverer: deliverer,
		validator: validator,
		throttle:  throttle,
		limiter:   limiter,
		timeout:   cfg.DeliveryTimeout,
		logger:    logging.WithComponent("smtpd"),
	}

	server := smtp.NewServer(be)
	server.Addr = cfg.Addr
	server.Domain = cfg.Hostname
	server.ReadTimeout = cfg.ReadTimeout
	server.WriteTimeout = cfg.WriteTimeout
	server.MaxMessageBytes = cfg.MaxMessageBytes
	server.MaxRecipients = cfg.MaxRecipients

	return &Server{smtp: server, logger: be.logger}
}

// Serve accepts connections on l until the server is shut down.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Infow("SMTP server listening", "addr", l.Addr().String(), "hostname", s.smtp.Domain)
	return s.smtp.Serve(l)
}

// Shutdown stops accepting connections and waits for open sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.smtp.Shutdown(ctx)
}

type backend struct {
	deliverer Deliverer
	validator *validation.EmailValidator
	throttle  *security.ConnectionThrottle
	limiter   *security.ConnectionLimiter
	timeout   time.Duration
	logger    *zap.SugaredLogger
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return b.open(c.Conn().RemoteAddr().String())
}

// open admits a connection from remote or refuses it with a 421.
func (b *backend) open(remote string) (*session, error) {
	if b.throttle != nil && !b.throttle.Allow(remote) {
		metrics.SMTPSessions.WithLabelValues("throttled").Inc()
		return nil, errThrottled
	}
	if b.limiter != nil && !b.limiter.Accept(remote) {
		return nil, errThrottled
	}
	metrics.SMTPSessions.WithLabelValues("accepted").Inc()
	return &session{
		backend: b,
		remote:  remote,
		logger:  b.logger.With("remote", remote),
	}, nil
}

type session struct {
	backend  *backend
	remote   string
	from     string
	to       []string
	released bool
	logger   *zap.SugaredLogger
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	if opts != nil && opts.Size > 0 && s.backend.validator.ValidateSize(int(opts.Size)) != nil {
		return errMessageTooLarge
	}
	if err := s.backend.validator.ValidateSender(from); err != nil {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Sender rejected",
		}
	}
	s.from = strings.TrimSpace(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	addr := mail.NormalizeAddress(to)
	if err := s.backend.validator.ValidateRecipient(addr); err != nil {
		metrics.SMTPRecipientsRefused.WithLabelValues("domain").Inc()
		s.logger.Debugw("Refusing recipient", "recipient", to, "reason", err)
		return errMailboxUnavailable
	}
	s.to = append(s.to, addr)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		if stderrors.Is(err, smtp.ErrDataTooLarge) {
			return errMessageTooLarge
		}
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.timeout)
	defer cancel()

	receipt, err := s.backend.deliverer.Deliver(ctx, inbox.Envelope{
		From: s.from,
		To:   s.to,
		Raw:  raw,
	})
	if err != nil {
		s.logger.Warnw("Delivery failed", "from", s.from, "to", s.to, "error", err)
		return smtpError(err)
	}
	s.logger.Debugw("Message accepted", "from", s.from, "email_ids", receipt.EmailIDs)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	if !s.released && s.backend.limiter != nil {
		s.backend.limiter.Release(s.remote)
	}
	s.released = true
	return nil
}

// smtpError maps a delivery failure to the reply sent to the client.
func smtpError(err error) error {
	appErr, ok := errors.AsAppError(err)
	if !ok {
		return errTemporary
	}
	switch appErr.Type {
	case errors.ErrorTypeTooLarge:
		return errMessageTooLarge
	case errors.ErrorTypeValidation:
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      appErr.Message,
		}
	default:
		return errTemporary
	}
}
