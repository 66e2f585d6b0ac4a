package smtpd

import (
	"context"
	stderrors "errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/grumpyguvner/tempmail/internal/errors"
	"github.com/grumpyguvner/tempmail/internal/inbox"
	"github.com/grumpyguvner/tempmail/internal/security"
	"github.com/grumpyguvner/tempmail/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDeliverer struct {
	mu        sync.Mutex
	envelopes []inbox.Envelope
	err       error
}

func (f *fakeDeliverer) Deliver(_ context.Context, env inbox.Envelope) (*inbox.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.envelopes = append(f.envelopes, env)
	return &inbox.Receipt{EmailIDs: []string{"id-1"}, Recipients: env.To}, nil
}

func (f *fakeDeliverer) delivered() []inbox.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inbox.Envelope(nil), f.envelopes...)
}

func zapNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func newTestBackend(deliverer Deliverer, limiter *security.ConnectionLimiter) *backend {
	return &backend{
		deliverer: deliverer,
		validator: validation.NewEmailValidator([]string{"tempmail.test"}, 1024, []string{"blocked.example"}),
		limiter:   limiter,
		timeout:   time.Second,
		logger:    zapNop(),
	}
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *smtp.SMTPError
	require.True(t, stderrors.As(err, &smtpErr), "expected SMTPError, got %v", err)
	return smtpErr.Code
}

func TestSession_AcceptsServedRecipients(t *testing.T) {
	deliverer := &fakeDeliverer{}
	be := newTestBackend(deliverer, nil)

	s, err := be.open("192.0.2.1:2525")
	require.NoError(t, err)

	require.NoError(t, s.Mail("alice@sender.example", nil))
	require.NoError(t, s.Rcpt("Box@TempMail.test", nil))
	assert.Equal(t, 550, smtpCode(t, s.Rcpt("box@elsewhere.example", nil)))
	require.NoError(t, s.Data(strings.NewReader("Subject: hi\r\n\r\nbody\r\n")))

	delivered := deliverer.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, "alice@sender.example", delivered[0].From)
	assert.Equal(t, []string{"box@tempmail.test"}, delivered[0].To)
	assert.Contains(t, string(delivered[0].Raw), "body")
}

func TestSession_Reset(t *testing.T) {
	be := newTestBackend(&fakeDeliverer{}, nil)
	s, err := be.open("192.0.2.1:2525")
	require.NoError(t, err)

	require.NoError(t, s.Mail("alice@sender.example", nil))
	require.NoError(t, s.Rcpt("box@tempmail.test", nil))
	s.Reset()
	assert.Empty(t, s.from)
	assert.Empty(t, s.to)
}

func TestSession_MailRejections(t *testing.T) {
	be := newTestBackend(&fakeDeliverer{}, nil)
	s, err := be.open("192.0.2.1:2525")
	require.NoError(t, err)

	assert.Equal(t, 550, smtpCode(t, s.Mail("spam@blocked.example", nil)))
	assert.Equal(t, 552, smtpCode(t, s.Mail("alice@sender.example", &smtp.MailOptions{Size: 4096})))
	assert.NoError(t, s.Mail("", nil))
}

func TestSession_DeliveryErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", errors.ValidationError("No deliverable recipients", nil), 554},
		{"too large", errors.TooLargeError("too big", nil), 552},
		{"storage", errors.StorageError("Failed to store email", stderrors.New("disk")), 451},
		{"plain error", stderrors.New("boom"), 451},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := newTestBackend(&fakeDeliverer{err: tt.err}, nil)
			s, err := be.open("192.0.2.1:2525")
			require.NoError(t, err)
			require.NoError(t, s.Rcpt("box@tempmail.test", nil))
			assert.Equal(t, tt.code, smtpCode(t, s.Data(strings.NewReader("x"))))
		})
	}
}

func TestBackend_LimiterAdmission(t *testing.T) {
	limiter := security.NewConnectionLimiter(1, 0)
	be := newTestBackend(&fakeDeliverer{}, limiter)

	first, err := be.open("192.0.2.1:1000")
	require.NoError(t, err)

	_, err = be.open("192.0.2.1:1001")
	assert.Equal(t, 421, smtpCode(t, err))

	_, err = be.open("192.0.2.2:1000")
	require.NoError(t, err)

	require.NoError(t, first.Logout())
	require.NoError(t, first.Logout())
	assert.Equal(t, 1, limiter.GetConnectionStats().TotalConnections)

	_, err = be.open("192.0.2.1:1002")
	assert.NoError(t, err)
}

func TestBackend_ThrottleAdmission(t *testing.T) {
	throttle := security.NewConnectionThrottle(100, 0.5)
	t.Cleanup(throttle.Close)
	be := newTestBackend(&fakeDeliverer{}, nil)
	be.throttle = throttle

	_, err := be.open("198.51.100.7:1")
	require.NoError(t, err)
	_, err = be.open("198.51.100.7:2")
	assert.Equal(t, 421, smtpCode(t, err))
}

func TestServer_EndToEnd(t *testing.T) {
	deliverer := &fakeDeliverer{}
	validator := validation.NewEmailValidator([]string{"tempmail.test"}, 1<<20, nil)
	server := New(Config{Hostname: "mx.tempmail.test", MaxMessageBytes: 1 << 20, MaxRecipients: 10}, deliverer, validator, nil, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	c, err := smtp.Dial(l.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("client.test"))
	require.NoError(t, c.Mail("alice@sender.example", nil))
	require.NoError(t, c.Rcpt("box@tempmail.test", nil))
	assert.Error(t, c.Rcpt("box@gmail.com", nil))

	w, err := c.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte("From: alice@sender.example\r\nSubject: e2e\r\n\r\nhello\r\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())

	delivered := deliverer.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, []string{"box@tempmail.test"}, delivered[0].To)
	assert.Contains(t, string(delivered[0].Raw), "Subject: e2e")
}
