// Package auth verifies DKIM signatures on received mail and renders the
// outcome as an Authentication-Results value stored with each email.
package auth

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/grumpyguvner/tempmail/internal/logging"
	"github.com/grumpyguvner/tempmail/internal/metrics"
	"go.uber.org/zap"
)

// maxVerifications caps the signatures checked per message.
const maxVerifications = 5

// DKIMVerifier handles DKIM signature verification
type DKIMVerifier struct {
	logger    *zap.SugaredLogger
	hostname  string
	lookupTXT func(domain string) ([]string, error)
}

// NewDKIMVerifier creates a verifier that stamps results with hostname as the
// authentication service id.
func NewDKIMVerifier(hostname string) *DKIMVerifier {
	return &DKIMVerifier{
		logger:   logging.WithComponent("dkim"),
		hostname: hostname,
	}
}

// WithLookupTXT replaces the DNS TXT resolver, mostly for tests.
func (v *DKIMVerifier) WithLookupTXT(lookup func(domain string) ([]string, error)) *DKIMVerifier {
	v.lookupTXT = lookup
	return v
}

// DKIMResult represents the result of DKIM verification
type DKIMResult struct {
	Result     authres.ResultValue
	Domain     string
	Identifier string
	Reason     string
}

// Verify checks every DKIM signature on message. A message without
// signatures yields a single "none" result. Only an unreadable message is an
// error.
func (v *DKIMVerifier) Verify(ctx context.Context, message []byte) ([]*DKIMResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(message), &dkim.VerifyOptions{
		LookupTXT:        v.lookupTXT,
		MaxVerifications: maxVerifications,
	})
	if err != nil {
		metrics.DKIMResults.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("DKIM verification failed: %w", err)
	}

	if len(verifications) == 0 {
		metrics.DKIMResults.WithLabelValues(string(authres.ResultNone)).Inc()
		return []*DKIMResult{{
			Result: authres.ResultNone,
			Reason: "no signature",
		}}, nil
	}

	results := make([]*DKIMResult, 0, len(verifications))
	for _, verification := range verifications {
		result := &DKIMResult{
			Domain:     verification.Domain,
			Identifier: verification.Identifier,
		}

		switch {
		case verification.Err == nil:
			result.Result = authres.ResultPass
		case dkim.IsTempFail(verification.Err):
			result.Result = authres.ResultTempError
			result.Reason = verification.Err.Error()
		case dkim.IsPermFail(verification.Err):
			result.Result = authres.ResultPermError
			result.Reason = verification.Err.Error()
		default:
			result.Result = authres.ResultFail
			result.Reason = verification.Err.Error()
		}

		metrics.DKIMResults.WithLabelValues(string(result.Result)).Inc()
		v.logger.Debugw("DKIM verification", "domain", result.Domain, "result", result.Result, "reason", result.Reason)
		results = append(results, result)
	}

	return results, nil
}

// AuthenticationResults verifies message and formats the outcome. Verification
// problems are folded into the returned value rather than failing delivery.
func (v *DKIMVerifier) AuthenticationResults(ctx context.Context, message []byte) string {
	results, err := v.Verify(ctx, message)
	if err != nil {
		v.logger.Warnw("DKIM verification error", "error", err)
		results = []*DKIMResult{{Result: authres.ResultTempError, Reason: "unreadable message"}}
	}
	return FormatDKIMResults(v.hostname, results)
}

// FormatDKIMResults renders results as an Authentication-Results header value
func FormatDKIMResults(hostname string, results []*DKIMResult) string {
	formatted := make([]authres.Result, 0, len(results))
	for _, r := range results {
		formatted = append(formatted, &authres.DKIMResult{
			Value:      r.Result,
			Reason:     r.Reason,
			Domain:     r.Domain,
			Identifier: r.Identifier,
		})
	}
	return authres.Format(hostname, formatted)
}
