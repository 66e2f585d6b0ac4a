// Package validation checks addresses, domains and message sizes on the
// inbound path.
package validation

import (
	"fmt"
	"net/mail"
	"strings"
)

// DefaultMaxSize is the largest accepted raw message.
const DefaultMaxSize int64 = 26214400 // 25MB

// EmailValidator validates inbound envelopes against the served domains
type EmailValidator struct {
	MaxSize        int64
	Domains        []string
	BlockedDomains []string
}

// NewEmailValidator creates a validator accepting mail for domains
func NewEmailValidator(domains []string, maxSize int64, blocked []string) *EmailValidator {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &EmailValidator{
		MaxSize:        maxSize,
		Domains:        lowerAll(domains),
		BlockedDomains: lowerAll(blocked),
	}
}

// ValidateRecipient checks that address is a well-formed mailbox on one of
// the served domains.
func (v *EmailValidator) ValidateRecipient(address string) error {
	local, domain, err := splitAddress(address, "recipient")
	if err != nil {
		return err
	}
	if local == "" {
		return fmt.Errorf("empty local part in recipient address: %s", address)
	}
	if !v.ServesDomain(domain) {
		return fmt.Errorf("recipient domain %s is not served here", domain)
	}
	return nil
}

// ValidateSender refuses blocked sender domains. Empty or malformed senders
// pass; they are recorded under a catch-all counter.
func (v *EmailValidator) ValidateSender(address string) error {
	idx := strings.LastIndex(address, "@")
	if idx < 0 {
		return nil
	}
	domain := strings.ToLower(address[idx+1:])
	for _, blocked := range v.BlockedDomains {
		if domain == blocked || strings.HasSuffix(domain, "."+blocked) {
			return fmt.Errorf("sender domain %s is blocked", domain)
		}
	}
	return nil
}

// ValidateSize rejects messages above MaxSize
func (v *EmailValidator) ValidateSize(size int) error {
	if int64(size) > v.MaxSize {
		return fmt.Errorf("email size %d exceeds maximum allowed size %d", size, v.MaxSize)
	}
	return nil
}

// ServesDomain reports whether mail for domain is accepted
func (v *EmailValidator) ServesDomain(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	for _, d := range v.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

func splitAddress(address, field string) (local, domain string, err error) {
	if address == "" {
		return "", "", fmt.Errorf("%s address cannot be empty", field)
	}

	// Parse the email address
	addr, err := mail.ParseAddress(address)
	if err != nil {
		// Try without display name
		if !strings.Contains(address, "@") {
			return "", "", fmt.Errorf("invalid %s email address: %s", field, address)
		}
		addr = &mail.Address{Address: address}
	}

	parts := strings.Split(addr.Address, "@")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid %s email format: %s", field, address)
	}

	if parts[1] == "" {
		return "", "", fmt.Errorf("empty domain in %s address: %s", field, address)
	}
	if err := ValidateDomain(parts[1]); err != nil {
		return "", "", fmt.Errorf("invalid domain in %s address %s: %w", field, address, err)
	}

	return parts[0], parts[1], nil
}

// ValidateDomain validates a domain name
func ValidateDomain(domain string) error {
	if strings.ContainsAny(domain, " \t\n\r") {
		return fmt.Errorf("domain contains whitespace: %s", domain)
	}

	if len(domain) > 253 {
		return fmt.Errorf("domain too long: %s", domain)
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return fmt.Errorf("domain must have at least two labels: %s", domain)
	}

	for _, label := range labels {
		if len(label) == 0 {
			return fmt.Errorf("empty label in domain: %s", domain)
		}
		if len(label) > 63 {
			return fmt.Errorf("label too long in domain: %s", domain)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("label cannot start or end with hyphen: %s", domain)
		}
	}

	return nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
