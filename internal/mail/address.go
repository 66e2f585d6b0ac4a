package mail

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	localPartAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	localPartLength   = 10
)

// Domain returns the text after the last '@'. ok is false when there is no
// '@' or nothing follows it. Case is preserved.
func Domain(address string) (domain string, ok bool) {
	idx := strings.LastIndex(address, "@")
	if idx < 0 || idx == len(address)-1 {
		return "", false
	}
	return address[idx+1:], true
}

// NormalizeAddress lower-cases and trims an address for mailbox lookups.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// NewAddress generates a random mailbox on domain, or on a random entry of
// domains when domain is empty.
func NewAddress(domains []string, domain string) (string, error) {
	if domain == "" {
		if len(domains) == 0 {
			return "", fmt.Errorf("no domains configured")
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(domains))))
		if err != nil {
			return "", fmt.Errorf("failed to pick domain: %w", err)
		}
		domain = domains[n.Int64()]
	}

	local, err := randomLocalPart(localPartLength)
	if err != nil {
		return "", err
	}
	return local + "@" + strings.ToLower(domain), nil
}

func randomLocalPart(n int) (string, error) {
	max := big.NewInt(int64(len(localPartAlphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate local part: %w", err)
		}
		b.WriteByte(localPartAlphabet[idx.Int64()])
	}
	return b.String(), nil
}
