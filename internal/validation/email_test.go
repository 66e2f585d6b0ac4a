package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewEmailValidator(t *testing.T) {
	validator := NewEmailValidator([]string{" TempMail.Test ", ""}, 0, nil)
	assert.NotNil(t, validator)
	assert.Equal(t, DefaultMaxSize, validator.MaxSize)
	assert.Equal(t, []string{"tempmail.test"}, validator.Domains)
	assert.Empty(t, validator.BlockedDomains)
}

func TestEmailValidator_ValidateRecipient(t *testing.T) {
	validator := NewEmailValidator([]string{"tempmail.test", "drop.example"}, 0, nil)

	tests := []struct {
		name    string
		address string
		wantErr bool
		errMsg  string
	}{
		{"served domain", "box@tempmail.test", false, ""},
		{"case insensitive domain", "box@TempMail.TEST", false, ""},
		{"second domain", "x1@drop.example", false, ""},
		{"empty", "", true, "recipient address cannot be empty"},
		{"no at sign", "not-an-email", true, "invalid recipient email"},
		{"foreign domain", "box@gmail.com", true, "not served here"},
		{"empty domain", "box@", true, "empty domain"},
		{"single label domain", "box@localhost", true, "at least two labels"},
		{"hyphen label", "box@-bad.test", true, "hyphen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateRecipient(tt.address)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEmailValidator_ValidateSender(t *testing.T) {
	validator := NewEmailValidator(nil, 0, []string{"spam.com"})

	assert.NoError(t, validator.ValidateSender(""))
	assert.NoError(t, validator.ValidateSender("garbage"))
	assert.NoError(t, validator.ValidateSender("someone@example.com"))
	assert.NoError(t, validator.ValidateSender("someone@notspam.com"))

	err := validator.ValidateSender("bulk@spam.com")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sender domain spam.com is blocked")

	assert.Error(t, validator.ValidateSender("bulk@mx.SPAM.com"))
}

func TestEmailValidator_ValidateSize(t *testing.T) {
	validator := NewEmailValidator(nil, 100, nil)

	assert.NoError(t, validator.ValidateSize(100))
	err := validator.ValidateSize(len(strings.Repeat("x", 101)))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum allowed size")
}

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		domain  string
		wantErr bool
	}{
		{"example.com", false},
		{"sub.example.co.uk", false},
		{"example", true},
		{"exa mple.com", true},
		{"example..com", true},
		{strings.Repeat("a", 64) + ".com", true},
		{strings.Repeat("a.", 130) + "com", true},
		{"example-.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			err := ValidateDomain(tt.domain)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
