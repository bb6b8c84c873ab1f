package auth

import (
	"net/mail"
	"strings"
	"unicode"
)

const (
	minPasswordLength = 10
	maxPasswordLength = 128
	otpCodeLength     = 6
)

// normalizeEmail trims, validates, and lowercases an email address. All
// email comparisons in the system happen on the normalized form.
func normalizeEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", validationError("Email is required")
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", validationError("Email is invalid")
	}
	return strings.ToLower(trimmed), nil
}

// validatePassword enforces the registration password policy. Login does not
// call this; existing credentials are checked as-is.
func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return validationError("Password must be at least 10 characters")
	}
	if len(password) > maxPasswordLength {
		return validationError("Password is too long")
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	switch {
	case !hasUpper:
		return validationError("Password must include an uppercase letter")
	case !hasLower:
		return validationError("Password must include a lowercase letter")
	case !hasDigit:
		return validationError("Password must include a number")
	case !hasSymbol:
		return validationError("Password must include a symbol")
	}
	return nil
}

// validateOtpCode checks the shape of a submitted login code. Whether the
// code is correct is decided against the stored hash, never here.
func validateOtpCode(code string) error {
	if len(code) != otpCodeLength {
		return validationError("Verification code must be 6 digits")
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return validationError("Verification code must be 6 digits")
		}
	}
	return nil
}
