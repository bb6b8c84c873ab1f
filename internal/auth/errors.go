package auth

import "errors"

// Sentinel errors for the auth flows. The messages are part of the client
// contract: they are returned verbatim in the response body, and the HTTP
// layer maps messages mentioning invalid or expired credentials to 401.
// Authentication failures stay generic so callers cannot enumerate accounts
// or distinguish which verification step failed.
var (
	ErrInvalidCredentials  = errors.New("Invalid email or password")
	ErrInvalidRefreshToken = errors.New("Invalid or expired refresh token")
	ErrInvalidAccessToken  = errors.New("Invalid or expired access token")
	ErrOtpChallengeInvalid = errors.New("This verification code is invalid or expired")
	ErrOtpCodeInvalid      = errors.New("Invalid verification code")
	ErrOtpLockedOut        = errors.New("Too many invalid attempts")
	ErrOAuthRejected       = errors.New("Invalid OAuth credentials")
	ErrEmailTaken          = errors.New("An account with this email already exists")
	ErrRateLimited         = errors.New("Too many requests. Please try again shortly.")
)

// ValidationError reports malformed input. It fails fast, before any side
// effect, and its message is safe to return to the caller.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationError(message string) error {
	return &ValidationError{Message: message}
}
