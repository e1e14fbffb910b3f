package suppression

import "errors"

// Sentinel errors for the suppression service layer.
var (
	ErrInvalidToken = errors.New("invalid or expired unsubscribe link")
	ErrNoPhones     = errors.New("at least one valid phone number is required")
)
