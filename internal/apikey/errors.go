package apikey

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidFormat means the raw key failed surface-syntax validation.
	// It never reveals whether a similar key exists.
	ErrInvalidFormat = errors.New("invalid key format")

	// ErrNotFound means no stored hash matched. A stored-hash mismatch on
	// the redundant constant-time compare maps here too, so the two cases
	// are indistinguishable to the caller.
	ErrNotFound = errors.New("key not found")

	ErrInactive = errors.New("key is inactive")
	ErrExpired  = errors.New("key has expired")

	// ErrInvalidInput is returned for empty input to Hash.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidLength is returned when issuance is asked for an
	// out-of-range random byte count.
	ErrInvalidLength = errors.New("invalid key length")

	// ErrPersistence wraps storage-layer failures. The underlying detail
	// is logged server-side, never surfaced to callers.
	ErrPersistence = errors.New("storage failure")
)

// RevokedError carries the stored revocation reason.
type RevokedError struct {
	Reason string
}

func (e *RevokedError) Error() string {
	if e.Reason == "" {
		return "key has been revoked"
	}
	return "key has been revoked: " + e.Reason
}

// ErrRevoked is the errors.Is target for revocation failures.
var ErrRevoked = errors.New("key has been revoked")

func (e *RevokedError) Is(target error) bool { return target == ErrRevoked }

// InvalidScopesError names the offending scope strings on create/update.
type InvalidScopesError struct {
	Scopes []string
}

func (e *InvalidScopesError) Error() string {
	return fmt.Sprintf("invalid scopes: %s", strings.Join(e.Scopes, ", "))
}

// ErrInvalidScopes is the errors.Is target for scope validation failures.
var ErrInvalidScopes = errors.New("invalid scopes")

func (e *InvalidScopesError) Is(target error) bool { return target == ErrInvalidScopes }

// Wire-level failure reasons. These are the only strings that distinguish
// auth failures in responses; the response shape is otherwise uniform.
const (
	ReasonMissingAuth        = "missing_auth"
	ReasonInvalidFormat      = "invalid_format"
	ReasonNotFound           = "not_found"
	ReasonInactive           = "inactive"
	ReasonRevoked            = "revoked"
	ReasonExpired            = "expired"
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonInsufficientScope  = "insufficient_scope"
	ReasonAuthError          = "auth_error"
)

// Reason maps a validation error to its wire reason code. Persistence
// failures fail closed as a generic auth error.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidFormat):
		return ReasonInvalidFormat
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrRevoked):
		return ReasonRevoked
	case errors.Is(err, ErrInactive):
		return ReasonInactive
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	default:
		return ReasonAuthError
	}
}
