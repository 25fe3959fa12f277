package sharelink

import (
	"errors"
	"fmt"
)

// Validation errors are caller-fixable and reported before any crypto work
// runs.
var (
	// ErrEmptyPayload indicates an attempt to share a payload that carries
	// nothing besides the version tag.
	ErrEmptyPayload = errors.New("share payload is empty: select at least one item to share")

	// ErrInvalidPassword indicates an empty share password. It is raised
	// before key derivation to avoid expensive and meaningless hashing.
	ErrInvalidPassword = errors.New("share password must not be empty")
)

// PayloadFormatError indicates that a decoded payload is structurally
// malformed (not valid JSON, or missing the version tag).
type PayloadFormatError struct {
	Reason string
	Cause  error
}

func (e *PayloadFormatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed share payload: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("malformed share payload: %s", e.Reason)
}

func (e *PayloadFormatError) Unwrap() error { return e.Cause }

// DecryptionAuthenticationError indicates that the authenticated cipher
// rejected the ciphertext. Wrong password, a corrupted link, and tampering
// are indistinguishable by design; the message suggests checking the
// password without claiming to know which one it was.
type DecryptionAuthenticationError struct {
	Cause error
}

func (e *DecryptionAuthenticationError) Error() string {
	return "could not decrypt share link: check your password, or the link may be corrupted"
}

func (e *DecryptionAuthenticationError) Unwrap() error { return e.Cause }

// IsDecryptionAuthenticationError reports whether err is (or wraps) a
// decryption authentication failure.
func IsDecryptionAuthenticationError(err error) bool {
	var target *DecryptionAuthenticationError
	return errors.As(err, &target)
}

// IsPayloadFormatError reports whether err is (or wraps) a payload format
// error.
func IsPayloadFormatError(err error) bool {
	var target *PayloadFormatError
	return errors.As(err, &target)
}
