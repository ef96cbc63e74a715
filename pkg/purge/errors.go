package purge

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDeclaration if a relationship declaration is malformed or
	// duplicated.
	ErrInvalidDeclaration = errors.New("invalid relationship declaration")

	// ErrPermanent marks a business-rule rejection during destroy. Permanent
	// failures are reported per batch and never retried.
	ErrPermanent = errors.New("permanent record error")

	// ErrUnknownRelationship if a durable batch references a relationship
	// that is no longer declared.
	ErrUnknownRelationship = errors.New("unknown relationship")
)

// Permanent wraps err so the destroyer stops retrying the record.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err carries the permanent marker.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
