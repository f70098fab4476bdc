// Package vmname normalizes controller-issued VM names to the form the
// downstream cloud accepts: lower-case, hyphen-separated, DNS-label length.
package vmname

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxLength is the longest normalized VM name the cloud driver accepts.
const MaxLength = 54

// ErrTooLong is wrapped into a *TooLongError; callers that only need the
// sentinel can compare with errors.Is.
var ErrTooLong = errors.New("vm name too long")

// TooLongError reports a normalized name exceeding MaxLength, carrying the
// offending name for logging.
type TooLongError struct {
	Name string
}

func (e *TooLongError) Error() string {
	return fmt.Sprintf("vm name %q exceeds %d characters", e.Name, MaxLength)
}

func (e *TooLongError) Unwrap() error {
	return ErrTooLong
}

// Normalize lower-cases name and replaces underscores with hyphens,
// rejecting the result if it exceeds MaxLength.
func Normalize(name string) (string, error) {
	normalized := strings.ToLower(strings.ReplaceAll(name, "_", "-"))
	if len(normalized) > MaxLength {
		return "", &TooLongError{Name: normalized}
	}
	return normalized, nil
}

// Fresh builds a normalized VM name for a profile's queue: the first 10
// characters of the queue name, a hyphen, and a fresh UUID.
func Fresh(queueName string) (string, error) {
	prefix := queueName
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}
	candidate := fmt.Sprintf("%s-%s", prefix, uuid.New().String())
	return Normalize(candidate)
}
