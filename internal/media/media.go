// Package media resolves attachment keys sent with chat messages into
// attachments that recipients can download.
package media

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/pulse/pkg/models"
)

var (
	// ErrObjectNotFound is returned when a key does not exist in the blob store.
	ErrObjectNotFound = errors.New("media object not found")

	// ErrTooManyAttachments is returned when a message carries more keys than allowed.
	ErrTooManyAttachments = errors.New("too many attachments")

	// ErrInvalidKey is returned for empty or path-escaping keys.
	ErrInvalidKey = errors.New("invalid media key")
)

// Resolver turns client-supplied media keys into attachments.
type Resolver interface {
	Resolve(ctx context.Context, keys []string) ([]models.Attachment, error)
}

// ValidateKeys checks the key list shape before any blob store call.
func ValidateKeys(keys []string, max int) error {
	if max > 0 && len(keys) > max {
		return ErrTooManyAttachments
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if !validKey(k) {
			return ErrInvalidKey
		}
		if _, dup := seen[k]; dup {
			return ErrInvalidKey
		}
		seen[k] = struct{}{}
	}
	return nil
}

func validKey(k string) bool {
	if strings.TrimSpace(k) == "" || len(k) > 1024 {
		return false
	}
	if strings.HasPrefix(k, "/") || strings.Contains(k, "\\") {
		return false
	}
	for _, part := range strings.Split(k, "/") {
		if part == ".." || part == "." {
			return false
		}
	}
	return true
}
