// Package phone normalizes WhatsApp addresses for comparison and storage.
package phone

import (
	"fmt"
	"regexp"
	"strings"

	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
)

const WhatsAppPrefix = "whatsapp:"

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// StripPrefix removes a leading "whatsapp:" regardless of case.
func StripPrefix(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= len(WhatsAppPrefix) && strings.EqualFold(s[:len(WhatsAppPrefix)], WhatsAppPrefix) {
		return s[len(WhatsAppPrefix):]
	}
	return s
}

// WithPrefix returns the transport-prefixed form of an un-prefixed number.
func WithPrefix(number string) string {
	return WhatsAppPrefix + StripPrefix(number)
}

func IsE164(number string) bool {
	return e164.MatchString(number)
}

// NormalizeE164 strips the prefix and requires the rest to be E.164.
func NormalizeE164(raw string) (string, error) {
	n := StripPrefix(raw)
	if !IsE164(n) {
		return "", fmt.Errorf("%w: not E.164", appErrors.ErrInvalidPhone)
	}
	return n, nil
}

// OptOutKey is the storage key for opt-out rows. canonical is false when the
// number failed E.164 validation and the stripped form was used instead.
func OptOutKey(raw string) (key string, canonical bool) {
	if n, err := NormalizeE164(raw); err == nil {
		return n, true
	}
	return StripPrefix(raw), false
}

// Same reports whether two addresses refer to the same number once prefixes are removed.
func Same(a, b string) bool {
	return StripPrefix(a) == StripPrefix(b)
}
