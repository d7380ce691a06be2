package security

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Validation errors
var (
	ErrInvalidInput = errors.New("security: invalid input")
	ErrInputTooLong = errors.New("security: input exceeds maximum length")
	ErrNullByte     = errors.New("security: null byte in input")
	ErrInvalidUTF8  = errors.New("security: invalid UTF-8 encoding")
)

// TruncateRunes clips s to at most max runes. The clip never splits a
// rune; invalid UTF-8 sequences are removed first.
func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	seen := 0
	for i := range s {
		if seen == max {
			return s[:i]
		}
		seen++
	}
	return s
}

// SanitizeField prepares a report field for storage: null bytes and
// invalid UTF-8 are stripped, then the value is truncated to maxRunes.
// Oversized input is clipped, never rejected.
func SanitizeField(s string, maxRunes int) string {
	if strings.ContainsRune(s, 0) {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return TruncateRunes(s, maxRunes)
}

// ValidateUTF8 rejects strings that are not valid UTF-8 or that embed
// null bytes. Used on inputs that must arrive clean rather than be
// repaired, such as configured identifiers.
func ValidateUTF8(s string) error {
	if strings.ContainsRune(s, 0) {
		return ErrNullByte
	}
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	return nil
}

// DecodeKeyHex decodes a hex-encoded key and checks its strength.
func DecodeKeyHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: not valid hex: %v", ErrInvalidInput, err)
	}
	if err := ValidateKeyStrength(key); err != nil {
		return nil, err
	}
	return key, nil
}
