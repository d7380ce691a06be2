package security

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key sizes in bytes.
const (
	MinKeySize         = 16
	RecommendedKeySize = 32
)

var (
	ErrInsufficientEntropy = errors.New("security: entropy source failed")
	ErrWeakKey             = errors.New("security: key too weak")
	ErrInvalidKeySize      = errors.New("security: bad key size")
)

// GenerateKey returns size cryptographically random bytes.
func GenerateKey(size int) ([]byte, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidKeySize, size, MinKeySize)
	}
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return key, nil
}

// GenerateKeyHex returns a fresh key hex-encoded, the form the
// configuration file carries.
func GenerateKeyHex(size int) (string, error) {
	key, err := GenerateKey(size)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// DeriveKey expands masterKey into a subkey via HKDF-SHA256.
func DeriveKey(masterKey, salt, info []byte, size int) ([]byte, error) {
	if len(masterKey) < MinKeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, need at least %d",
			ErrWeakKey, len(masterKey), MinKeySize)
	}
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidKeySize, size, MinKeySize)
	}

	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, salt, info), out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}

// DeriveKeyWithLabel derives a subkey under a domain separation label, so
// keys for different purposes never collide even off one master key.
func DeriveKeyWithLabel(masterKey []byte, label string, size int) ([]byte, error) {
	return DeriveKey(masterKey, nil, []byte("proctord:"+label), size)
}

// SecureCompare reports whether a and b are equal without leaking where
// they differ.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ValidateKeyStrength rejects keys that are too short or degenerate.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: key is %d bytes, need at least %d", ErrWeakKey, len(key), MinKeySize)
	}
	// A single repeated byte covers the all-zeros case too.
	if bytes.Count(key, key[:1]) == len(key) {
		return fmt.Errorf("%w: key is a single repeated byte", ErrWeakKey)
	}
	return nil
}
