package mask

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// Prefix marks a masked parameter string
const Prefix = "masked:v1:"

const (
	keySize   = 32
	nonceSize = 24
)

// ErrMalformed is returned when a masked value cannot be opened
var ErrMalformed = errors.New("malformed masked value")

// Masker seals request parameters with NaCl secretbox before they reach the
// store and opens them again for operators
type Masker struct {
	key [keySize]byte
}

// NewMasker creates a masker with a 32 byte key
func NewMasker(key []byte) (*Masker, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("mask key must be %d bytes, got %d", keySize, len(key))
	}
	m := &Masker{}
	copy(m.key[:], key)
	return m, nil
}

// NewMaskerFromPassword derives the key from password with SHA-256
func NewMaskerFromPassword(password string) (*Masker, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	hash := sha256.Sum256([]byte(password))
	return NewMasker(hash[:])
}

// NewMaskerFromString accepts a base64 encoded 32 byte key, or any other
// string as a password
func NewMaskerFromString(s string) (*Masker, error) {
	if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == keySize {
		return NewMasker(key)
	}
	return NewMaskerFromPassword(s)
}

// Mask seals params. Empty and already masked values are returned as is.
func (m *Masker) Mask(params string) (string, error) {
	if params == "" || IsMasked(params) {
		return params, nil
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(params), &nonce, &m.key)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Unmask opens a value sealed by Mask. Values without the prefix are
// returned unchanged.
func (m *Masker) Unmask(value string) (string, error) {
	if !IsMasked(value) {
		return value, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: too short", ErrMalformed)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &m.key)
	if !ok {
		return "", fmt.Errorf("%w: authentication failed", ErrMalformed)
	}
	return string(plain), nil
}

// IsMasked reports whether value carries the mask prefix
func IsMasked(value string) bool {
	return strings.HasPrefix(value, Prefix)
}
