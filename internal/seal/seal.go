// Package seal encrypts conversation turns before persistence using
// AES-GCM with a random nonce prefixed to each blob.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"mailmind/internal/errs"
)

// NonceSize is the AES-GCM nonce length in bytes (96 bits).
const NonceSize = 12

// Sealer performs authenticated encryption of turn text under a single
// process-wide key.
type Sealer struct {
	aead cipher.AEAD
}

// New creates a Sealer from a raw 16- or 32-byte AES key.
func New(key []byte) (*Sealer, error) {
	switch len(key) {
	case 16, 32:
	default:
		return nil, fmt.Errorf("seal: key must be 16 or 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// FromBase64 creates a Sealer from a base64-encoded key, the form the
// key takes in process configuration.
func FromBase64(encoded string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding AES key: %w", err)
	}
	return New(key)
}

// Seal encrypts plaintext and returns nonce||ciphertext. The nonce is
// freshly random per call, so sealing the same text twice never yields
// the same blob.
func (s *Sealer) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, NonceSize+len(plaintext)+s.aead.Overhead())
	out = append(out, nonce...)
	out = append(out, s.aead.Seal(nil, nonce, []byte(plaintext), nil)...)
	return out, nil
}

// Open decrypts a nonce||ciphertext blob back into plaintext. Any
// tampering or key mismatch surfaces as errs.ErrIntegrity.
func (s *Sealer) Open(blob []byte) (string, error) {
	if len(blob) < NonceSize {
		return "", fmt.Errorf("seal: blob too short: %w", errs.ErrIntegrity)
	}

	nonce, ct := blob[:NonceSize], blob[NonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("opening sealed blob: %w", errs.ErrIntegrity)
	}
	return string(plaintext), nil
}
