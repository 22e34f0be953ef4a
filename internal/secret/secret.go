// Package secret seals small values (the bridge token) for storage in the
// settings table.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// sealedPrefix marks values that have been sealed.
const sealedPrefix = "enc:"

var hkdfSalt = []byte("onstride/secret/v1")

// ErrNoSecret is returned when a Sealer is created without key material.
var ErrNoSecret = errors.New("secret: empty master secret")

// Sealer encrypts with AES-256-GCM under a key derived from a master secret.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 32-byte key from master with HKDF-SHA256. info
// separates keys derived from the same master for different purposes.
func NewSealer(master, info string) (*Sealer, error) {
	if master == "" {
		return nil, ErrNoSecret
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(master), hkdfSalt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("secret.NewSealer: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret.NewSealer: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret.NewSealer: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns "enc:" + base64(nonce + ciphertext). aad binds the value to a
// context, such as its settings key.
func (s *Sealer) Seal(plaintext, aad string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secret.Seal: %w", err)
	}
	ciphertext := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return sealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal. Values without the prefix are returned as-is.
func (s *Sealer) Open(stored, aad string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("secret.Open: invalid base64: %w", err)
	}
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("secret.Open: ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return "", fmt.Errorf("secret.Open: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed checks if a string has the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
