// Package vault encrypts OAuth tokens at rest.
//
// Sealed values are base64(nonce || ciphertext+tag) under XChaCha20-Poly1305
// with a key derived from the configured key material through HKDF-SHA256.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	minKeyLen = 16
	hkdfInfo  = "gmailbridge token vault v1"
)

// DecryptionError reports a sealed value that could not be opened.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt token: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// IsDecryptionError reports whether err carries a *DecryptionError.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}

// Vault seals and opens small secrets.
type Vault struct {
	aead cipher.AEAD
}

// ParseKey decodes base64 key material.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode token key: %w", err)
	}
	return key, nil
}

// GenerateKey returns fresh base64 key material for ParseKey.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate token key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// New derives the sealing key from keyMaterial.
func New(keyMaterial []byte) (*Vault, error) {
	if len(keyMaterial) < minKeyLen {
		return nil, fmt.Errorf("token key must be at least %d bytes", minKeyLen)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, keyMaterial, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext.
func (v *Vault) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Every failure is a *DecryptionError.
func (v *Vault) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	if len(raw) < v.aead.NonceSize()+v.aead.Overhead() {
		return nil, &DecryptionError{Err: errors.New("sealed value too short")}
	}
	nonce, ciphertext := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	return plaintext, nil
}
