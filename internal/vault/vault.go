// Package vault implements symmetric envelope encryption for secrets that
// must live in the database: TOTP secrets and VAPID private keys. Each class
// of secret gets its own Vault with its own key, so rotating one key never
// touches the other's rows.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// ErrDecrypt is returned for any envelope that fails to authenticate. The
// cause (truncated, tampered, wrong key) is deliberately not distinguished.
var ErrDecrypt = errors.New("vault: decrypt failed")

const nonceSize = 12 // 96-bit IV, the GCM default

// Vault encrypts and decrypts byte envelopes with AES-256-GCM.
// Envelope layout: iv || ciphertext || tag.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("vault: generate iv: %w", err)
	}
	// Seal appends ciphertext||tag after the IV.
	return v.aead.Seal(iv, iv, plaintext, nil), nil
}

// Decrypt opens an envelope produced by Encrypt. Any modified byte yields
// ErrDecrypt.
func (v *Vault) Decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < nonceSize+v.aead.Overhead() {
		return nil, ErrDecrypt
	}
	iv, ct := envelope[:nonceSize], envelope[nonceSize:]
	plaintext, err := v.aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
