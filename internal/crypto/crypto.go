// Package crypto provides authenticated encryption for user data. Keys are
// per-user, fetched from the external identity service and cached with a
// short TTL; the cipher is AES-256-GCM with the nonce prepended to the
// ciphertext and the whole thing base64-encoded, the format the browser
// client produces with Web Crypto.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrEncrypt wraps any failure while sealing data.
	ErrEncrypt = errors.New("encryption failed")
	// ErrDecrypt wraps any failure while opening data: bad key, truncated
	// input, or a GCM tag mismatch. Callers treat it as permanent; retrying
	// with the same inputs cannot succeed.
	ErrDecrypt = errors.New("decryption failed")
)

const nonceSize = 12

// seal encrypts plaintext with the base64-encoded 256-bit key and returns
// base64(nonce || ciphertext).
func seal(encodedKey string, plaintext []byte) (string, error) {
	aead, err := newAEAD(encodedKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncrypt, err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncrypt, err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// open reverses seal. Any tampering with the ciphertext fails the GCM tag
// check and surfaces as ErrDecrypt.
func open(encodedKey, encoded string) ([]byte, error) {
	aead, err := newAEAD(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding ciphertext: %v", ErrDecrypt, err)
	}
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrDecrypt)
	}

	plaintext, err := aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

func newAEAD(encodedKey string) (cipher.AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// GenerateKey returns a fresh random 256-bit key, base64-encoded. Used by
// tests and by local-only setups that never talk to the identity service.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
