package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const gcmNonceLen = 12

// ErrDecrypt is returned when an AES-GCM blob fails authentication or is
// too short to contain a nonce.
var ErrDecrypt = errors.New("decrypt frame")

// Seal encrypts plaintext with AES-256-GCM under key and returns
// nonce(12) || ciphertext || tag, with no associated data.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a Seal-format blob. Any tampering fails the GCM tag check.
func Open(key, blob []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcmNonceLen {
		return nil, ErrDecrypt
	}
	plaintext, err := aead.Open(nil, blob[:gcmNonceLen], blob[gcmNonceLen:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	return cipher.NewGCM(block)
}
