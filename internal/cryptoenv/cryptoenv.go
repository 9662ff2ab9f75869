// Package cryptoenv implements the application-layer AES-256-GCM
// envelope used to seal the vector and chunk-content BLOB columns at
// rest, in place of the native SQLCipher page-level encryption the
// original implementation relied on (see the DB-encryption design note
// in SPEC_FULL.md for why).
package cryptoenv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const nonceSize = 12 // AES-GCM standard nonce length
const tagSize = 16   // AES-GCM authentication tag length

// Overhead is how many bytes Seal adds on top of the plaintext length
// (nonce + authentication tag); callers that need to recognize a
// sealed blob by its on-disk length (e.g. the ANN rebuild's vector
// blob length filter) add this to the plaintext length they expect.
const Overhead = nonceSize + tagSize

// Sealer seals and opens byte blobs with a single 256-bit key.
type Sealer struct {
	gcm cipher.AEAD
}

// New builds a Sealer from a 32-byte key, as returned by the key
// provider.
func New(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cryptoenv: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: new gcm: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal encrypts plaintext, prepending a random nonce to the result.
// Sealing nil or empty plaintext still produces a valid, non-empty
// ciphertext (so a zero-length vs. absent column can be told apart at
// the application layer, not the encryption layer).
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptoenv: nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("cryptoenv: sealed blob too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: open: %w", err)
	}
	return plaintext, nil
}
