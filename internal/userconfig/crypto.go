package userconfig

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const hashIterations = 100000

// keyHashSalt is fixed so the derivation is stable across processes: the
// hash identifies a credential, it does not store one.
var keyHashSalt = []byte("catalogrun.keyhash.v1")

// HashAPIKey derives the one-way, iterated key hash used for ownership
// assertions. The derivation is deliberately slow and cannot be reversed
// to the credential.
func HashAPIKey(apiKey string) string {
	derived := pbkdf2.Key([]byte(apiKey), keyHashSalt, hashIterations, 32, sha256.New)
	return hex.EncodeToString(derived)
}

// Cipher wraps AES-256-GCM for credential storage. Blobs are
// nonce || ciphertext+tag.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from the server-held secret. The secret is
// stretched to a 256-bit key, so any non-empty string works.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption secret must not be empty")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals a credential with a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a sealed credential blob. Any tamper or key mismatch
// yields ErrDecryptFailed.
func (c *Cipher) Decrypt(blob []byte) (string, error) {
	if len(blob) < c.aead.NonceSize() {
		return "", ErrDecryptFailed
	}
	nonce, ciphertext := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}
