// Package keys seals provider API keys before they are written to the database.
//
// Ciphertexts look like "ENC:" + base64(nonce | sealed). The AES-256 key is
// derived once from the server secret with PBKDF2-SHA-256, and every value is
// bound to its (user, provider) row as additional data, so a sealed key copied
// to another row does not open.
package keys

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

	"golang.org/x/crypto/pbkdf2"
)

const (
	EncryptedPrefix   = "ENC:"
	KeySize           = 32
	DefaultIterations = 210000
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication tag mismatch")
	ErrEmptySecret       = errors.New("keys secret is empty")
)

var derivationSalt = []byte("parley/provider-keys/v1")

type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from secret. iterations <= 0 uses DefaultIterations.
func NewSealer(secret string, iterations int) (*Sealer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	key := pbkdf2.Key([]byte(secret), derivationSalt, iterations, KeySize, sha256.New)
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(userID, provider, plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), additionalData(userID, provider))
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Sealer) Open(userID, provider, value string) (string, error) {
	encoded, ok := strings.CutPrefix(value, EncryptedPrefix)
	if !ok {
		return "", ErrInvalidCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(raw) < s.aead.NonceSize()+s.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}
	nonce, sealed := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, sealed, additionalData(userID, provider))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether value carries the ciphertext prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// Mask renders a key for display: the first three and last four characters only.
func Mask(plaintext string) string {
	if len(plaintext) <= 8 {
		return strings.Repeat("•", len(plaintext))
	}
	return plaintext[:3] + "…" + plaintext[len(plaintext)-4:]
}

// NormalizeProvider lowercases a provider name and rejects anything that is
// not a short slug.
func NormalizeProvider(provider string) (string, bool) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || len(provider) > 32 {
		return "", false
	}
	for _, r := range provider {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return "", false
		}
	}
	return provider, true
}

func additionalData(userID, provider string) []byte {
	return []byte(userID + "\x00" + provider)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
