// Package crypto seals marketplace OAuth tokens before they are written to the
// connection store. A leaked access token lets anyone act as the connected
// seller, so tokens are kept under AES-256-GCM at rest and only opened inside
// the service when a marketplace call is about to be made.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyLengthInvalid is returned when a master key is not exactly 32 bytes (required for AES-256).
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when the ciphertext is not valid base64 or is shorter than a nonce.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when GCM authentication fails, meaning tampering or a wrong key.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrSaltTooShort is returned when a PBKDF2 salt is shorter than 16 bytes.
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")
)

const (
	keySize           = 32
	minSaltSize       = 16
	defaultIterations = 100000

	// defaultSalt is only used when ENCRYPTION_SALT is unset so that a
	// passphrase always derives the same key across restarts.
	defaultSalt = "connect-console/token-cipher/v1"
)

// TokenCipher encrypts and decrypts token strings with a fixed AES-256 key.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher creates a cipher from a raw 32-byte key.
func NewTokenCipher(masterKey []byte) (*TokenCipher, error) {
	if len(masterKey) != keySize {
		return nil, ErrKeyLengthInvalid
	}
	keyCopy := make([]byte, keySize)
	copy(keyCopy, masterKey)

	block, err := aes.NewCipher(keyCopy)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead}, nil
}

// DeriveTokenCipher derives the AES key from a passphrase with PBKDF2-SHA256.
func DeriveTokenCipher(passphrase string, salt []byte, iterations int) (*TokenCipher, error) {
	if len(salt) < minSaltSize {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = defaultIterations
	}
	return NewTokenCipher(pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New))
}

// LoadTokenCipher builds a cipher from the ENCRYPTION_KEY value. A 32-byte raw
// key or a base64 encoding of one is used directly; anything else is treated
// as a passphrase and run through PBKDF2 with salt (or a fixed default salt).
func LoadTokenCipher(key, salt string) (*TokenCipher, error) {
	if len(key) == keySize {
		return NewTokenCipher([]byte(key))
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawURLEncoding, base64.URLEncoding} {
		if raw, err := enc.DecodeString(key); err == nil && len(raw) == keySize {
			return NewTokenCipher(raw)
		}
	}
	if salt == "" {
		salt = defaultSalt
	}
	return DeriveTokenCipher(key, []byte(salt), defaultIterations)
}

// Seal encrypts plaintext and returns base64url(nonce || ciphertext).
// Empty input stays empty.
func (tc *TokenCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, tc.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := tc.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (tc *TokenCipher) Open(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	nonceLen := tc.aead.NonceSize()
	if len(raw) < nonceLen {
		return "", ErrCiphertextCorrupted
	}
	plaintext, err := tc.aead.Open(nil, raw[:nonceLen], raw[nonceLen:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateKey creates a random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateSalt creates a random salt of at least 16 bytes.
func GenerateSalt(length int) ([]byte, error) {
	if length < minSaltSize {
		length = minSaltSize
	}
	salt := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
