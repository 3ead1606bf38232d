// Package secrets implements the AES-256-GCM + scrypt secret envelope used
// to store camera-server and modem credentials at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptN   = 16384
	scryptR   = 8
	scryptP   = 1
	keyLen    = 32
	nonceSize = 12
	tagSize   = 16
)

// Manager encrypts and decrypts secret values with AES-256-GCM, using a key
// derived from a passphrase via scrypt.
type Manager struct {
	aead cipher.AEAD
}

// NewManager builds a Manager from an explicit passphrase and salt. Most
// callers should use NewManagerFromEnv instead.
func NewManager(passphrase, salt string) (*Manager, error) {
	derived, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Manager{aead: aead}, nil
}

// NewManagerFromEnv builds a Manager using SECRETS_MASTER_KEY. When the
// variable is supplied, the salt is "encryption-salt"; when it is absent,
// the Manager falls back to an insecure development key with salt "salt"
// and logs a warning — this mirrors the two-salt policy used by the
// production secret store so that decrypting a value encrypted under one
// policy never silently succeeds under the other.
func NewManagerFromEnv() (*Manager, error) {
	key := strings.TrimSpace(os.Getenv(MasterKeyEnv))
	if key != "" {
		return NewManager(key, "encryption-salt")
	}
	log.Printf("[SECURITY WARNING] %s not set; using insecure development key", MasterKeyEnv)
	return NewManager("insecure-development-only-key", "salt")
}

// Encrypt returns the ciphertext in base64(iv):base64(tag):base64(ciphertext) form.
func (m *Manager) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := m.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt reverses Encrypt. Input not matching the iv:tag:ciphertext shape
// is treated as plaintext and returned unchanged, per the legacy-value
// compatibility policy.
func (m *Manager) Decrypt(value string) (string, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return value, nil
	}

	iv, err1 := base64.StdEncoding.DecodeString(parts[0])
	tag, err2 := base64.StdEncoding.DecodeString(parts[1])
	ciphertext, err3 := base64.StdEncoding.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || len(iv) != nonceSize || len(tag) != tagSize {
		return value, nil
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plain, err := m.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plain), nil
}
