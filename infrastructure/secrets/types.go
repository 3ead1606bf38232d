package secrets

import (
	"context"
	"errors"
)

// MasterKeyEnv is the environment variable holding the secret-encryption
// master passphrase. When unset, NewManagerFromEnv falls back to an
// insecure development key and logs a warning.
const MasterKeyEnv = "SECRETS_MASTER_KEY"

var (
	// ErrNotFound indicates the secret does not exist.
	ErrNotFound = errors.New("secret not found")
	// ErrForbidden indicates the caller is not allowed to access the secret.
	ErrForbidden = errors.New("secret access forbidden")
	// ErrInvalidCiphertext indicates the stored secret cannot be decrypted.
	ErrInvalidCiphertext = errors.New("invalid secret ciphertext")
)

// Provider resolves decrypted secret values by name. No type in this module
// implements it; the camera poller and SMS gateway decrypt their stored
// credentials through *Manager.
type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}
