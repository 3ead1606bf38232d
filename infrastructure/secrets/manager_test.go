package secrets

import (
	"os"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m, err := NewManager("a-test-passphrase", "encryption-salt")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ciphertext, err := m.Encrypt("cms-server-password")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if parts := strings.Split(ciphertext, ":"); len(parts) != 3 {
		t.Fatalf("ciphertext = %q, want 3 colon-separated parts", ciphertext)
	}

	plaintext, err := m.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plaintext != "cms-server-password" {
		t.Errorf("Decrypt() = %q, want cms-server-password", plaintext)
	}
}

func TestDecryptNonMatchingShapeIsPassthrough(t *testing.T) {
	m, err := NewManager("a-test-passphrase", "encryption-salt")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	for _, plain := range []string{"plain-password", "not:quite:three:parts", ""} {
		got, err := m.Decrypt(plain)
		if err != nil {
			t.Fatalf("Decrypt(%q) error = %v", plain, err)
		}
		if got != plain {
			t.Errorf("Decrypt(%q) = %q, want unchanged", plain, got)
		}
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	encryptor, err := NewManager("passphrase-one", "encryption-salt")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	decryptor, err := NewManager("passphrase-two", "encryption-salt")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ciphertext, err := encryptor.Encrypt("secret-value")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := decryptor.Decrypt(ciphertext); err == nil {
		t.Error("Decrypt() with wrong key should fail")
	}
}

func TestNewManagerFromEnvUsesSaltPolicy(t *testing.T) {
	saved := os.Getenv(MasterKeyEnv)
	defer func() {
		if saved != "" {
			os.Setenv(MasterKeyEnv, saved)
		} else {
			os.Unsetenv(MasterKeyEnv)
		}
	}()

	t.Run("with env key", func(t *testing.T) {
		os.Setenv(MasterKeyEnv, "a-32-byte-or-longer-master-key!!")
		withEnv, err := NewManagerFromEnv()
		if err != nil {
			t.Fatalf("NewManagerFromEnv() error = %v", err)
		}
		withSalt, err := NewManager("a-32-byte-or-longer-master-key!!", "encryption-salt")
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}

		ciphertext, err := withEnv.Encrypt("value")
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if _, err := withSalt.Decrypt(ciphertext); err != nil {
			t.Errorf("expected encryption-salt policy, decrypt failed: %v", err)
		}
	})

	t.Run("without env key falls back to insecure salt", func(t *testing.T) {
		os.Unsetenv(MasterKeyEnv)
		withoutEnv, err := NewManagerFromEnv()
		if err != nil {
			t.Fatalf("NewManagerFromEnv() error = %v", err)
		}
		insecure, err := NewManager("insecure-development-only-key", "salt")
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}

		ciphertext, err := withoutEnv.Encrypt("value")
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if _, err := insecure.Decrypt(ciphertext); err != nil {
			t.Errorf("expected insecure fallback salt, decrypt failed: %v", err)
		}
	})
}
