// Package credential stores the secrets of the responder (mailbox
// passwords, backend API key, seal key) in the system keyring, with an
// environment-variable fallback for containerized deployments.
package credential

import (
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "mailmind"

// Well-known credential keys.
const (
	KeyIMAPPassword = "imap-password"
	KeySMTPPassword = "smtp-password"
	KeyBackendAPI   = "backend-api-key"
	KeySealKey      = "seal-key-b64"
)

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailmind/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailmind-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// envName maps a credential key to its environment override, e.g.
// "imap-password" becomes MAILMIND_IMAP_PASSWORD.
func envName(key string) string {
	return "MAILMIND_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// Get retrieves a credential. An environment override wins over the
// keyring so deployments without a secret service still work.
func Get(key string) (string, error) {
	if v := os.Getenv(envName(key)); v != "" {
		return v, nil
	}

	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}
