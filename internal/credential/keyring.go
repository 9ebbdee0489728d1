package credential

import (
	"fmt"
	"path/filepath"

	"github.com/99designs/keyring"
)

const serviceName = "mailsync"

// Well-known credential keys.
const (
	// KeyIMAPPassword stores the IMAP account password.
	KeyIMAPPassword = "imap-password"

	// KeyGmailToken stores the Gmail OAuth token as JSON.
	KeyGmailToken = "gmail-token"
)

// openKeyring returns a configured keyring instance. The file backend
// keeps credentials next to the data directory when no system keyring
// is available.
func openKeyring(dataDir string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(dataDir, "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key.
func Get(dataDir, key string) (string, error) {
	ring, err := openKeyring(dataDir)
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key.
func Set(dataDir, key, value string) error {
	ring, err := openKeyring(dataDir)
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
