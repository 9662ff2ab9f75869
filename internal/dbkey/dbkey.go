// Package dbkey retrieves or creates the database's at-rest encryption
// key from the OS secret store, mirroring the service/account layout
// the original encryption key service used on macOS Keychain, ported
// to a cross-platform backend.
package dbkey

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// ServiceName and AccountName are the exact keychain coordinates the
// original service used; kept identical so an operator migrating an
// existing keychain entry finds it under the same item.
const (
	ServiceName = "com.magicfolder.database_key"
	AccountName = "default_user"
	KeySize     = 32 // 256-bit key
)

// ErrKeyService wraps any failure to retrieve or create the key.
var ErrKeyService = errors.New("dbkey: failed to get or create database key")

// Provider fetches the 256-bit database key, generating and persisting
// one on first use.
type Provider struct {
	ring keyring.Keyring
}

// Open opens the OS-appropriate secret store backend for ServiceName.
func Open() (*Provider, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    ServiceName,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
		FileDir:                        "~/.magicfolder/keyring",
		FilePasswordFunc:               keyring.FixedStringPrompt(""),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open keyring: %w", ErrKeyService, err)
	}
	return &Provider{ring: ring}, nil
}

// GetDatabaseKey returns the raw 32-byte key, retrieving it from the OS
// secret store if present, or generating and persisting a new
// cryptographically secure key if not.
func (p *Provider) GetDatabaseKey() ([]byte, error) {
	item, err := p.ring.Get(AccountName)
	switch {
	case err == nil:
		if len(item.Data) != KeySize {
			return nil, fmt.Errorf("%w: stored key has wrong length %d", ErrKeyService, len(item.Data))
		}
		return item.Data, nil
	case errors.Is(err, keyring.ErrKeyNotFound):
		key, genErr := generateKey()
		if genErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyService, genErr)
		}
		if saveErr := p.ring.Set(keyring.Item{
			Key:  AccountName,
			Data: key,
		}); saveErr != nil {
			return nil, fmt.Errorf("%w: save new key: %w", ErrKeyService, saveErr)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %w", ErrKeyService, err)
	}
}

func generateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate random key: %w", err)
	}
	return key, nil
}
