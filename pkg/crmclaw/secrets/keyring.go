// keyring.go provides the OS-keyring tier of the secret resolution chain.
package secrets

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "crmclaw"

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible,
// using a write+delete cycle with a test key.
func KeyringAvailable() bool {
	testKey := "__crmclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// Resolver resolves secrets through the vault → keyring → env → config chain.
// The vault may be nil or locked, in which case that tier is skipped.
type Resolver struct {
	vault  *Vault
	logger *slog.Logger
}

// NewResolver creates a secret resolver. vault may be nil.
func NewResolver(vault *Vault, logger *slog.Logger) *Resolver {
	return &Resolver{vault: vault, logger: logger.With("component", "secrets")}
}

// Resolve returns the first non-empty value for key from: vault, OS keyring,
// the named environment variable, then the config fallback value.
func (r *Resolver) Resolve(key, envVar, configValue string) string {
	if r.vault != nil && r.vault.IsUnlocked() {
		if val, err := r.vault.Get(key); err == nil && val != "" {
			r.logger.Debug("secret resolved from vault", "key", key)
			return val
		}
	}
	if val := GetKeyring(key); val != "" {
		r.logger.Debug("secret resolved from keyring", "key", key)
		return val
	}
	if envVar != "" {
		if val := os.Getenv(envVar); val != "" {
			r.logger.Debug("secret resolved from environment", "key", key, "env", envVar)
			return val
		}
	}
	return configValue
}
