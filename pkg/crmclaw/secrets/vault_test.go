package secrets

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	return NewVault(filepath.Join(t.TempDir(), VaultFile))
}

func TestVaultCreateSetGet(t *testing.T) {
	v := newTestVault(t)

	if v.Exists() {
		t.Fatal("vault exists before creation")
	}
	if err := v.Create("correct horse battery"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !v.Exists() || !v.IsUnlocked() {
		t.Fatal("vault not usable after create")
	}

	if err := v.Set(KeyAPIKey, "sk-secret"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := v.Get(KeyAPIKey)
	if err != nil || got != "sk-secret" {
		t.Fatalf("get = (%q, %v)", got, err)
	}

	// Missing entries are empty, not errors.
	if got, err := v.Get("nope"); err != nil || got != "" {
		t.Errorf("get missing = (%q, %v)", got, err)
	}
	if !v.Has(KeyAPIKey) || v.Has("nope") {
		t.Error("Has disagrees with Get")
	}
}

func TestVaultPersistsAcrossUnlock(t *testing.T) {
	v := newTestVault(t)
	if err := v.Create("pw"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Set(KeySlackBotToken, "xoxb-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v.Lock()

	reopened := NewVault(v.Path())
	if err := reopened.Unlock("pw"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	got, err := reopened.Get(KeySlackBotToken)
	if err != nil || got != "xoxb-1" {
		t.Fatalf("get after reopen = (%q, %v)", got, err)
	}

	keys, err := reopened.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != KeySlackBotToken {
		t.Errorf("keys = %v, internal verify entry leaked or data lost", keys)
	}
}

func TestVaultRejectsWrongPassword(t *testing.T) {
	v := newTestVault(t)
	if err := v.Create("right"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Set(KeyAPIKey, "sk-secret"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v.Lock()

	if err := NewVault(v.Path()).Unlock("wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
}

func TestVaultLockedOperationsFail(t *testing.T) {
	v := newTestVault(t)
	if err := v.Create("pw"); err != nil {
		t.Fatalf("create: %v", err)
	}
	v.Lock()

	if err := v.Set("k", "v"); err == nil {
		t.Error("set succeeded while locked")
	}
	if _, err := v.Get("k"); err == nil {
		t.Error("get succeeded while locked")
	}
	if v.Has("k") {
		t.Error("has reported true while locked")
	}
}

func TestVaultCreateRefusesExisting(t *testing.T) {
	v := newTestVault(t)
	if err := v.Create("pw"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := NewVault(v.Path()).Create("pw"); err == nil {
		t.Fatal("second create over an existing vault succeeded")
	}
}

func TestVaultFileMode(t *testing.T) {
	v := newTestVault(t)
	if err := v.Create("pw"); err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := os.Stat(v.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("vault mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestResolverChain(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	v := newTestVault(t)
	if err := v.Create("pw"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Set(KeyAPIKey, "sk-vault"); err != nil {
		t.Fatalf("set: %v", err)
	}

	r := NewResolver(v, logger)
	t.Setenv("TEST_API_KEY", "sk-env")

	// Vault beats env and config.
	if got := r.Resolve(KeyAPIKey, "TEST_API_KEY", "sk-config"); got != "sk-vault" {
		t.Errorf("resolve = %q, want vault value", got)
	}
	// A key absent from the vault falls through to env.
	if got := r.Resolve("other_key", "TEST_API_KEY", "sk-config"); got != "sk-env" {
		t.Errorf("resolve = %q, want env value", got)
	}
	// No env either: config value.
	if got := r.Resolve("other_key", "UNSET_VAR_XYZ", "sk-config"); got != "sk-config" {
		t.Errorf("resolve = %q, want config value", got)
	}

	// A locked vault skips that tier entirely.
	v.Lock()
	if got := r.Resolve(KeyAPIKey, "TEST_API_KEY", "sk-config"); got != "sk-env" {
		t.Errorf("resolve with locked vault = %q, want env value", got)
	}

	// A nil vault is fine.
	nilres := NewResolver(nil, logger)
	if got := nilres.Resolve(KeyAPIKey, "UNSET_VAR_XYZ", "fallback"); got != "fallback" {
		t.Errorf("nil-vault resolve = %q", got)
	}
}
