package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/config"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/secrets"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
)

// newSetupCmd creates the `crmclaw setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that creates config.yaml, stores your
secrets (LLM API key, chat workspace credentials, CRM client secret) in an
encrypted vault or the OS keyring — never in plaintext — and connects your
first org.

Examples:
  crmclaw setup`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	reader := bufio.NewReader(os.Stdin)
	cfg := config.DefaultConfig()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║           crmclaw — Setup Wizard             ║")
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Println()

	// ── Step 1: Workspace account ──
	fmt.Println("   The account ID scopes every org and job to your workspace.")
	fmt.Println()
	for {
		fmt.Print("1. Workspace account ID: ")
		if acct := readLine(reader); acct != "" {
			cfg.AccountID = acct
			break
		}
		fmt.Println("   [!] Account ID is required.")
	}

	// ── Step 2: Model provider ──
	fmt.Println()
	fmt.Printf("2. API base URL (OpenAI-compatible) [%s]: ", cfg.API.BaseURL)
	if url := readLine(reader); url != "" {
		cfg.API.BaseURL = url
	}
	fmt.Printf("   Model [%s]: ", cfg.Model)
	if model := readLine(reader); model != "" {
		cfg.Model = model
	}

	// ── Step 3: Secrets ──
	fmt.Println()
	fmt.Println("   Secrets are encrypted with AES-256-GCM in a password-protected")
	fmt.Println("   vault, or stored in the OS keyring. Nothing lands in config.yaml.")
	fmt.Println()

	vault, err := setupVault(reader)
	if err != nil {
		return err
	}
	storeSecret := func(key, label string, sensitive bool) error {
		value, err := promptSecret(reader, label, sensitive)
		if err != nil {
			return err
		}
		if value == "" {
			return nil
		}
		if vault != nil {
			return vault.Set(key, value)
		}
		return secrets.StoreKeyring(key, value)
	}

	if err := storeSecret(secrets.KeyAPIKey, "3. LLM API key", true); err != nil {
		return err
	}
	if err := storeSecret(secrets.KeySlackSigningSecret, "4. Workspace signing secret", true); err != nil {
		return err
	}
	if err := storeSecret(secrets.KeySlackBotToken, "5. Workspace bot token (xoxb-...)", true); err != nil {
		return err
	}

	// ── Step 4: First org ──
	fmt.Println()
	fmt.Print("6. Connect an org now? (y/n) [y]: ")
	if ans := strings.ToLower(readLine(reader)); ans == "" || ans == "y" {
		if err := connectOrgInteractive(reader, cfg, vault); err != nil {
			fmt.Printf("   [!] Org connection failed: %v\n", err)
			fmt.Println("   You can re-run 'crmclaw setup' later to connect it.")
		}
	}

	// ── Save ──
	path := config.DefaultPath()
	if err := config.Save(cfg, path); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println()
	fmt.Printf("Done. Config written to %s\n", path)
	fmt.Println("Start the service with: crmclaw serve")
	return nil
}

// setupVault offers the encrypted vault; declining falls back to the OS
// keyring (or plaintext env vars as a last resort, chosen by the user at
// runtime).
func setupVault(reader *bufio.Reader) (*secrets.Vault, error) {
	fmt.Print("   Protect secrets with an encrypted vault? (y/n) [y]: ")
	if ans := strings.ToLower(readLine(reader)); ans != "" && ans != "y" {
		if secrets.KeyringAvailable() {
			fmt.Println("   Using the OS keyring instead.")
			return nil, nil
		}
		fmt.Println("   [!] OS keyring unavailable; secrets will rely on environment variables.")
		return nil, nil
	}

	vault := secrets.NewVault(vaultPath())
	if vault.Exists() {
		for {
			password, err := readPassword("   Vault master password: ")
			if err != nil {
				return nil, err
			}
			if err := vault.Unlock(password); err != nil {
				fmt.Println("   [!] Wrong password, try again.")
				continue
			}
			return vault, nil
		}
	}

	for {
		password, err := readPassword("   Choose a vault master password: ")
		if err != nil {
			return nil, err
		}
		if len(password) < 8 {
			fmt.Println("   [!] Use at least 8 characters.")
			continue
		}
		confirm, err := readPassword("   Confirm password: ")
		if err != nil {
			return nil, err
		}
		if password != confirm {
			fmt.Println("   [!] Passwords don't match, try again.")
			continue
		}
		if err := vault.Create(password); err != nil {
			return nil, fmt.Errorf("creating vault: %w", err)
		}
		fmt.Printf("   Vault created at %s\n", vault.Path())
		return vault, nil
	}
}

// connectOrgInteractive collects org credentials and registers the org.
func connectOrgInteractive(reader *bufio.Reader, cfg *config.Config, vault *secrets.Vault) error {
	fmt.Println()
	fmt.Print("   Org name (how teammates refer to it, e.g. \"production\"): ")
	name := readLine(reader)
	if name == "" {
		return fmt.Errorf("org name is required")
	}

	fmt.Print("   Org class (production/sandbox/scratch) [sandbox]: ")
	class := store.ClassSandbox
	switch strings.ToLower(readLine(reader)) {
	case "production":
		class = store.ClassProduction
	case "scratch":
		class = store.ClassScratch
	case "", "sandbox":
	default:
		fmt.Println("   [!] Unknown class, using sandbox.")
	}

	fmt.Print("   Instance URL (https://...): ")
	instanceURL := readLine(reader)
	if instanceURL == "" {
		return fmt.Errorf("instance URL is required")
	}

	fmt.Print("   OAuth client ID: ")
	clientID := readLine(reader)
	clientSecret, err := promptSecret(reader, "   OAuth client secret", true)
	if err != nil {
		return err
	}
	if clientSecret != "" {
		if vault != nil {
			if err := vault.Set(secrets.KeyCRMClientSecret, clientSecret); err != nil {
				return err
			}
		} else if err := secrets.StoreKeyring(secrets.KeyCRMClientSecret, clientSecret); err != nil {
			fmt.Printf("   [!] Keyring store failed (%v); keeping secret on the org record.\n", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	org := &store.Org{
		AccountID:    cfg.AccountID,
		Name:         name,
		Class:        class,
		InstanceURL:  instanceURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
	if err := st.ConnectOrg(context.Background(), org); err != nil {
		return err
	}
	fmt.Printf("   Org %q (%s) connected.\n", name, class)
	return nil
}

// promptSecret reads a value without echoing when sensitive and the
// terminal allows it.
func promptSecret(reader *bufio.Reader, label string, sensitive bool) (string, error) {
	if sensitive && term.IsTerminal(int(syscall.Stdin)) {
		return readPassword(label + " (hidden, empty to skip): ")
	}
	fmt.Print(label + " (empty to skip): ")
	return readLine(reader), nil
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

// vaultPath puts the vault next to the config file.
func vaultPath() string {
	return filepath.Join(filepath.Dir(config.DefaultPath()), secrets.VaultFile)
}

// unlockVaultIfPresent opens the vault for serve/chat when one exists,
// prompting for the master password on an interactive terminal. A locked
// or absent vault just skips that resolution tier.
func unlockVaultIfPresent(logger *slog.Logger) *secrets.Vault {
	vault := secrets.NewVault(vaultPath())
	if !vault.Exists() {
		return nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		logger.Warn("vault present but stdin is not a terminal; falling back to keyring/env secrets")
		return nil
	}
	for i := 0; i < 3; i++ {
		password, err := readPassword("Vault master password: ")
		if err != nil {
			logger.Warn("password prompt failed", "error", err)
			return nil
		}
		if err := vault.Unlock(password); err != nil {
			fmt.Println("Wrong password, try again.")
			continue
		}
		return vault
	}
	logger.Warn("vault unlock failed after 3 attempts; falling back to keyring/env secrets")
	return nil
}
