package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/agent"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/cache"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/config"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/resolver"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/secrets"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/tools"
)

// newChatCmd creates the `crmclaw chat` command for local conversations
// without the chat workspace in the middle.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to an org from the terminal",
		Long: `Runs the same agent the workspace integration uses, but locally:
one message as an argument, or an interactive session without arguments.

Examples:
  crmclaw chat "list the flows touching the Invoice object"
  crmclaw chat --org staging`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("org", "o", "", "org name to target (skips resolution)")
	return cmd
}

// cliReplier prints agent replies to stdout.
type cliReplier struct{}

func (cliReplier) PostReply(_ context.Context, _, _, text string) error {
	fmt.Println()
	fmt.Println(text)
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	vault := unlockVaultIfPresent(logger)
	res := secrets.NewResolver(vault, logger)
	apiKey := res.Resolve(secrets.KeyAPIKey, "CRMCLAW_API_KEY", cfg.API.APIKey)
	if apiKey == "" {
		return fmt.Errorf("no LLM API key configured; run 'crmclaw setup'")
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	orgName, _ := cmd.Flags().GetString("org")
	org, err := pickOrg(ctx, st, cfg, logger, orgName, firstArg(args))
	if err != nil {
		return err
	}
	fmt.Printf("Using org %q (%s)\n", org.Name, org.Class)

	dataCache := cache.New(st,
		time.Duration(cfg.Cache.InventoryTTLSeconds)*time.Second,
		time.Duration(cfg.Cache.ComponentTTLSeconds)*time.Second,
		logger)
	llm := agent.NewLLMClient(cfg.API.BaseURL, apiKey, cfg.Model,
		time.Duration(cfg.Agent.LLMCallTimeoutSeconds)*time.Second, logger)
	loop := agent.NewLoop(st, dataCache, tools.DefaultRegistry(logger), llm, cliReplier{}, agent.Config{
		MaxTurns:       cfg.Agent.MaxTurns,
		LLMCallTimeout: time.Duration(cfg.Agent.LLMCallTimeoutSeconds) * time.Second,
	}, logger)

	sessionThread := fmt.Sprintf("cli-%d", time.Now().Unix())

	if len(args) > 0 {
		_, err := runOnce(ctx, st, loop, cfg, org, args[0], sessionThread, nil)
		return err
	}

	// Interactive session: each line becomes its own job, carrying the
	// previous turn's transcript forward so the conversation continues.
	fmt.Println("Interactive session. Empty line or Ctrl+D to quit.")
	reader := bufio.NewReader(os.Stdin)
	var carried []byte
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println()
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return nil
		}
		transcript, err := runOnce(ctx, st, loop, cfg, org, line, sessionThread, carried)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		carried = transcript
	}
}

// runOnce creates a job for the message, drives the loop synchronously,
// and returns the resulting transcript for the next turn to carry.
func runOnce(ctx context.Context, st *store.Store, loop *agent.Loop, cfg *config.Config, org *store.Org, message, thread string, carried []byte) ([]byte, error) {
	job := &store.Job{
		AccountID:  cfg.AccountID,
		OrgID:      org.ID,
		UserID:     "cli",
		Title:      message,
		Message:    message,
		Transcript: carried,
		ChannelID:  "cli",
		ThreadTS:   thread,
	}
	if err := st.CreateJob(ctx, job); err != nil {
		return carried, err
	}
	if err := st.MarkJobRunning(ctx, job.ID); err != nil {
		return carried, err
	}
	if err := loop.Run(ctx, job.ID); err != nil {
		return carried, err
	}
	done, err := st.GetJob(ctx, job.ID)
	if err != nil {
		return carried, nil
	}
	return done.Transcript, nil
}

func pickOrg(ctx context.Context, st *store.Store, cfg *config.Config, logger *slog.Logger, orgName, message string) (*store.Org, error) {
	orgs, err := st.ListOrgs(ctx, cfg.AccountID)
	if err != nil {
		return nil, err
	}
	if len(orgs) == 0 {
		return nil, fmt.Errorf("no orgs connected; run 'crmclaw setup'")
	}

	if orgName != "" {
		for i := range orgs {
			if strings.EqualFold(orgs[i].Name, orgName) {
				return &orgs[i], nil
			}
		}
		return nil, fmt.Errorf("no org named %q; connected: %s", orgName, orgNames(orgs))
	}

	org := resolver.New(st, logger).Resolve(ctx, resolver.Request{
		AccountID: cfg.AccountID,
		Message:   message,
	}, orgs)
	if org == nil {
		return nil, fmt.Errorf("could not tell which org you meant; pass --org (connected: %s)", orgNames(orgs))
	}
	return org, nil
}

func orgNames(orgs []store.Org) string {
	names := make([]string, len(orgs))
	for i, o := range orgs {
		names[i] = o.Name
	}
	return strings.Join(names, ", ")
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
