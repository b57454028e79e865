package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hubd/hubd/internal/config"
	"github.com/hubd/hubd/internal/tokenstore"
)

var (
	hubDir  string
	account string
	token   string
)

var rootCmd = &cobra.Command{
	Use:   "hubctl",
	Short: "hubctl - operator CLI for the hub daemon",
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is reachable and who is connected",
	RunE:  runStatus,
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect connected accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List currently connected accounts and their status",
	RunE:  runAccountsList,
}

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage per-account authentication tokens",
}

var tokensIssueCmd = &cobra.Command{
	Use:   "issue <account>",
	Short: "Generate a new token for an account and write it to the tokens directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokensIssue,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&hubDir, "hub-dir", defaultHubDir(), "directory holding the daemon's socket, config, and tokens")
	rootCmd.PersistentFlags().StringVar(&account, "account", "", "account to authenticate as (for status/accounts commands)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "token to authenticate with; defaults to reading <hub-dir>/tokens/<account>.token")

	accountsCmd.AddCommand(accountsListCmd)
	tokensCmd.AddCommand(tokensIssueCmd)
	rootCmd.AddCommand(statusCmd, accountsCmd, tokensCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultHubDir() string {
	if v := os.Getenv("HUB_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hubd"
	}
	return filepath.Join(home, ".hubd")
}

// authenticatedClient resolves --account/--token (reading the token
// file from the tokens directory when --token is omitted), dials the
// daemon's socket, and authenticates.
func authenticatedClient() (*hubClient, error) {
	if account == "" {
		return nil, fmt.Errorf("hubctl: --account is required")
	}
	cfg, err := config.Load(hubDir)
	if err != nil {
		return nil, fmt.Errorf("hubctl: loading config: %w", err)
	}

	tok := token
	if tok == "" {
		data, err := os.ReadFile(tokenstore.New(filepath.Join(hubDir, "tokens")).Path(account))
		if err != nil {
			return nil, fmt.Errorf("hubctl: reading token for %s: %w", account, err)
		}
		tok = string(data)
	}

	client, err := dialHub(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	if err := client.authenticate(account, tok); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := authenticatedClient()
	if err != nil {
		fmt.Printf("daemon: unreachable (%v)\n", err)
		return nil
	}
	defer client.Close()

	reply, err := client.request(map[string]interface{}{"type": "list_accounts"})
	if err != nil {
		return err
	}
	fmt.Println("daemon: reachable")
	if accounts, ok := reply["accounts"].([]interface{}); ok {
		fmt.Printf("connected accounts: %d\n", len(accounts))
	}
	return nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	client, err := authenticatedClient()
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.request(map[string]interface{}{"type": "list_accounts"})
	if err != nil {
		return err
	}
	accounts, _ := reply["accounts"].([]interface{})
	for _, a := range accounts {
		fmt.Printf("%v\n", a)
	}
	return nil
}

func runTokensIssue(cmd *cobra.Command, args []string) error {
	target := args[0]
	tokensDir := filepath.Join(hubDir, "tokens")
	if err := os.MkdirAll(tokensDir, 0o700); err != nil {
		return fmt.Errorf("hubctl: creating tokens dir: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("hubctl: generating token: %w", err)
	}
	newToken := hex.EncodeToString(raw)

	path := tokenstore.New(tokensDir).Path(target)
	if err := os.WriteFile(path, []byte(newToken+"\n"), 0o600); err != nil {
		return fmt.Errorf("hubctl: writing token file: %w", err)
	}

	fmt.Printf("issued token for %s: %s\n", target, newToken)
	return nil
}
