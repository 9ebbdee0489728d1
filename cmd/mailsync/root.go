package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/provider/gmail"
	"github.com/nhle/mailsync/internal/provider/imap"
	"github.com/nhle/mailsync/internal/store"
)

var (
	dataDir string

	appCfg *model.AppConfig
	logger *slog.Logger
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:          "mailsync",
	Short:        "Sync mail from Gmail or IMAP into a local SQLite database",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initApp()
	},
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(),
		"directory holding the database, config, and credentials")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailsync"
	}
	return filepath.Join(home, ".mailsync")
}

func initApp() error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	cfg, err := model.LoadConfig(model.ConfigPath(dataDir))
	if err != nil {
		return err
	}
	appCfg = cfg
	logger = newLogger(cfg.Logging.Level)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

func openStore() (*store.Store, error) {
	return store.Open(filepath.Join(dataDir, "messages.db"))
}

// accountName identifies the synced account in checkpoint rows. A data
// directory holds exactly one account.
func accountName() string {
	if appCfg.Account.Provider == "imap" {
		return "imap:" + appCfg.Account.IMAP.Username
	}
	return "gmail"
}

func buildProvider(ctx context.Context) (provider.Provider, error) {
	switch appCfg.Account.Provider {
	case "gmail":
		raw, err := credential.Get(dataDir, credential.KeyGmailToken)
		if err != nil {
			return nil, fmt.Errorf("no stored Gmail token, run \"mailsync auth\" first: %w", err)
		}
		var tok oauth2.Token
		if err := json.Unmarshal([]byte(raw), &tok); err != nil {
			return nil, fmt.Errorf("parsing stored Gmail token: %w", err)
		}
		return gmail.New(ctx, appCfg.Account.Gmail, &tok)

	case "imap":
		password, err := credential.Get(dataDir, credential.KeyIMAPPassword)
		if err != nil || password == "" {
			password = appCfg.Account.IMAP.Password
		}
		if password == "" {
			return nil, fmt.Errorf("no IMAP password, run \"mailsync auth\" or set account.imap.password")
		}
		if appCfg.Account.IMAP.Host == "" || appCfg.Account.IMAP.Username == "" {
			return nil, fmt.Errorf("account.imap.host and account.imap.username must be configured")
		}
		return imap.New(appCfg.Account.IMAP, password), nil

	default:
		return nil, fmt.Errorf("unknown provider %q (want gmail or imap)", appCfg.Account.Provider)
	}
}
