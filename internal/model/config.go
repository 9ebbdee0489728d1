package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// GmailConfig holds the settings for a Gmail account.
type GmailConfig struct {
	// ClientID and ClientSecret identify the OAuth application.
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
}

// IMAPConfig holds the settings for a generic IMAP account.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password is a fallback for environments without a usable
	// keyring; the keyring entry takes precedence.
	Password string `mapstructure:"password" yaml:"password"`

	// TLS selects implicit TLS; when false the client uses STARTTLS.
	TLS bool `mapstructure:"tls" yaml:"tls"`
}

// AccountConfig describes the single mail account a data directory
// syncs from.
type AccountConfig struct {
	// Provider is "gmail" or "imap".
	Provider string `mapstructure:"provider" yaml:"provider"`

	Gmail GmailConfig `mapstructure:"gmail" yaml:"gmail"`
	IMAP  IMAPConfig  `mapstructure:"imap" yaml:"imap"`

	// Clobber lists the message attributes permitted to be
	// overwritten on re-sync. Empty means never overwrite.
	Clobber []string `mapstructure:"clobber" yaml:"clobber"`

	// DownloadAttachments enables fetching and storing attachment
	// content bytes.
	DownloadAttachments bool `mapstructure:"download_attachments" yaml:"download_attachments"`

	// PageSize is the number of message references requested per
	// provider page.
	PageSize int `mapstructure:"page_size" yaml:"page_size"`
}

// LoggingConfig holds log output preferences.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `mapstructure:"level" yaml:"level"`
}

// AppConfig is the top-level configuration stored in the data directory.
type AppConfig struct {
	Account AccountConfig `mapstructure:"account" yaml:"account"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ConfigPath returns the path of the config file inside dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Account: AccountConfig{
			Provider: "gmail",
			PageSize: 500,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("account.provider", "gmail")
	v.SetDefault("account.page_size", 500)
	v.SetDefault("logging.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Account.PageSize <= 0 {
		cfg.Account.PageSize = 500
	}

	for _, attr := range cfg.Account.Clobber {
		if !ValidClobberAttr(attr) {
			return nil, fmt.Errorf("unknown clobber attribute %q", attr)
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("account", cfg.Account)
	v.Set("logging", cfg.Logging)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
