package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/provider/gmail"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize access to the configured mail account",
	Long: `Auth stores the credentials the configured provider needs. For
Gmail it runs the OAuth authorization flow in your browser and stores
the resulting token; for IMAP it prompts for the account password.
Credentials go into the system keyring, falling back to an encrypted
file under the data directory.`,
	Args: cobra.NoArgs,
	RunE: runAuth,
}

func init() {
	rootCmd.AddCommand(authCmd)
}

func runAuth(cmd *cobra.Command, args []string) error {
	switch appCfg.Account.Provider {
	case "gmail":
		return authGmail(cmd.Context())
	case "imap":
		return authIMAP()
	default:
		return fmt.Errorf("unknown provider %q (want gmail or imap)", appCfg.Account.Provider)
	}
}

// authGmail runs the loopback OAuth flow: a one-shot local listener
// receives the authorization code redirect, which is exchanged for a
// refreshable token.
func authGmail(ctx context.Context) error {
	cfg := appCfg.Account.Gmail
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return fmt.Errorf("account.gmail.client_id and client_secret must be configured in %s",
			"config.yaml")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("starting callback listener: %w", err)
	}
	defer ln.Close()

	redirectURL := fmt.Sprintf("http://%s/callback", ln.Addr().String())
	oauthCfg := gmail.OAuthConfig(cfg, redirectURL)

	state := uuid.NewString()
	authURL := oauthCfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Printf("Open this URL in your browser to authorize access:\n\n  %s\n\n", authURL)

	codeCh := make(chan string, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing authorization code", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Authorization complete. You can close this tab.")
		codeCh <- code
	})}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	var code string
	select {
	case code = <-codeCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	tok, err := oauthCfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}

	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := credential.Set(dataDir, credential.KeyGmailToken, string(raw)); err != nil {
		return err
	}

	fmt.Println("Gmail token stored.")
	return nil
}

func authIMAP() error {
	if appCfg.Account.IMAP.Username == "" {
		return fmt.Errorf("account.imap.username must be configured first")
	}

	fmt.Printf("IMAP password for %s: ", appCfg.Account.IMAP.Username)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimSpace(line)
	if password == "" {
		return fmt.Errorf("empty password")
	}

	if err := credential.Set(dataDir, credential.KeyIMAPPassword, password); err != nil {
		return err
	}

	fmt.Println("IMAP password stored.")
	return nil
}
