package imap

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/provider"
)

// connect establishes a connection to the IMAP server and
// authenticates. The caller is responsible for Logout on the returned
// client. Dial failures are transient; rejected credentials are fatal.
func (a *Adapter) connect() (*imapclient.Client, error) {
	addr := a.host + ":" + a.port

	var client *imapclient.Client
	var err error

	if a.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, &provider.TransientError{
			Kind: provider.KindIMAP,
			Err:  fmt.Errorf("connecting to IMAP %s: %w", addr, err),
		}
	}

	if err := client.Login(a.username, a.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &provider.FatalError{
			Kind:    provider.KindIMAP,
			Message: fmt.Sprintf("authentication failed for %s", a.username),
			Err:     err,
		}
	}

	return client, nil
}

// listFolders returns all selectable mailbox names in a stable order,
// so folder-indexed page tokens stay valid across calls within a run.
func listFolders(client *imapclient.Client) ([]string, error) {
	listCmd := client.List("", "*", nil)
	mailboxes, err := listCmd.Collect()
	if err != nil {
		return nil, &provider.TransientError{
			Kind: provider.KindIMAP,
			Err:  fmt.Errorf("listing mailboxes: %w", err),
		}
	}

	var folders []string
	for _, mbox := range mailboxes {
		if mbox.Attrs != nil {
			skip := false
			for _, attr := range mbox.Attrs {
				if attr == goimap.MailboxAttrNoSelect {
					skip = true
					break
				}
			}
			if skip {
				continue
			}
		}
		folders = append(folders, mbox.Mailbox)
	}
	sort.Strings(folders)
	return folders, nil
}

// parseRawMessage parses a full RFC 2822 message into a raw provider
// record: headers the normalizer reads, text and HTML bodies, and
// attachments with inline content.
func parseRawMessage(rawBody []byte, raw *provider.RawMessage) {
	mr, err := mail.CreateReader(bytes.NewReader(rawBody))
	if err != nil {
		// Unparsable MIME degrades to treating the payload as plain
		// text; the headers stay whatever the envelope provided.
		raw.TextBody = string(rawBody)
		return
	}
	defer mr.Close()

	for _, key := range []string{
		"From", "To", "Cc", "Bcc", "Subject", "Date",
		"Message-ID", "In-Reply-To", "References",
	} {
		if v := mr.Header.Get(key); v != "" {
			raw.Header[key] = v
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				if raw.TextBody == "" {
					raw.TextBody = string(body)
				}
			case strings.HasPrefix(contentType, "text/html"):
				if raw.HTMLBody == "" {
					raw.HTMLBody = string(body)
				}
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			if filename == "" {
				continue
			}
			contentType, _, _ := h.ContentType()
			if contentType == "" {
				contentType = "application/octet-stream"
			}

			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			raw.Attachments = append(raw.Attachments, provider.RawAttachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        int64(len(body)),
				Content:     body,
			})
		}
	}
}
