// Package gmail implements the provider capability interface against
// the Gmail REST API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
)

// Adapter implements provider.Provider for Gmail.
type Adapter struct {
	svc *gmailapi.Service

	labelsMu sync.Mutex
	labels   map[string]string
}

// OAuthConfig builds the OAuth application config used both for the
// interactive authorization flow and for refreshing stored tokens.
func OAuthConfig(cfg model.GmailConfig, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmailapi.GmailReadonlyScope},
		RedirectURL:  redirectURL,
	}
}

// New creates a Gmail adapter authenticated with the given OAuth token.
func New(ctx context.Context, cfg model.GmailConfig, tok *oauth2.Token) (*Adapter, error) {
	oauthCfg := OAuthConfig(cfg, "")

	svc, err := gmailapi.NewService(ctx,
		option.WithHTTPClient(oauthCfg.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}

	return &Adapter{svc: svc}, nil
}

// Kind returns the provider kind.
func (a *Adapter) Kind() provider.Kind { return provider.KindGmail }

// Granularity reports second-resolution change queries.
func (a *Adapter) Granularity() time.Duration { return time.Second }

// ListChanges returns one page of message references matching the
// query window.
func (a *Adapter) ListChanges(ctx context.Context, q provider.ChangeQuery) (*provider.ChangePage, error) {
	call := a.svc.Users.Messages.List("me").Context(ctx)

	if q.PageSize > 0 {
		call = call.MaxResults(int64(q.PageSize))
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}
	if query := buildQuery(q); query != "" {
		call = call.Q(query)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, a.wrapErr("listing messages", err)
	}

	page := &provider.ChangePage{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.Refs = append(page.Refs, provider.MessageRef{ID: m.Id})
	}
	return page, nil
}

// buildQuery translates a change window into a Gmail search query.
func buildQuery(q provider.ChangeQuery) string {
	if q.FullSync {
		return ""
	}
	var parts []string
	if !q.Since.IsZero() {
		parts = append(parts, fmt.Sprintf("after:%d", q.Since.Unix()))
	}
	if !q.Before.IsZero() {
		parts = append(parts, fmt.Sprintf("before:%d", q.Before.Unix()))
	}
	return strings.Join(parts, " | ")
}

// FetchMessage retrieves and flattens one message.
func (a *Adapter) FetchMessage(ctx context.Context, ref provider.MessageRef) (*provider.RawMessage, error) {
	msg, err := a.svc.Users.Messages.Get("me", ref.ID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, a.wrapErr(fmt.Sprintf("fetching message %s", ref.ID), err)
	}

	labels, err := a.labelMap(ctx)
	if err != nil {
		return nil, err
	}

	raw := &provider.RawMessage{
		ProviderID:   msg.Id,
		ThreadID:     msg.ThreadId,
		Header:       map[string]string{},
		Size:         msg.SizeEstimate,
		InternalDate: time.UnixMilli(msg.InternalDate),
		IsRead:       true,
	}

	for _, id := range msg.LabelIds {
		if name, ok := labels[id]; ok {
			raw.Labels = append(raw.Labels, name)
		}
		switch id {
		case "UNREAD":
			raw.IsRead = false
		case "SENT":
			raw.IsOutgoing = true
		}
	}

	if msg.Payload != nil {
		collectHeaders(msg.Payload, raw.Header)
		raw.TextBody, raw.HTMLBody = extractBody(msg.Payload)
		collectAttachments(msg.Payload, raw)
	}

	return raw, nil
}

// FetchAttachment retrieves attachment content by its attachment id.
func (a *Adapter) FetchAttachment(ctx context.Context, ref provider.MessageRef, fetchRef string) ([]byte, error) {
	body, err := a.svc.Users.Messages.Attachments.Get("me", ref.ID, fetchRef).Context(ctx).Do()
	if err != nil {
		return nil, a.wrapErr(fmt.Sprintf("fetching attachment of %s", ref.ID), err)
	}
	return decodeBase64URL(body.Data)
}

// labelMap fetches the label id → name mapping, caching it on success
// only. A failed listing is retried on the next call rather than
// poisoning every later fetch.
func (a *Adapter) labelMap(ctx context.Context) (map[string]string, error) {
	a.labelsMu.Lock()
	defer a.labelsMu.Unlock()
	if a.labels != nil {
		return a.labels, nil
	}

	resp, err := a.svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, a.wrapErr("listing labels", err)
	}
	labels := make(map[string]string, len(resp.Labels))
	for _, l := range resp.Labels {
		labels[l.Id] = l.Name
	}
	a.labels = labels
	return a.labels, nil
}

// wantedHeaders maps lowercased wire names to the canonical keys the
// normalizer reads.
var wantedHeaders = map[string]string{
	"from":        "From",
	"to":          "To",
	"cc":          "Cc",
	"bcc":         "Bcc",
	"subject":     "Subject",
	"date":        "Date",
	"message-id":  "Message-ID",
	"in-reply-to": "In-Reply-To",
	"references":  "References",
}

// collectHeaders copies the headers the normalizer consumes out of the
// top-level payload.
func collectHeaders(part *gmailapi.MessagePart, into map[string]string) {
	for _, h := range part.Headers {
		if key, ok := wantedHeaders[strings.ToLower(h.Name)]; ok {
			if _, dup := into[key]; !dup {
				into[key] = h.Value
			}
		}
	}
}

// extractBody walks the MIME tree and returns the first text/plain and
// text/html contents found, preferring shallower parts.
func extractBody(part *gmailapi.MessagePart) (text, html string) {
	if part.Body != nil && part.Body.Data != "" {
		if decoded, err := decodeBase64URL(part.Body.Data); err == nil {
			switch {
			case strings.HasPrefix(part.MimeType, "text/plain"):
				return string(decoded), ""
			case strings.HasPrefix(part.MimeType, "text/html"):
				return "", string(decoded)
			}
		}
	}

	for _, sub := range part.Parts {
		subText, subHTML := extractBody(sub)
		if text == "" {
			text = subText
		}
		if html == "" {
			html = subHTML
		}
		if text != "" && html != "" {
			break
		}
	}
	return text, html
}

// collectAttachments walks the MIME tree recording attachment metadata.
// Content is fetched separately through FetchAttachment.
func collectAttachments(part *gmailapi.MessagePart, raw *provider.RawMessage) {
	if part.Filename != "" {
		att := provider.RawAttachment{
			Filename:    part.Filename,
			ContentType: part.MimeType,
		}
		if att.ContentType == "" {
			att.ContentType = "application/octet-stream"
		}
		if part.Body != nil {
			att.Size = part.Body.Size
			att.FetchRef = part.Body.AttachmentId
		}
		raw.Attachments = append(raw.Attachments, att)
	}
	for _, sub := range part.Parts {
		collectAttachments(sub, raw)
	}
}

// decodeBase64URL decodes Gmail's web-safe base64, with and without
// padding.
func decodeBase64URL(data string) ([]byte, error) {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err == nil {
		return decoded, nil
	}
	decoded, rawErr := base64.RawURLEncoding.DecodeString(data)
	if rawErr != nil {
		return nil, fmt.Errorf("decoding base64 body: %w", err)
	}
	return decoded, nil
}

// wrapErr classifies Gmail API failures into the provider error
// taxonomy. Auth failures are fatal; rate limits and server errors are
// transient, as are plain network failures.
func (a *Adapter) wrapErr(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == 401 || (gerr.Code == 403 && !isRateLimited(gerr)) {
			return &provider.FatalError{
				Kind:    provider.KindGmail,
				Message: "gmail authorization rejected",
				Err:     wrapped,
			}
		}
		if gerr.Code == 429 || gerr.Code >= 500 || isRateLimited(gerr) {
			return &provider.TransientError{Kind: provider.KindGmail, Err: wrapped}
		}
		if gerr.Code == 404 {
			// Deleted between listing and fetch; a per-record failure,
			// not grounds to abort the run.
			return wrapped
		}
		if gerr.Code >= 400 {
			return &provider.FatalError{
				Kind:    provider.KindGmail,
				Message: fmt.Sprintf("gmail request rejected (%d)", gerr.Code),
				Err:     wrapped,
			}
		}
	}

	return &provider.TransientError{Kind: provider.KindGmail, Err: wrapped}
}

// isRateLimited catches the 403-coded rate limit variants Gmail emits.
func isRateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if strings.Contains(item.Reason, "ateLimitExceeded") {
			return true
		}
	}
	return false
}
