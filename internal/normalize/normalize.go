// Package normalize maps raw provider records into canonical messages.
// Normalization is pure: the same raw input always yields the same
// canonical output, independent of store state.
package normalize

import (
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/thread"
)

// Error marks a record that cannot be normalized because a required
// field is missing or irrecoverably malformed. One such failure skips
// the record; it never aborts a batch.
type Error struct {
	ProviderID string
	Reason     string
}

func (e *Error) Error() string {
	if e.ProviderID == "" {
		return fmt.Sprintf("normalizing record: %s", e.Reason)
	}
	return fmt.Sprintf("normalizing record %s: %s", e.ProviderID, e.Reason)
}

// IsError reports whether err (or any error in its chain) is a
// normalization Error.
func IsError(err error) bool {
	var ne *Error
	return errors.As(err, &ne)
}

// Message converts one raw provider record into a fully-populated
// canonical message.
func Message(raw *provider.RawMessage, kind provider.Kind) (*model.Message, error) {
	if raw == nil {
		return nil, &Error{Reason: "nil record"}
	}
	if raw.ProviderID == "" {
		return nil, &Error{Reason: "missing provider message id"}
	}

	ts, err := timestamp(raw)
	if err != nil {
		return nil, err
	}

	inReplyTo := strings.TrimSpace(raw.Header["In-Reply-To"])

	msg := &model.Message{
		MessageID:       raw.ProviderID,
		RFC822MessageID: trimMessageID(raw.Header["Message-ID"]),
		ThreadID:        raw.ThreadID,
		Sender:          parseAddress(raw.Header["From"]),
		Recipients:      parseRecipients(raw.Header),
		Labels:          raw.Labels,
		Subject:         decodeHeader(raw.Header["Subject"]),
		Body:            body(raw),
		Size:            raw.Size,
		Timestamp:       ts,
		IsRead:          raw.IsRead,
		IsOutgoing:      raw.IsOutgoing,
		InReplyTo:       inReplyTo,
		References:      thread.ParseReferences(raw.Header["References"], inReplyTo),
	}

	for _, a := range raw.Attachments {
		msg.Attachments = append(msg.Attachments, model.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
			Content:     a.Content,
		})
	}

	return msg, nil
}

// timestamp resolves the message instant: Date header first, provider
// internal date as fallback. Missing both is irrecoverable.
func timestamp(raw *provider.RawMessage) (time.Time, error) {
	if date := strings.TrimSpace(raw.Header["Date"]); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			return t, nil
		}
	}
	if !raw.InternalDate.IsZero() {
		return raw.InternalDate, nil
	}
	return time.Time{}, &Error{ProviderID: raw.ProviderID, Reason: "missing timestamp"}
}

// body extracts the best-effort plain text content, preferring a text
// part and lossily reducing HTML when that is all the message has.
func body(raw *provider.RawMessage) string {
	if raw.TextBody != "" {
		return raw.TextBody
	}
	if raw.HTMLBody == "" {
		return ""
	}
	text, err := html2text.FromString(raw.HTMLBody, html2text.Options{TextOnly: true})
	if err != nil {
		// Reduction must not fail the message; keep the markup.
		return raw.HTMLBody
	}
	return text
}

// parseRecipients groups the address headers by role.
func parseRecipients(header map[string]string) model.Recipients {
	recipients := model.Recipients{}
	for hdr, role := range map[string]string{"To": "to", "Cc": "cc", "Bcc": "bcc"} {
		if v := strings.TrimSpace(header[hdr]); v != "" {
			if addrs := parseAddressList(v); len(addrs) > 0 {
				recipients[role] = addrs
			}
		}
	}
	return recipients
}

// parseAddressList parses a header value holding one or more
// addresses. A malformed list degrades to email-only records rather
// than dropping the message.
func parseAddressList(value string) []model.Address {
	list, err := mail.ParseAddressList(value)
	if err != nil {
		return degradedAddresses(value)
	}

	addrs := make([]model.Address, 0, len(list))
	for _, a := range list {
		if a.Address == "" {
			continue
		}
		addrs = append(addrs, model.Address{
			Name:  decodeHeader(a.Name),
			Email: strings.ToLower(a.Address),
		})
	}
	return addrs
}

// parseAddress parses a single-address header such as From.
func parseAddress(value string) model.Address {
	value = strings.TrimSpace(value)
	if value == "" {
		return model.Address{}
	}

	a, err := mail.ParseAddress(value)
	if err != nil {
		if degraded := degradedAddresses(value); len(degraded) > 0 {
			return degraded[0]
		}
		return model.Address{}
	}
	return model.Address{
		Name:  decodeHeader(a.Name),
		Email: strings.ToLower(a.Address),
	}
}

// degradedAddresses salvages bare addresses from a header the RFC 5322
// parser rejects.
func degradedAddresses(value string) []model.Address {
	var addrs []model.Address
	for _, part := range strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	}) {
		token := strings.Trim(part, "<>\"'")
		if strings.Count(token, "@") == 1 {
			addrs = append(addrs, model.Address{Email: strings.ToLower(token)})
		}
	}
	return addrs
}

// decodeHeader decodes RFC 2047 encoded words, passing already-decoded
// values through unchanged.
func decodeHeader(value string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// trimMessageID strips the angle brackets from a Message-ID header.
func trimMessageID(value string) string {
	return strings.Trim(strings.TrimSpace(value), "<>")
}
