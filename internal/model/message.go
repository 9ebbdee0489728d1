package model

import "time"

// Address is a single mailbox participant parsed from an address header.
type Address struct {
	// Name is the display name, empty when the header carried none.
	Name string `json:"name,omitempty"`

	// Email is the bare address, lowercased.
	Email string `json:"email"`
}

// Recipients groups addresses by their role on the message
// (e.g. "to", "cc", "bcc").
type Recipients map[string][]Address

// Message is the canonical, provider-independent form of one email.
type Message struct {
	// MessageID is the provider-scoped unique identifier, stable
	// across syncs of the same account.
	MessageID string

	// RFC822MessageID is the globally unique Message-ID header value
	// with angle brackets stripped. Empty when the header is absent.
	RFC822MessageID string

	// ThreadID is the provider-assigned conversation id, if any.
	ThreadID string

	Sender     Address
	Recipients Recipients
	Labels     []string
	Subject    string

	// Body is the best-effort plain text content.
	Body string

	Size      int64
	Timestamp time.Time

	IsRead     bool
	IsOutgoing bool

	// InReplyTo is the literal parent reference as claimed by the
	// message's In-Reply-To header.
	InReplyTo string

	// References is the parsed ancestor identifier sequence,
	// oldest-first, deduplicated. The last element is the immediate
	// parent candidate.
	References []string

	// Attachments carries attachment metadata and, when downloaded,
	// the raw content bytes.
	Attachments []Attachment
}

// Attachment belongs to exactly one message. Duplicate filenames under
// one message are permitted.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// ClobberAttrs is the set of message attributes that may appear in a
// clobber set. Attributes outside this list are rejected up front.
var ClobberAttrs = []string{
	"thread_id",
	"sender",
	"recipients",
	"labels",
	"subject",
	"body",
	"size",
	"timestamp",
	"is_read",
	"is_outgoing",
	"in_reply_to",
}

// ValidClobberAttr reports whether name is a recognized clobber attribute.
func ValidClobberAttr(name string) bool {
	for _, a := range ClobberAttrs {
		if a == name {
			return true
		}
	}
	return false
}
