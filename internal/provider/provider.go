package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the remote mail source implementation.
type Kind string

const (
	KindGmail Kind = "gmail"
	KindIMAP  Kind = "imap"
)

// TransientError indicates a retryable provider failure such as a
// network drop or rate limit. The caller retries per its backoff
// policy before escalating.
type TransientError struct {
	Kind Kind
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error (%s): %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FatalError indicates an unrecoverable provider failure such as an
// authentication error or invalid account. It aborts the account's run.
type FatalError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal provider error (%s): %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("fatal provider error (%s): %s", e.Kind, e.Message)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err (or any error in its chain) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// MessageRef is an opaque reference to one remote message, valid only
// against the provider that produced it.
type MessageRef struct {
	ID string
}

// ChangeQuery describes which messages a ListChanges call should cover.
type ChangeQuery struct {
	// FullSync covers all time; Since/Before are ignored.
	FullSync bool

	// Since selects messages newer than the newest already stored;
	// Before additionally selects messages older than the oldest
	// already stored (history backfill). When both are set the
	// provider returns the union, not the intersection.
	Since  time.Time
	Before time.Time

	// PageToken resumes a paginated listing; empty requests the
	// first page.
	PageToken string

	// PageSize is the maximum number of references per page.
	PageSize int
}

// ChangePage is one page of changed message references.
type ChangePage struct {
	Refs []MessageRef

	// NextPageToken is non-empty while more pages remain.
	NextPageToken string
}

// RawAttachment is attachment data as delivered by a provider. Content
// may be nil when the provider serves attachment bytes through a
// separate fetch, in which case FetchRef is set.
type RawAttachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
	FetchRef    string
}

// RawMessage is one message as delivered by a provider, before
// normalization. Header values are raw strings keyed by canonical
// header name (From, To, Cc, Bcc, Subject, Date, Message-ID,
// In-Reply-To, References).
type RawMessage struct {
	ProviderID string
	ThreadID   string
	Header     map[string]string
	Labels     []string
	Size       int64

	// InternalDate is the provider's receive instant, used when the
	// Date header is missing or unparsable.
	InternalDate time.Time

	IsRead     bool
	IsOutgoing bool

	TextBody string
	HTMLBody string

	Attachments []RawAttachment
}

// Provider is the capability interface the sync coordinator consumes.
// Implementations surface transient vs permanent failures via
// TransientError and FatalError.
type Provider interface {
	// Kind returns the provider kind.
	Kind() Kind

	// Granularity is the finest time resolution the provider's
	// change queries support. Day-granularity providers force the
	// caller to widen incremental windows accordingly.
	Granularity() time.Duration

	// ListChanges returns one page of message references matching
	// the query.
	ListChanges(ctx context.Context, q ChangeQuery) (*ChangePage, error)

	// FetchMessage retrieves the raw record for one reference.
	FetchMessage(ctx context.Context, ref MessageRef) (*RawMessage, error)

	// FetchAttachment retrieves attachment content for a
	// RawAttachment whose Content was not delivered inline.
	FetchAttachment(ctx context.Context, ref MessageRef, fetchRef string) ([]byte, error)
}
