// Package imap ingests mail from any IMAP server. Messages are
// addressed as "folder:uid" pairs, and change listing walks every
// selectable folder with a SINCE/BEFORE search, paging across folder
// boundaries with a positional token.
package imap

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
)

// IMAP SEARCH SINCE/BEFORE compare internal dates at day resolution,
// so sync windows are widened to whole days.
const searchGranularity = 24 * time.Hour

const defaultPageSize = 500

// Adapter connects to a generic IMAP server. Each operation opens its
// own connection; servers routinely drop idle sessions, and a sync run
// is short-lived anyway.
type Adapter struct {
	host     string
	port     string
	username string
	password string
	tls      bool
}

func New(cfg model.IMAPConfig, password string) *Adapter {
	port := cfg.Port
	if port == "" {
		port = "993"
	}
	return &Adapter{
		host:     cfg.Host,
		port:     port,
		username: cfg.Username,
		password: password,
		tls:      cfg.TLS,
	}
}

func (a *Adapter) Kind() provider.Kind { return provider.KindIMAP }

func (a *Adapter) Granularity() time.Duration { return searchGranularity }

// ListChanges walks folders in sorted order and pages UID search
// results. The page token is "folderIndex:offset" into that ordering;
// it is only meaningful within a single run, which is all the sync
// loop needs.
func (a *Adapter) ListChanges(ctx context.Context, q provider.ChangeQuery) (*provider.ChangePage, error) {
	client, err := a.connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	folders, err := listFolders(client)
	if err != nil {
		return nil, err
	}

	folderIdx, offset, err := decodePageToken(q.PageToken)
	if err != nil {
		return nil, &provider.FatalError{Kind: provider.KindIMAP, Message: "bad page token", Err: err}
	}

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	criteria := &goimap.SearchCriteria{}
	if !q.FullSync {
		switch {
		case !q.Since.IsZero() && !q.Before.IsZero():
			// The window is a union: newer than Since or older than
			// Before.
			criteria.Or = [][2]goimap.SearchCriteria{{
				{Since: q.Since},
				{Before: q.Before},
			}}
		case !q.Since.IsZero():
			criteria.Since = q.Since
		case !q.Before.IsZero():
			criteria.Before = q.Before
		}
	}

	page := &provider.ChangePage{}
	for folderIdx < len(folders) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		folder := folders[folderIdx]

		if _, err := client.Select(folder, &goimap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			// Some servers advertise folders they refuse to open.
			folderIdx++
			offset = 0
			continue
		}

		data, err := client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return nil, &provider.TransientError{
				Kind: provider.KindIMAP,
				Err:  fmt.Errorf("searching %q: %w", folder, err),
			}
		}

		uids := data.AllUIDs()
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

		for offset < len(uids) && len(page.Refs) < pageSize {
			page.Refs = append(page.Refs, provider.MessageRef{
				ID: encodeRef(folder, uids[offset]),
			})
			offset++
		}

		if offset < len(uids) {
			page.NextPageToken = encodePageToken(folderIdx, offset)
			return page, nil
		}
		folderIdx++
		offset = 0
	}

	return page, nil
}

// FetchMessage downloads and parses a single message. The body is
// fetched with PEEK so syncing never flips read state on the server.
func (a *Adapter) FetchMessage(ctx context.Context, ref provider.MessageRef) (*provider.RawMessage, error) {
	folder, uid, err := decodeRef(ref.ID)
	if err != nil {
		return nil, err
	}

	client, err := a.connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(folder, &goimap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, &provider.TransientError{
			Kind: provider.KindIMAP,
			Err:  fmt.Errorf("selecting %q: %w", folder, err),
		}
	}

	bodySection := &goimap.FetchItemBodySection{Peek: true}
	fetchOpts := &goimap.FetchOptions{
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
		UID:          true,
		BodySection:  []*goimap.FetchItemBodySection{bodySection},
	}
	buffers, err := client.Fetch(goimap.UIDSetNum(uid), fetchOpts).Collect()
	if err != nil {
		return nil, &provider.TransientError{
			Kind: provider.KindIMAP,
			Err:  fmt.Errorf("fetching %s: %w", ref.ID, err),
		}
	}
	if len(buffers) == 0 {
		return nil, fmt.Errorf("message %s no longer exists", ref.ID)
	}
	buf := buffers[0]

	rawBody := buf.FindBodySection(bodySection)
	if rawBody == nil {
		return nil, fmt.Errorf("message %s has no body", ref.ID)
	}

	raw := &provider.RawMessage{
		Header:       map[string]string{},
		Labels:       []string{folder},
		Size:         int64(len(rawBody)),
		InternalDate: buf.InternalDate,
	}
	if buf.RFC822Size > 0 {
		raw.Size = buf.RFC822Size
	}
	for _, flag := range buf.Flags {
		if flag == goimap.FlagSeen {
			raw.IsRead = true
		}
	}

	parseRawMessage(rawBody, raw)

	// Messages without a Message-ID get a synthetic identity so they
	// can still be stored and deduplicated within this account.
	if id := strings.Trim(raw.Header["Message-ID"], "<> \t"); id != "" {
		raw.ProviderID = id
	} else {
		raw.ProviderID = uuid.NewString()
		delete(raw.Header, "Message-ID")
	}

	raw.IsOutgoing = a.isFromSelf(raw.Header["From"])

	return raw, nil
}

// FetchAttachment is never reached for IMAP: attachment content is
// carried inline on the parsed message.
func (a *Adapter) FetchAttachment(ctx context.Context, ref provider.MessageRef, fetchRef string) ([]byte, error) {
	return nil, fmt.Errorf("message %s has no out-of-band attachments", ref.ID)
}

func (a *Adapter) isFromSelf(from string) bool {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return false
	}
	return strings.EqualFold(addr.Address, a.username)
}

func encodeRef(folder string, uid goimap.UID) string {
	return fmt.Sprintf("%s:%d", folder, uid)
}

func decodeRef(id string) (string, goimap.UID, error) {
	sep := strings.LastIndex(id, ":")
	if sep < 1 {
		return "", 0, fmt.Errorf("malformed message reference %q", id)
	}
	uid, err := strconv.ParseUint(id[sep+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("malformed message reference %q: %w", id, err)
	}
	return id[:sep], goimap.UID(uid), nil
}

func encodePageToken(folderIdx, offset int) string {
	return fmt.Sprintf("%d:%d", folderIdx, offset)
}

func decodePageToken(token string) (folderIdx, offset int, err error) {
	if token == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed page token %q", token)
	}
	folderIdx, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed page token %q: %w", token, err)
	}
	offset, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed page token %q: %w", token, err)
	}
	return folderIdx, offset, nil
}
