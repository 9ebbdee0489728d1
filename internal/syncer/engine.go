// Package syncer orchestrates a sync run: cursor determination, paged
// change listing, per-record normalization and upsert, checkpointing,
// and the closing thread-rebuild pass.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/normalize"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/thread"
)

// State represents where a sync run currently is.
type State int

const (
	StateIdle State = iota
	StateFetchingCursor
	StateFetchingChanges
	StateProcessing
	StateRebuildingThreads
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingCursor:
		return "fetching_cursor"
	case StateFetchingChanges:
		return "fetching_changes"
	case StateProcessing:
		return "processing"
	case StateRebuildingThreads:
		return "rebuilding_threads"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	defaultPageSize = 500
	defaultPrefetch = 4
)

// Options configures a single sync run.
type Options struct {
	// Account names the checkpoint row for this provider account.
	Account string

	// FullSync ignores the stored checkpoint and covers all time.
	FullSync bool

	// Clobber lists the message attributes an incremental touch may
	// overwrite on an existing row.
	Clobber []string

	// DownloadAttachments stores attachment content alongside
	// metadata. When off, attachments are not persisted at all.
	DownloadAttachments bool

	// PageSize bounds each change-listing page.
	PageSize int

	// Prefetch bounds concurrent message fetches within a page.
	Prefetch int
}

// Summary reports what one run did.
type Summary struct {
	Pages             int
	Processed         int
	Inserted          int
	Updated           int
	Skipped           int
	Failed            int
	AttachmentsFailed int
	Rebuild           thread.RebuildStats
}

// Engine drives one provider account through the sync pipeline.
type Engine struct {
	store    *store.Store
	prov     provider.Provider
	resolver *thread.Resolver
	log      *slog.Logger

	mu    gosync.Mutex
	state State
}

// New creates an Engine for the given provider and store.
func New(s *store.Store, p provider.Provider, log *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		prov:     p,
		resolver: thread.NewResolver(s, log),
		log:      log,
		state:    StateIdle,
	}
}

// State returns the engine's current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.log.Debug("sync state changed", "state", s.String())
}

// Run executes a full or incremental sync of the account, then
// rebuilds thread links over the whole corpus. Per-record failures
// are counted, not fatal; provider authentication failures and
// exhausted retries abort the run.
func (e *Engine) Run(ctx context.Context, opts Options) (*Summary, error) {
	summary := &Summary{}

	e.setState(StateFetchingCursor)
	query, watermark, err := e.resolveCursor(ctx, opts)
	if err != nil {
		e.setState(StateFailed)
		return summary, err
	}

	for {
		e.setState(StateFetchingChanges)
		page, err := e.listPage(ctx, query)
		if err != nil {
			e.setState(StateFailed)
			return summary, fmt.Errorf("listing changes: %w", err)
		}
		summary.Pages++

		e.setState(StateProcessing)
		if err := e.processPage(ctx, page.Refs, opts, summary, watermark); err != nil {
			e.setState(StateFailed)
			return summary, err
		}

		// The checkpoint only advances once the page's rows are
		// committed; a crash before this point re-fetches the page,
		// which the idempotent upsert absorbs.
		if err := e.saveCheckpoint(ctx, opts.Account, page.NextPageToken, watermark); err != nil {
			e.setState(StateFailed)
			return summary, err
		}

		e.log.Info("page processed",
			"account", opts.Account,
			"page", summary.Pages,
			"records", len(page.Refs),
			"failed", summary.Failed)

		if page.NextPageToken == "" {
			break
		}
		query.PageToken = page.NextPageToken
	}

	e.setState(StateRebuildingThreads)
	stats, err := e.resolver.RebuildAll(ctx)
	summary.Rebuild = stats
	if err != nil {
		e.setState(StateFailed)
		return summary, fmt.Errorf("rebuilding threads: %w", err)
	}

	if err := e.saveCheckpoint(ctx, opts.Account, "", watermark); err != nil {
		e.setState(StateFailed)
		return summary, err
	}

	e.setState(StateIdle)
	return summary, nil
}

// SyncOne runs the same pipeline for a single provider message
// reference. It never touches the checkpoint.
func (e *Engine) SyncOne(ctx context.Context, id string, opts Options) (*Summary, error) {
	summary := &Summary{}

	e.setState(StateProcessing)
	refs := []provider.MessageRef{{ID: id}}
	if err := e.processPage(ctx, refs, opts, summary, &watermark{}); err != nil {
		e.setState(StateFailed)
		return summary, err
	}

	e.setState(StateIdle)
	if summary.Failed > 0 || summary.Skipped > 0 {
		return summary, fmt.Errorf("message %s was not stored", id)
	}
	return summary, nil
}

// watermark tracks the newest and oldest message instants seen, seeded
// from the previous checkpoint so the next incremental window starts
// from the right edges.
type watermark struct {
	newest time.Time
	oldest time.Time
}

func (w *watermark) observe(t time.Time) {
	if w.newest.IsZero() || t.After(w.newest) {
		w.newest = t
	}
	if w.oldest.IsZero() || t.Before(w.oldest) {
		w.oldest = t
	}
}

// resolveCursor determines the change window for this run. A first run
// with no checkpoint and an empty store degrades to a full sync.
func (e *Engine) resolveCursor(ctx context.Context, opts Options) (provider.ChangeQuery, *watermark, error) {
	query := provider.ChangeQuery{PageSize: opts.PageSize}
	if query.PageSize <= 0 {
		query.PageSize = defaultPageSize
	}
	wm := &watermark{}

	if opts.FullSync {
		query.FullSync = true
		return query, wm, nil
	}

	cp, err := e.store.LoadCheckpoint(ctx, opts.Account)
	if err != nil {
		return query, nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	var newest, oldest *time.Time
	if cp != nil {
		newest, oldest = cp.NewestSeen, cp.OldestSeen
	}
	if newest == nil {
		// No checkpoint yet; derive the window from what is already
		// stored, so an interrupted first run resumes sensibly.
		newest, oldest, err = e.store.MessageTimeRange(ctx)
		if err != nil {
			return query, nil, fmt.Errorf("deriving sync window: %w", err)
		}
	}
	if newest == nil {
		query.FullSync = true
		return query, wm, nil
	}

	// Coarse-granularity providers compare at day resolution, so the
	// window is widened to whole units on both edges. Re-fetching
	// already-seen messages is harmless.
	gran := e.prov.Granularity()
	query.Since = newest.Truncate(gran)
	wm.observe(*newest)
	if oldest != nil {
		query.Before = oldest.Truncate(gran).Add(gran)
		wm.observe(*oldest)
	}
	return query, wm, nil
}

// processPage fetches, normalizes, stores, and thread-links one page
// of references. Fetches are prefetched concurrently; everything after
// that is serial per record.
func (e *Engine) processPage(ctx context.Context, refs []provider.MessageRef, opts Options, summary *Summary, wm *watermark) error {
	if len(refs) == 0 {
		return nil
	}

	type fetched struct {
		raw *provider.RawMessage
		err error
	}
	results := make([]fetched, len(refs))

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(prefetch)
	for i, ref := range refs {
		group.Go(func() error {
			raw, err := e.fetchMessage(groupCtx, ref)
			results[i] = fetched{raw: raw, err: err}
			if provider.IsFatal(err) {
				return err
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("fetching messages: %w", err)
	}

	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if results[i].err != nil {
			summary.Failed++
			e.log.Warn("message fetch failed", "ref", ref.ID, "error", results[i].err)
			continue
		}

		msg, err := normalize.Message(results[i].raw, e.prov.Kind())
		if err != nil {
			summary.Skipped++
			e.log.Warn("message skipped", "ref", ref.ID, "error", err)
			continue
		}

		e.prepareAttachments(ctx, ref, results[i].raw, msg, opts, summary)

		outcome, err := e.store.UpsertMessage(ctx, msg, opts.Clobber)
		if err != nil {
			summary.Failed++
			e.log.Warn("message store failed", "ref", ref.ID, "error", err)
			continue
		}
		summary.Processed++
		if outcome.Inserted {
			summary.Inserted++
		} else {
			summary.Updated++
		}
		wm.observe(msg.Timestamp)

		if err := e.resolver.Resolve(ctx, outcome.MessageID, msg.References); err != nil {
			// The closing rebuild pass revisits every message, so a
			// failed incremental link is recoverable.
			e.log.Warn("thread link failed", "message_id", outcome.MessageID, "error", err)
		}
	}
	return nil
}

// prepareAttachments fills in attachment content for providers that
// serve it out of band, or strips attachments entirely when downloads
// are disabled.
func (e *Engine) prepareAttachments(ctx context.Context, ref provider.MessageRef, raw *provider.RawMessage, msg *model.Message, opts Options, summary *Summary) {
	if !opts.DownloadAttachments {
		msg.Attachments = nil
		return
	}

	for i := range msg.Attachments {
		if msg.Attachments[i].Content != nil {
			continue
		}
		fetchRef := raw.Attachments[i].FetchRef
		if fetchRef == "" {
			continue
		}
		content, err := e.fetchAttachment(ctx, ref, fetchRef)
		if err != nil {
			summary.AttachmentsFailed++
			e.log.Warn("attachment fetch failed",
				"ref", ref.ID,
				"filename", msg.Attachments[i].Filename,
				"error", err)
			continue
		}
		msg.Attachments[i].Content = content
		msg.Attachments[i].Size = int64(len(content))
	}
}

func (e *Engine) saveCheckpoint(ctx context.Context, account, cursor string, wm *watermark) error {
	cp := &store.Checkpoint{
		Account: account,
		Cursor:  cursor,
	}
	if !wm.newest.IsZero() {
		cp.NewestSeen = &wm.newest
	}
	if !wm.oldest.IsZero() {
		cp.OldestSeen = &wm.oldest
	}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// listPage lists one change page, retrying transient provider errors
// with exponential backoff.
func (e *Engine) listPage(ctx context.Context, q provider.ChangeQuery) (*provider.ChangePage, error) {
	var page *provider.ChangePage
	op := func() error {
		p, err := e.prov.ListChanges(ctx, q)
		if err != nil {
			if provider.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		page = p
		return nil
	}
	if err := backoff.Retry(op, newBackOff(ctx)); err != nil {
		return nil, err
	}
	return page, nil
}

func (e *Engine) fetchMessage(ctx context.Context, ref provider.MessageRef) (*provider.RawMessage, error) {
	var raw *provider.RawMessage
	op := func() error {
		r, err := e.prov.FetchMessage(ctx, ref)
		if err != nil {
			if provider.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		raw = r
		return nil
	}
	if err := backoff.Retry(op, newBackOff(ctx)); err != nil {
		return nil, err
	}
	return raw, nil
}

func (e *Engine) fetchAttachment(ctx context.Context, ref provider.MessageRef, fetchRef string) ([]byte, error) {
	var content []byte
	op := func() error {
		c, err := e.prov.FetchAttachment(ctx, ref, fetchRef)
		if err != nil {
			if provider.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		content = c
		return nil
	}
	if err := backoff.Retry(op, newBackOff(ctx)); err != nil {
		return nil, err
	}
	return content, nil
}

func newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.WithContext(b, ctx)
}
