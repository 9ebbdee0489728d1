package thread

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nhle/mailsync/internal/store"
)

// rebuildChunkSize bounds how many messages a rebuild pass processes
// between commits, keeping the pass interruptible and resumable.
const rebuildChunkSize = 500

// RebuildStats summarizes a corpus-wide rebuild pass.
type RebuildStats struct {
	// Scanned is the number of messages visited.
	Scanned int

	// Linked is the number of messages whose resolved parent pointer
	// is non-null after the pass.
	Linked int

	// Failed is the number of messages whose thread data could not
	// be written; failures do not halt the rest of the pass.
	Failed int
}

// Resolver computes reply-thread structure: a message's single
// resolved parent pointer and its full reference-edge set, derived
// only from identifiers already known to the store. Edges are a
// recomputable view; every visit replaces the previous edge set, so
// re-running over the same message is idempotent.
type Resolver struct {
	store *store.Store
	log   *slog.Logger
}

// NewResolver creates a Resolver backed by the given store.
func NewResolver(s *store.Store, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: s, log: log}
}

// Resolve recomputes thread data for one message from its claimed
// ancestor sequence. Unknown ancestors are not an error; they are
// skipped and may resolve on a later rebuild.
func (r *Resolver) Resolve(ctx context.Context, messageID string, claims []string) error {
	known, err := r.store.ResolveKnown(ctx, claims)
	if err != nil {
		return fmt.Errorf("resolving ancestors of %s: %w", messageID, err)
	}

	parent, edges := resolve(messageID, claims, known)
	if err := r.store.ReplaceThreadData(ctx, messageID, parent, edges); err != nil {
		return fmt.Errorf("writing thread data of %s: %w", messageID, err)
	}
	return nil
}

// RebuildAll recomputes parent pointers and reference edges for every
// stored message, in bounded chunks. A failure on one message is
// logged and counted but does not halt the rebuild of the rest.
func (r *Resolver) RebuildAll(ctx context.Context) (RebuildStats, error) {
	var stats RebuildStats

	// One known-id index for the whole pass; correctness does not
	// depend on it staying fresh because rebuild can always be re-run.
	index, err := r.store.KnownIDIndex(ctx)
	if err != nil {
		return stats, fmt.Errorf("loading id index: %w", err)
	}

	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		batch, err := r.store.ClaimBatch(ctx, after, rebuildChunkSize)
		if err != nil {
			return stats, fmt.Errorf("loading rebuild batch: %w", err)
		}
		if len(batch) == 0 {
			return stats, nil
		}

		for _, cs := range batch {
			stats.Scanned++
			parent, edges := resolve(cs.MessageID, cs.Claims, index)
			if err := r.store.ReplaceThreadData(ctx, cs.MessageID, parent, edges); err != nil {
				stats.Failed++
				r.log.Warn("thread rebuild failed for message",
					"message_id", cs.MessageID, "error", err)
				continue
			}
			if parent != "" {
				stats.Linked++
			}
		}
		after = batch[len(batch)-1].RowID
	}
}

// resolve filters a claimed ancestor sequence down to known
// identifiers. All surviving ancestors become edges; the resolved
// parent is the last survivor in header order, the nearest ancestor
// per the References convention. Self-references are dropped.
func resolve(selfID string, claims []string, known map[string]string) (parent string, edges []string) {
	seen := make(map[string]struct{}, len(claims))
	for _, token := range claims {
		id, ok := known[token]
		if !ok || id == selfID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		edges = append(edges, id)
		parent = id
	}
	return parent, edges
}
