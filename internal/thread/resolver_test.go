package thread

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/tests/testutil"
)

func TestResolveLinksKnownAncestors(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	r := NewResolver(s, nil)

	for _, id := range []string{"root", "mid"} {
		_, err := s.UpsertMessage(ctx, testutil.Message(id), nil)
		require.NoError(t, err)
	}

	reply := testutil.Message("reply")
	reply.References = []string{"root@example.com", "mid@example.com"}
	_, err := s.UpsertMessage(ctx, reply, nil)
	require.NoError(t, err)

	require.NoError(t, r.Resolve(ctx, "reply", reply.References))

	got, err := s.GetMessage(ctx, "reply")
	require.NoError(t, err)
	assert.Equal(t, "mid", got.InReplyToID, "parent is the nearest known ancestor")

	edges, err := s.EdgesOf(ctx, "reply")
	require.NoError(t, err)
	assert.Equal(t, []string{"mid", "root"}, edges)
}

func TestUnknownAncestorResolvesAfterRebuild(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	r := NewResolver(s, nil)

	// The reply arrives before the message it answers.
	reply := testutil.Message("reply")
	reply.References = []string{"parent@example.com"}
	_, err := s.UpsertMessage(ctx, reply, nil)
	require.NoError(t, err)
	require.NoError(t, r.Resolve(ctx, "reply", reply.References))

	got, err := s.GetMessage(ctx, "reply")
	require.NoError(t, err)
	assert.Empty(t, got.InReplyToID, "unknown ancestor yields no parent")

	edges, err := s.EdgesOf(ctx, "reply")
	require.NoError(t, err)
	assert.Empty(t, edges)

	// Once the parent is ingested, a rebuild makes the link appear.
	_, err = s.UpsertMessage(ctx, testutil.Message("parent"), nil)
	require.NoError(t, err)

	stats, err := r.RebuildAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Linked)
	assert.Zero(t, stats.Failed)

	got, err = s.GetMessage(ctx, "reply")
	require.NoError(t, err)
	assert.Equal(t, "parent", got.InReplyToID)

	edges, err = s.EdgesOf(ctx, "reply")
	require.NoError(t, err)
	assert.Equal(t, []string{"parent"}, edges)
}

func TestRebuildAllIsIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	r := NewResolver(s, nil)

	_, err := s.UpsertMessage(ctx, testutil.Message("root"), nil)
	require.NoError(t, err)

	reply := testutil.Message("reply")
	reply.References = []string{"root@example.com"}
	_, err = s.UpsertMessage(ctx, reply, nil)
	require.NoError(t, err)

	first, err := r.RebuildAll(ctx)
	require.NoError(t, err)
	second, err := r.RebuildAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	n, err := s.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "rebuild replaces edge sets, it does not accumulate")
}

func TestRebuildAllResolvesRFC822Claims(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	r := NewResolver(s, nil)

	// The claim names the parent's rfc822 id, not its provider id.
	parent := testutil.Message("prov-123")
	parent.RFC822MessageID = "thread-root@example.com"
	_, err := s.UpsertMessage(ctx, parent, nil)
	require.NoError(t, err)

	reply := testutil.Message("prov-456")
	reply.References = []string{"thread-root@example.com"}
	_, err = s.UpsertMessage(ctx, reply, nil)
	require.NoError(t, err)

	_, err = r.RebuildAll(ctx)
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, "prov-456")
	require.NoError(t, err)
	assert.Equal(t, "prov-123", got.InReplyToID,
		"edges point at provider-scoped message ids")
}
