package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

func TestResolveKnown(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertMessage(ctx, testutil.Message("m1"), nil)
	require.NoError(t, err)

	known, err := s.ResolveKnown(ctx, []string{"m1", "m1@example.com", "ghost@example.com"})
	require.NoError(t, err)

	assert.Equal(t, "m1", known["m1"])
	assert.Equal(t, "m1", known["m1@example.com"], "rfc822 tokens resolve to the owning message_id")
	_, ok := known["ghost@example.com"]
	assert.False(t, ok, "unknown tokens are absent, not mapped to empty")
}

func TestResolveKnownEmptyInput(t *testing.T) {
	s := testutil.NewTestStore(t)

	known, err := s.ResolveKnown(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, known)
}

func TestReplaceThreadDataReplacesNotAccumulates(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.UpsertMessage(ctx, testutil.Message(id), nil)
		require.NoError(t, err)
	}

	require.NoError(t, s.ReplaceThreadData(ctx, "c", "b", []string{"a", "b"}))

	edges, err := s.EdgesOf(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, edges)

	got, err := s.GetMessage(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "b", got.InReplyToID)

	// A later pass with a smaller survivor set must shrink the edges.
	require.NoError(t, s.ReplaceThreadData(ctx, "c", "a", []string{"a"}))

	edges, err = s.EdgesOf(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, edges)

	got, err = s.GetMessage(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "a", got.InReplyToID)

	// And an empty result clears everything.
	require.NoError(t, s.ReplaceThreadData(ctx, "c", "", nil))

	edges, err = s.EdgesOf(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, edges)

	got, err = s.GetMessage(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, got.InReplyToID)
}

func TestClaimBatchIteratesWholeCorpus(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		msg := testutil.Message(id)
		msg.References = []string{"root@example.com", id + "-parent@example.com"}
		_, err := s.UpsertMessage(ctx, msg, nil)
		require.NoError(t, err)
	}

	var seen []string
	var cursor int64
	for {
		batch, err := s.ClaimBatch(ctx, cursor, 2)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		for _, cs := range batch {
			seen = append(seen, cs.MessageID)
			assert.Equal(t,
				[]string{"root@example.com", cs.MessageID + "-parent@example.com"},
				cs.Claims, "claims come back in header order")
			cursor = cs.RowID
		}
	}

	assert.ElementsMatch(t, ids, seen)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	cp, err := s.LoadCheckpoint(ctx, "gmail")
	require.NoError(t, err)
	assert.Nil(t, cp, "no checkpoint before the first committed page")

	newest := testutil.Message("m1").Timestamp
	require.NoError(t, s.SaveCheckpoint(ctx, &store.Checkpoint{
		Account:    "gmail",
		Cursor:     "page-2",
		NewestSeen: &newest,
	}))

	cp, err = s.LoadCheckpoint(ctx, "gmail")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "gmail", cp.Account)
	assert.Equal(t, "page-2", cp.Cursor)
	require.NotNil(t, cp.NewestSeen)
	assert.True(t, cp.NewestSeen.Equal(newest))
	assert.Nil(t, cp.OldestSeen)
	assert.False(t, cp.UpdatedAt.IsZero())

	// Saving again replaces the row.
	require.NoError(t, s.SaveCheckpoint(ctx, &store.Checkpoint{
		Account:    "gmail",
		NewestSeen: &newest,
	}))

	cp, err = s.LoadCheckpoint(ctx, "gmail")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Empty(t, cp.Cursor)
}
