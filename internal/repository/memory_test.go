package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagelink/stagelink-server/internal/linkage"
)

func TestMemoryRepository(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemory()

	links, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, links)

	require.NoError(t, repo.Upsert(ctx, linkage.Link{SessionID: "sess-1", ThreadID: "thr-1"}))
	require.NoError(t, repo.Upsert(ctx, linkage.Link{SessionID: "sess-2", ThreadID: "thr-2"}))

	// Upsert replaces on the same session ID.
	require.NoError(t, repo.Upsert(ctx, linkage.Link{SessionID: "sess-1", ThreadID: "thr-1", LastKnownCount: 9}))

	links, err = repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, links, 2)

	counts := make(map[string]int)
	for _, link := range links {
		counts[link.SessionID] = link.LastKnownCount
	}
	assert.Equal(t, 9, counts["sess-1"])

	require.NoError(t, repo.Delete(ctx, "sess-1"))
	// Deleting an absent record is not an error.
	require.NoError(t, repo.Delete(ctx, "sess-1"))

	links, err = repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "sess-2", links[0].SessionID)
}
