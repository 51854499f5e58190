package linkage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTablePut(t *testing.T) {
	t.Parallel()

	table := NewTable()

	link, err := table.Put("sess-1", "thr-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", link.SessionID)
	assert.Equal(t, "thr-1", link.ThreadID)
	assert.Equal(t, HealthHealthy, link.Health)
	assert.Equal(t, 0, link.LastKnownCount)
	assert.False(t, link.CreatedAt.IsZero())

	_, err = table.Put("sess-1", "thr-2")
	assert.ErrorIs(t, err, ErrAlreadyLinked)
	assert.Equal(t, 1, table.Len())
}

func TestTableRestoreKeepsState(t *testing.T) {
	t.Parallel()

	table := NewTable()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := table.Restore(Link{
		SessionID:      "sess-1",
		ThreadID:       "thr-1",
		LastKnownCount: 42,
		Health:         HealthError,
		CreatedAt:      created,
		UpdatedAt:      created,
	})
	require.NoError(t, err)

	got, ok := table.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, 42, got.LastKnownCount)
	assert.Equal(t, HealthError, got.Health)
	assert.Equal(t, created, got.CreatedAt)

	err = table.Restore(Link{SessionID: "sess-1", ThreadID: "thr-9"})
	assert.ErrorIs(t, err, ErrAlreadyLinked)
}

func TestTableRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	table := NewTable()
	_, err := table.Put("sess-1", "thr-1")
	require.NoError(t, err)

	table.Remove("sess-1")
	table.Remove("sess-1")
	table.Remove("never-existed")

	assert.Equal(t, 0, table.Len())
	_, ok := table.Get("sess-1")
	assert.False(t, ok)
}

func TestTableBySecondary(t *testing.T) {
	t.Parallel()

	table := NewTable()
	_, err := table.Put("sess-1", "thr-1")
	require.NoError(t, err)
	_, err = table.Put("sess-2", "thr-2")
	require.NoError(t, err)

	link, ok := table.BySecondary("thr-2")
	require.True(t, ok)
	assert.Equal(t, "sess-2", link.SessionID)

	_, ok = table.BySecondary("thr-3")
	assert.False(t, ok)
}

func TestTableSetCount(t *testing.T) {
	t.Parallel()

	table := NewTable()
	link, err := table.Put("sess-1", "thr-1")
	require.NoError(t, err)
	table.SetHealth("sess-1", HealthError)

	table.SetCount("sess-1", 7)

	got, ok := table.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, 7, got.LastKnownCount)
	// A confirmed write proves the link works again.
	assert.Equal(t, HealthHealthy, got.Health)
	assert.False(t, got.UpdatedAt.Before(link.UpdatedAt))

	// Unknown session is a no-op, not a panic.
	table.SetCount("ghost", 3)
}

func TestTableSnapshotIsDetached(t *testing.T) {
	t.Parallel()

	table := NewTable()
	_, err := table.Put("sess-1", "thr-1")
	require.NoError(t, err)

	snapshot := table.Snapshot()
	require.Len(t, snapshot, 1)

	table.SetCount("sess-1", 99)
	table.Remove("sess-1")

	// The snapshot still holds the state at capture time.
	assert.Equal(t, 0, snapshot[0].LastKnownCount)
	assert.Equal(t, "sess-1", snapshot[0].SessionID)
}

func TestTableConcurrentAccess(t *testing.T) {
	t.Parallel()

	table := NewTable()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("sess-%d", n)
			_, _ = table.Put(id, fmt.Sprintf("thr-%d", n))
			table.SetCount(id, n)
			_ = table.Snapshot()
			_, _ = table.Get(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, table.Len())
}
