package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryRecordAndRecent(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for i, path := range []string{"a.txt", "b.txt", "c.txt"} {
		require.NoError(t, h.Record(ctx, &TransferRecord{
			Path:      path,
			Action:    "upload",
			Origin:    "local",
			Size:      int64(i + 1),
			Status:    "ok",
			StartedAt: now.Add(time.Duration(i) * time.Second),
			EndedAt:   now.Add(time.Duration(i)*time.Second + 100*time.Millisecond),
		}))
	}

	recs, err := h.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c.txt", recs[0].Path, "newest first")
	assert.Equal(t, "b.txt", recs[1].Path)
	assert.Equal(t, int64(3), recs[0].Size)
	assert.True(t, recs[0].EndedAt.After(recs[0].StartedAt))
}

func TestHistoryLastSyncedAt(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	got, err := h.LastSyncedAt(ctx, "never.txt")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	ended := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, h.Record(ctx, &TransferRecord{
		Path: "a.txt", Action: "upload", Origin: "local",
		Status: "failed", Detail: "size mismatch",
		StartedAt: ended.Add(-time.Second), EndedAt: ended.Add(-time.Second),
	}))
	require.NoError(t, h.Record(ctx, &TransferRecord{
		Path: "a.txt", Action: "upload", Origin: "local",
		Status:    "ok",
		StartedAt: ended.Add(-500 * time.Millisecond), EndedAt: ended,
	}))

	got, err = h.LastSyncedAt(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, got.Equal(ended), "only successful transfers count")
}
