package dlq

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/chainhawk/common/logging"
	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue(t.TempDir(), logging.Discard())
	require.NoError(t, err)
	return q
}

func incident(id string) *models.Incident {
	return &models.Incident{
		ID:        id,
		Reference: "INC-" + id,
		PatternID: "ransomware",
		EntityKey: "user:alice",
	}
}

func TestQueue_WriteListDelete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return clock }

	require.NoError(t, q.Write(ctx, incident("b"), errors.New("db down"), "commit"))
	clock = clock.Add(time.Minute)
	require.NoError(t, q.Write(ctx, incident("a"), errors.New("db down"), "commit"))

	entries, err := q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Incident.ID, "oldest failure first")
	assert.Equal(t, "db down", entries[0].Error)
	assert.Equal(t, 1, entries[0].Attempts)

	limited, err := q.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, q.Delete(ctx, "b"))
	assert.ErrorIs(t, q.Delete(ctx, "b"), ErrNotFound)

	stats := q.Stats()
	assert.True(t, stats.Enabled)
	assert.Equal(t, uint64(2), stats.Written)
	assert.Equal(t, 1, stats.Pending)
}

func TestQueue_RewriteCountsAttempts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Write(ctx, incident("x"), errors.New("first"), "commit"))
	require.NoError(t, q.Write(ctx, incident("x"), errors.New("second"), "replay"))

	entries, err := q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, "second", entries[0].Error)
	assert.Equal(t, "replay", entries[0].Reason)
}

func TestQueue_SkipsForeignAndCorruptFiles(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(q.basePath, "README"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(q.basePath, "incident_bad.json"), []byte("{"), 0o644))
	require.NoError(t, q.Write(ctx, incident("ok"), errors.New("x"), "commit"))

	entries, err := q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ok", entries[0].Incident.ID)
}

func TestQueue_IDSanitized(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Write(context.Background(), incident("../../etc/passwd"), errors.New("x"), "commit"))

	_, err := os.Stat(filepath.Join(q.basePath, "incident_______etc_passwd.json"))
	assert.NoError(t, err)
}

func TestQueue_Purge(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Write(ctx, incident(id), errors.New("x"), "commit"))
	}

	deleted, err := q.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Equal(t, 0, q.Stats().Pending)
}

func TestQueue_Nil(t *testing.T) {
	var q *Queue
	ctx := context.Background()

	assert.ErrorIs(t, q.Write(ctx, incident("a"), nil, "commit"), ErrNotEnabled)
	_, err := q.List(ctx, 0)
	assert.ErrorIs(t, err, ErrNotEnabled)
	assert.False(t, q.Stats().Enabled)
}
