package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wisefido-autooff/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTimerStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "timers.json")
	ctx := context.Background()

	store := NewFileTimerStore(path)
	records, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, store.Put(ctx, models.TimerRecord{InstanceID: "porch", EntityID: "light.x", Deadline: deadline}))
	require.NoError(t, store.Put(ctx, models.TimerRecord{InstanceID: "porch", EntityID: "light.y", Deadline: deadline}))
	require.NoError(t, store.Delete(ctx, models.TimerKey{InstanceID: "porch", EntityID: "light.y"}))

	reopened := NewFileTimerStore(path)
	records, err = reopened.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "light.x", records[0].EntityID)
	assert.True(t, deadline.Equal(records[0].Deadline))

	// 不残留临时文件
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileTimerStore_PutReplaces(t *testing.T) {
	store := NewFileTimerStore(filepath.Join(t.TempDir(), "timers.json"))
	ctx := context.Background()

	rec := models.TimerRecord{InstanceID: "porch", EntityID: "light.x", Deadline: deadline}
	require.NoError(t, store.Put(ctx, rec))
	rec.Deadline = deadline.Add(10 * time.Minute)
	require.NoError(t, store.Put(ctx, rec))

	records, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, rec.Deadline.Equal(records[0].Deadline))
}

func TestFileTimerStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timers.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	_, err := NewFileTimerStore(path).LoadAll(context.Background())
	assert.Error(t, err)
}

func TestFileTimerStore_SyncsDirAfterRename(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timers.json")
	ctx := context.Background()

	var synced []string
	orig := syncDir
	syncDir = func(dir string) error {
		// 同步目录时新文件必须已经就位
		_, err := os.Stat(path)
		require.NoError(t, err)
		synced = append(synced, dir)
		return nil
	}
	t.Cleanup(func() { syncDir = orig })

	store := NewFileTimerStore(path)
	require.NoError(t, store.Put(ctx, models.TimerRecord{InstanceID: "porch", EntityID: "light.x", Deadline: deadline}))
	assert.Equal(t, []string{filepath.Dir(path)}, synced)
}

func TestFileTimerStore_DirSyncFailureRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timers.json")
	ctx := context.Background()

	orig := syncDir
	syncDir = func(dir string) error { return os.ErrPermission }
	t.Cleanup(func() { syncDir = orig })

	store := NewFileTimerStore(path)
	err := store.Put(ctx, models.TimerRecord{InstanceID: "porch", EntityID: "light.x", Deadline: deadline})
	assert.ErrorIs(t, err, os.ErrPermission)

	records, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
