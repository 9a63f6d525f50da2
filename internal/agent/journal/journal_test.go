package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndStats(t *testing.T) {
	db := openTemp(t)
	const task = "T-0000_0000_0000_0001"

	entries := []FrameLog{
		{TaskID: task, SubtaskIndex: 0, Frame: 0, Digest: "aa", Size: 100, Duration: 2 * time.Second},
		{TaskID: task, SubtaskIndex: 0, Frame: 13, Digest: "bb", Size: 300, Duration: 4 * time.Second},
		{TaskID: task, SubtaskIndex: 1, Frame: 39, Error: "blender exited 1"},
		{TaskID: task, SubtaskIndex: 0, Frame: 26, Digest: "cc", Size: 50, Duration: 3 * time.Second, CreatedAt: time.Now().Add(-72 * time.Hour)},
	}
	for i := range entries {
		require.NoError(t, db.Record(&entries[i]))
		assert.Equal(t, int64(i+1), entries[i].ID)
	}

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.FramesRendered)
	assert.Equal(t, 1, stats.FramesFailed)
	assert.Equal(t, 2, stats.TodayFrames)
	assert.Equal(t, 2, stats.Subtasks)
	assert.Equal(t, int64(450), stats.TotalBytes)
	assert.InDelta(t, 3000, stats.AvgRenderMS, 1e-9)

	recent, err := db.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 26, recent[0].Frame)
	assert.Equal(t, "blender exited 1", recent[1].Error)
	assert.Equal(t, 3*time.Second, recent[0].Duration)
}

func TestStats_Empty(t *testing.T) {
	stats, err := openTemp(t).Stats()
	require.NoError(t, err)
	assert.Zero(t, *stats)
}

func TestWorkerID(t *testing.T) {
	db := openTemp(t)

	id, err := db.WorkerID()
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, db.SetWorkerID("W-0000_0000_0000_0001"))
	require.NoError(t, db.SetWorkerID("W-0000_0000_0000_0002"))
	id, err = db.WorkerID()
	require.NoError(t, err)
	assert.Equal(t, "W-0000_0000_0000_0002", id)
}

func TestWorkerID_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.SetWorkerID("W-0000_0000_0000_00ff"))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	id, err := db.WorkerID()
	require.NoError(t, err)
	assert.Equal(t, "W-0000_0000_0000_00ff", id)
}
