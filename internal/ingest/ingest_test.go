package ingest

import (
	"context"
	"encoding/hex"
	"os"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/taskmgr818/render-at-home/internal/log"
	"github.com/taskmgr818/render-at-home/internal/model"
	"github.com/taskmgr818/render-at-home/internal/storage"
)

var errRejected = errors.New("rejected")

type fakeTracker struct {
	checkErr  error
	commitErr error
	committed []model.FrameRef
}

func (f *fakeTracker) CheckFrame(ref model.FrameRef) (model.Task, error) {
	if f.checkErr != nil {
		return model.Task{}, f.checkErr
	}
	return model.Task{ID: ref.TaskID, Output: model.OutputPNG}, nil
}

func (f *fakeTracker) CommitFrame(ref model.FrameRef) (bool, error) {
	if f.commitErr != nil {
		return false, f.commitErr
	}
	f.committed = append(f.committed, ref)
	return ref.Frame == 26, nil
}

func setup(t *testing.T) (*storage.Layout, string) {
	t.Helper()
	layout, err := storage.New(t.TempDir())
	require.NoError(t, err)
	const id = "T-0000_0000_0000_0001"
	require.NoError(t, layout.CreateTask(id))
	return layout, id
}

func TestAccept_StoresAndCommits(t *testing.T) {
	layout, id := setup(t)
	tracker := &fakeTracker{}
	in := New(tracker, layout, log.Discard())

	ref := model.FrameRef{WorkerID: "W-0000_0000_0000_0000", TaskID: id, SubtaskIndex: 0, Frame: 26}
	receipt, err := in.Accept(context.Background(), ref, strings.NewReader("PNGDATA"))
	require.NoError(t, err)

	sum := blake2b.Sum256([]byte("PNGDATA"))
	assert.Equal(t, hex.EncodeToString(sum[:]), receipt.Digest)
	assert.Equal(t, int64(7), receipt.Size)
	assert.True(t, receipt.Finished)
	assert.Equal(t, []model.FrameRef{ref}, tracker.committed)

	data, err := os.ReadFile(layout.FramePath(id, 26, model.OutputPNG))
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(data))
}

func TestAccept_RejectedFrameIsNotWritten(t *testing.T) {
	layout, id := setup(t)
	in := New(&fakeTracker{checkErr: errRejected}, layout, log.Discard())

	_, err := in.Accept(context.Background(), model.FrameRef{TaskID: id, Frame: 39}, strings.NewReader("x"))
	assert.True(t, errors.Is(err, errRejected))

	files, err := layout.ListFrames(id, model.OutputPNG)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestAccept_CommitFailure(t *testing.T) {
	layout, id := setup(t)
	in := New(&fakeTracker{commitErr: errRejected}, layout, log.Discard())

	receipt, err := in.Accept(context.Background(), model.FrameRef{TaskID: id, Frame: 0}, strings.NewReader("x"))
	assert.True(t, errors.Is(err, errRejected))
	assert.Empty(t, receipt.Digest)
}

func TestAccept_CancelledContext(t *testing.T) {
	layout, id := setup(t)
	tracker := &fakeTracker{}
	in := New(tracker, layout, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := in.Accept(ctx, model.FrameRef{TaskID: id, Frame: 0}, strings.NewReader("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tracker.committed)
}
