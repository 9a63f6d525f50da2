package concat

import (
	"archive/zip"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmgr818/render-at-home/internal/log"
	"github.com/taskmgr818/render-at-home/internal/model"
	"github.com/taskmgr818/render-at-home/internal/storage"
)

type failingMerger struct{}

func (failingMerger) Merge(context.Context, []string, string) error {
	return errors.New("encoder crashed")
}

func setup(t *testing.T, out model.OutputType, frames ...int) (*storage.Layout, model.Task) {
	t.Helper()
	layout, err := storage.New(t.TempDir())
	require.NoError(t, err)
	task := model.Task{ID: "T-0000_0000_0000_0004", Output: out}
	require.NoError(t, layout.CreateTask(task.ID))
	for _, f := range frames {
		_, _, err := layout.WriteFrame(task.ID, f, out, strings.NewReader("frame"))
		require.NoError(t, err)
	}
	return layout, task
}

func TestRun_ZipsImagesAndDeletesSources(t *testing.T) {
	layout, task := setup(t, model.OutputPNG, 0, 13, 26)
	c := New(layout, ZipMerger{}, failingMerger{}, log.Discard())

	require.NoError(t, c.Run(context.Background(), task))

	zr, err := zip.OpenReader(layout.ArtifactPath(task.ID, task.Output))
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"frame_00000000.png", "frame_00000013.png", "frame_00000026.png"}, names)

	left, err := layout.ListFrames(task.ID, task.Output)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRun_FailureKeepsSources(t *testing.T) {
	layout, task := setup(t, model.OutputMP4, 0, 1)
	c := New(layout, ZipMerger{}, failingMerger{}, log.Discard())

	err := c.Run(context.Background(), task)
	require.Error(t, err)

	left, err := layout.ListFrames(task.ID, task.Output)
	require.NoError(t, err)
	assert.Len(t, left, 2)
	_, err = os.Stat(layout.ArtifactPath(task.ID, task.Output))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_NoFrames(t *testing.T) {
	layout, task := setup(t, model.OutputPNG)
	err := New(layout, ZipMerger{}, ZipMerger{}, log.Discard()).Run(context.Background(), task)
	assert.True(t, errors.Is(err, ErrNoFrames))
}

func TestFFmpegArgs(t *testing.T) {
	copyArgs := FFmpegMerger{}.args("list.txt", "out.mp4")
	assert.Equal(t, []string{"-c", "copy", "out.mp4"}, copyArgs[len(copyArgs)-3:])

	reencode := FFmpegMerger{FrameRate: 30}.args("list.txt", "out.mp4")
	assert.Equal(t, []string{"-r", "30", "-c:v", "libx264", "out.mp4"}, reencode[len(reencode)-5:])
	assert.Contains(t, reencode, "concat")
}
