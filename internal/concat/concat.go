// Package concat merges a task's rendered frames into the downloadable
// artifact. Image frames are zipped; video chunks are joined with ffmpeg.
package concat

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/taskmgr818/render-at-home/internal/model"
	"github.com/taskmgr818/render-at-home/internal/storage"
)

var ErrNoFrames = errors.New("no frames to concatenate")

// Merger writes sources, in order, into dst.
type Merger interface {
	Merge(ctx context.Context, sources []string, dst string) error
}

// ZipMerger stores every source file in a zip archive under its base name.
type ZipMerger struct{}

func (ZipMerger) Merge(ctx context.Context, sources []string, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "create archive")
	}
	zw := zip.NewWriter(f)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			zw.Close()
			f.Close()
			return err
		}
		if err := addFile(zw, src); err != nil {
			zw.Close()
			f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return errors.Wrap(err, "finish archive")
	}
	return errors.Wrap(f.Close(), "close archive")
}

func addFile(zw *zip.Writer, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open frame")
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errors.Wrap(err, "stat frame")
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return errors.Wrap(err, "zip header")
	}
	hdr.Name = filepath.Base(src)
	// rendered images are already compressed
	hdr.Method = zip.Store

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return errors.Wrap(err, "zip entry")
	}
	_, err = io.Copy(w, in)
	return errors.Wrapf(err, "copy %s", hdr.Name)
}

// FFmpegMerger joins video chunks with the concat demuxer. With a positive
// FrameRate the result is re-encoded with libx264 at that rate, otherwise
// streams are copied.
type FFmpegMerger struct {
	Binary    string
	FrameRate int
}

func (m FFmpegMerger) Merge(ctx context.Context, sources []string, dst string) error {
	list := filepath.Join(filepath.Dir(dst), "filelist.txt")
	var b strings.Builder
	for _, src := range sources {
		abs, err := filepath.Abs(src)
		if err != nil {
			return errors.Wrap(err, "resolve chunk path")
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(list, []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(err, "write concat list")
	}
	defer os.Remove(list)

	bin := m.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, m.args(list, dst)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "ffmpeg: %s", tail(stderr.String(), 512))
	}
	return nil
}

func (m FFmpegMerger) args(list, dst string) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-f", "concat", "-safe", "0", "-i", list}
	if m.FrameRate > 0 {
		args = append(args, "-r", strconv.Itoa(m.FrameRate), "-c:v", "libx264")
	} else {
		args = append(args, "-c", "copy")
	}
	return append(args, dst)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Concatenator picks a merger by output type and cleans up after itself.
type Concatenator struct {
	layout *storage.Layout
	images Merger
	video  Merger
	log    *logrus.Entry
}

func New(layout *storage.Layout, images, video Merger, log *logrus.Entry) *Concatenator {
	return &Concatenator{layout: layout, images: images, video: video, log: log}
}

// Run builds the task's artifact. The frames are deleted only once the
// artifact is complete, so a failed run can be retried.
func (c *Concatenator) Run(ctx context.Context, task model.Task) error {
	frames, err := c.layout.ListFrames(task.ID, task.Output)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return errors.Wrap(ErrNoFrames, task.ID)
	}

	m := c.images
	if task.Output.IsVideo() {
		m = c.video
	}
	dst := c.layout.ArtifactPath(task.ID, task.Output)
	part := dst + ".part"
	if filepath.Ext(dst) != "" {
		// keep the extension last so ffmpeg can infer the container
		part = strings.TrimSuffix(dst, filepath.Ext(dst)) + ".part" + filepath.Ext(dst)
	}

	entry := c.log.WithField("task", task.ID)
	entry.Infof("merging %d frames into %s", len(frames), filepath.Base(dst))
	if err := m.Merge(ctx, frames, part); err != nil {
		os.Remove(part)
		return errors.Wrapf(err, "merge %s", task.ID)
	}
	if err := os.Rename(part, dst); err != nil {
		os.Remove(part)
		return errors.Wrap(err, "publish artifact")
	}
	if err := c.layout.RemoveFiles(frames); err != nil {
		entry.Warnf("artifact ready but frame cleanup failed: %v", err)
	}
	return nil
}
