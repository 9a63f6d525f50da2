// Package storage lays out task folders on the local filesystem:
//
//	<root>/tasks/<task id>/blenderdata.blend|zip
//	<root>/tasks/<task id>/frame_00000042.png
//	<root>/tasks/<task id>/output.zip|output.<ext>
package storage

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/taskmgr818/render-at-home/internal/model"
)

const (
	tasksDir     = "tasks"
	framePrefix  = "frame_"
	artifactBase = "output"
	tempSuffix   = ".part"
)

var ErrTaskExists = errors.New("task folder already exists")

// Layout resolves and manipulates paths below a root directory.
type Layout struct {
	root string
}

// New creates the root folder if needed.
func New(root string) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve storage root")
	}
	if err := os.MkdirAll(filepath.Join(abs, tasksDir), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage root")
	}
	return &Layout{root: abs}, nil
}

func (l *Layout) TaskDir(taskID string) string {
	return filepath.Join(l.root, tasksDir, taskID)
}

func (l *Layout) ProjectPath(taskID string, dt model.DataType) string {
	return filepath.Join(l.TaskDir(taskID), dt.ProjectFileName())
}

func (l *Layout) FramePath(taskID string, frame int, out model.OutputType) string {
	return filepath.Join(l.TaskDir(taskID), FrameName(frame, out))
}

// ArtifactPath is where the concatenated result lives: a zip of images, or a
// single video in the output container.
func (l *Layout) ArtifactPath(taskID string, out model.OutputType) string {
	ext := ".zip"
	if out.IsVideo() {
		ext = out.Extension()
	}
	return filepath.Join(l.TaskDir(taskID), artifactBase+ext)
}

// FrameName is the file name of a stored frame. Zero padding keeps lexical
// and numeric order identical.
func FrameName(frame int, out model.OutputType) string {
	return fmt.Sprintf("%s%08d%s", framePrefix, frame, out.Extension())
}

// Exists reports whether the task folder is present.
func (l *Layout) Exists(taskID string) bool {
	_, err := os.Stat(l.TaskDir(taskID))
	return err == nil
}

// CreateTask makes the task folder. It fails with ErrTaskExists rather than
// reusing a folder left by someone else.
func (l *Layout) CreateTask(taskID string) error {
	err := os.Mkdir(l.TaskDir(taskID), 0o755)
	if os.IsExist(err) {
		return errors.Wrap(ErrTaskExists, taskID)
	}
	return errors.Wrap(err, "create task folder")
}

// WriteProject stores the uploaded project data.
func (l *Layout) WriteProject(taskID string, dt model.DataType, r io.Reader) (int64, error) {
	n, _, err := l.writeAtomic(l.ProjectPath(taskID, dt), r, nil)
	return n, err
}

// WriteFrame stores one frame and returns its size and blake2b-256 digest.
func (l *Layout) WriteFrame(taskID string, frame int, out model.OutputType, r io.Reader) (int64, string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return 0, "", errors.Wrap(err, "init digest")
	}
	return l.writeAtomic(l.FramePath(taskID, frame, out), r, h)
}

// writeAtomic streams r into a temp file next to dst and renames it into
// place, so readers never observe a partial file.
func (l *Layout) writeAtomic(dst string, r io.Reader, h hash.Hash) (int64, string, error) {
	tmp := filepath.Join(filepath.Dir(dst), "."+uuid.NewString()+tempSuffix)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, "", errors.Wrap(err, "open temp file")
	}

	var w io.Writer = f
	if h != nil {
		w = io.MultiWriter(f, h)
	}
	n, err := io.Copy(w, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, "", errors.Wrapf(err, "write %s", filepath.Base(dst))
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, "", errors.Wrapf(err, "rename into %s", filepath.Base(dst))
	}

	digest := ""
	if h != nil {
		digest = hex.EncodeToString(h.Sum(nil))
	}
	return n, digest, nil
}

// ListFrames returns the stored frame files of a task in frame order.
func (l *Layout) ListFrames(taskID string, out model.OutputType) ([]string, error) {
	entries, err := os.ReadDir(l.TaskDir(taskID))
	if err != nil {
		return nil, errors.Wrap(err, "list task folder")
	}
	ext := out.Extension()
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, framePrefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		files = append(files, filepath.Join(l.TaskDir(taskID), name))
	}
	sort.Strings(files)
	return files, nil
}

// RemoveFiles deletes the given files, reporting the first failure.
func (l *Layout) RemoveFiles(paths []string) error {
	var first error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && first == nil {
			first = errors.Wrapf(err, "remove %s", filepath.Base(p))
		}
	}
	return first
}

// RemoveTask deletes the task folder and everything in it.
func (l *Layout) RemoveTask(taskID string) error {
	if taskID == "" {
		return errors.New("empty task id")
	}
	return errors.Wrap(os.RemoveAll(l.TaskDir(taskID)), "remove task folder")
}
