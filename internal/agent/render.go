package agent

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/taskmgr818/render-at-home/internal/agent/config"
)

// ErrNoOutput means the render command succeeded without writing the frame.
var ErrNoOutput = errors.New("render produced no output")

// Renderer renders a single frame of project into out.
type Renderer interface {
	Render(ctx context.Context, project string, frame int, out string) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, project string, frame int, out string) error

func (f RendererFunc) Render(ctx context.Context, project string, frame int, out string) error {
	return f(ctx, project, frame, out)
}

// CommandRenderer runs a templated command once per frame.
type CommandRenderer struct {
	Args    []string
	Timeout time.Duration
}

func NewCommandRenderer(command string, timeout time.Duration) *CommandRenderer {
	return &CommandRenderer{Args: strings.Fields(command), Timeout: timeout}
}

func (r *CommandRenderer) Render(ctx context.Context, project string, frame int, out string) error {
	if len(r.Args) == 0 {
		return errors.New("empty render command")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	repl := strings.NewReplacer(
		config.PlaceholderProject, project,
		config.PlaceholderFrame, strconv.Itoa(frame),
		config.PlaceholderOutput, out,
	)
	args := make([]string, len(r.Args))
	for i, a := range r.Args {
		args[i] = repl.Replace(a)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = filepath.Dir(out)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "render frame %d: %s", frame, tail(string(output), 512))
	}
	if _, err := os.Stat(out); err != nil {
		return errors.Wrapf(ErrNoOutput, "frame %d: %s", frame, filepath.Base(out))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "…" + s[len(s)-n:]
	}
	return s
}

// ─────────────────────────────────────────────
// Multi-file projects
// ─────────────────────────────────────────────

// unpackProject extracts a multi-file project archive into dir and returns
// the scene file to render: the shallowest .blend, ties broken by name.
func unpackProject(archive, dir string) (string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return "", errors.Wrap(err, "open project archive")
	}
	defer zr.Close()

	var scenes []string
	for _, f := range zr.File {
		dst := filepath.Join(dir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(dst, filepath.Clean(dir)+string(os.PathSeparator)) {
			return "", errors.Errorf("archive entry %q escapes the project folder", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return "", errors.Wrap(err, "create project folder")
			}
			continue
		}
		if err := extract(f, dst); err != nil {
			return "", err
		}
		if strings.EqualFold(filepath.Ext(dst), ".blend") {
			scenes = append(scenes, dst)
		}
	}
	if len(scenes) == 0 {
		return "", errors.New("project archive holds no .blend file")
	}
	sort.Slice(scenes, func(i, j int) bool {
		di, dj := strings.Count(scenes[i], string(os.PathSeparator)), strings.Count(scenes[j], string(os.PathSeparator))
		if di != dj {
			return di < dj
		}
		return scenes[i] < scenes[j]
	})
	return scenes[0], nil
}

func extract(f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "create project folder")
	}
	rc, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "open %s", f.Name)
	}
	defer rc.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %s", f.Name)
	}
	_, err = io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return errors.Wrapf(err, "extract %s", f.Name)
}
