// Package scene asks an external tool what a project file wants rendered.
// The farm never decodes scene files itself.
package scene

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/taskmgr818/render-at-home/internal/model"
)

var (
	ErrUnreadable        = errors.New("scene file could not be described")
	ErrInvalidDescriptor = errors.New("invalid scene descriptor")
)

// FilePlaceholder in a command template is replaced by the project path.
const FilePlaceholder = "{file}"

// Descriptor is the render setup extracted from a project file.
type Descriptor struct {
	Start  int              `json:"start"`
	End    int              `json:"end"`
	Step   int              `json:"step"`
	Output model.OutputType `json:"output"`
}

// Validate checks the frame-range invariants and the output format.
func (d Descriptor) Validate() error {
	if d.Step < 1 {
		return errors.Wrapf(ErrInvalidDescriptor, "step %d < 1", d.Step)
	}
	if d.End < d.Start {
		return errors.Wrapf(ErrInvalidDescriptor, "end %d before start %d", d.End, d.Start)
	}
	if !d.Output.Valid() {
		return errors.Wrapf(ErrInvalidDescriptor, "unknown output type %q", d.Output)
	}
	return nil
}

type Describer interface {
	Describe(ctx context.Context, path string) (Descriptor, error)
}

// DescriberFunc adapts a function to Describer.
type DescriberFunc func(ctx context.Context, path string) (Descriptor, error)

func (f DescriberFunc) Describe(ctx context.Context, path string) (Descriptor, error) {
	return f(ctx, path)
}

// CommandDescriber runs an external command, typically a headless Blender
// with a small script, that prints the descriptor as a JSON object. Output
// lines that are not JSON objects are ignored; the last object wins.
type CommandDescriber struct {
	Command []string
}

// NewCommandDescriber splits a command line on whitespace.
func NewCommandDescriber(command string) *CommandDescriber {
	return &CommandDescriber{Command: strings.Fields(command)}
}

func (d *CommandDescriber) Describe(ctx context.Context, path string) (Descriptor, error) {
	if len(d.Command) == 0 {
		return Descriptor{}, errors.Wrap(ErrUnreadable, "no describe command configured")
	}
	args := make([]string, len(d.Command))
	substituted := false
	for i, a := range d.Command {
		if strings.Contains(a, FilePlaceholder) {
			substituted = true
		}
		args[i] = strings.ReplaceAll(a, FilePlaceholder, path)
	}
	if !substituted {
		args = append(args, path)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Descriptor{}, errors.Wrapf(ErrUnreadable, "%s: %v: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return Parse(stdout.Bytes())
}

// Parse extracts the last JSON descriptor line from tool output and
// validates it.
func Parse(out []byte) (Descriptor, error) {
	var (
		desc  Descriptor
		found bool
	)
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var d Descriptor
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			continue
		}
		desc, found = d, true
	}
	if err := sc.Err(); err != nil {
		return Descriptor{}, errors.Wrap(ErrUnreadable, err.Error())
	}
	if !found {
		return Descriptor{}, errors.Wrap(ErrUnreadable, "no descriptor in tool output")
	}
	if err := desc.Validate(); err != nil {
		return Descriptor{}, err
	}
	return desc, nil
}
