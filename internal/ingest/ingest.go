// Package ingest stores frames returned by workers and reports them to the
// scheduler.
package ingest

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/taskmgr818/render-at-home/internal/model"
	"github.com/taskmgr818/render-at-home/internal/storage"
)

// Tracker validates and records frame deliveries.
type Tracker interface {
	CheckFrame(ref model.FrameRef) (model.Task, error)
	CommitFrame(ref model.FrameRef) (bool, error)
}

type Ingestor struct {
	tracker Tracker
	layout  *storage.Layout
	log     *logrus.Entry
}

func New(tracker Tracker, layout *storage.Layout, log *logrus.Entry) *Ingestor {
	return &Ingestor{tracker: tracker, layout: layout, log: log}
}

// Accept validates ref, writes the payload atomically and commits the frame.
// Nothing is written when validation fails.
func (in *Ingestor) Accept(ctx context.Context, ref model.FrameRef, payload io.Reader) (model.FrameReceipt, error) {
	task, err := in.tracker.CheckFrame(ref)
	if err != nil {
		return model.FrameReceipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.FrameReceipt{}, err
	}

	size, digest, err := in.layout.WriteFrame(ref.TaskID, ref.Frame, task.Output, payload)
	if err != nil {
		return model.FrameReceipt{}, errors.Wrapf(err, "store frame %d of %s", ref.Frame, ref.TaskID)
	}

	// the subtask may have been aborted while the payload streamed in; the
	// file stays, a later subtask rewrites the same frame name
	finished, err := in.tracker.CommitFrame(ref)
	if err != nil {
		in.log.WithField("task", ref.TaskID).Warnf("frame %d stored but not committed: %v", ref.Frame, err)
		return model.FrameReceipt{}, err
	}

	in.log.WithField("task", ref.TaskID).Debugf("frame %d from %s (%d bytes)", ref.Frame, ref.WorkerID, size)
	return model.FrameReceipt{
		TaskID:       ref.TaskID,
		SubtaskIndex: ref.SubtaskIndex,
		Frame:        ref.Frame,
		Digest:       digest,
		Size:         size,
		Finished:     finished,
	}, nil
}
