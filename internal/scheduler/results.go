package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/taskmgr818/render-at-home/internal/frames"
	"github.com/taskmgr818/render-at-home/internal/model"
	"github.com/taskmgr818/render-at-home/internal/registry"
)

// CheckFrame validates a frame delivery before its payload is stored and
// returns the owning task. Checks run in order: worker, task, subtask, frame.
func (s *Scheduler) CheckFrame(ref model.FrameRef) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, _, err := s.validateLocked(ref)
	if err != nil {
		return model.Task{}, err
	}
	return st.task, nil
}

// CommitFrame records a stored frame. It advances the subtask, finishes it
// at its end frame and starts concatenation once the whole task is in.
// It reports whether the subtask is finished.
func (s *Scheduler) CommitFrame(ref model.FrameRef) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, sub, err := s.validateLocked(ref)
	if err != nil {
		return false, err
	}
	if sub.Stage == model.SubtaskStageFinished {
		return true, nil
	}

	if s.cfg.MonotonicFrames && sub.LatestFrame != nil && ref.Frame < *sub.LatestFrame {
		s.log.WithField("task", ref.TaskID).Debugf("subtask %d: frame %d older than %d", sub.Index, ref.Frame, *sub.LatestFrame)
	} else {
		f := ref.Frame
		sub.LatestFrame = &f
	}
	if sub.Stage == model.SubtaskStagePending || sub.Stage == model.SubtaskStageTransferring {
		sub.Stage = model.SubtaskStageRunning
	}
	finished := ref.Frame >= sub.End
	if finished {
		sub.Stage = model.SubtaskStageFinished
		s.releaseWorkerLocked(sub.WorkerID)
		s.log.WithField("task", ref.TaskID).Infof("subtask %d finished by %s", sub.Index, sub.WorkerID)
	}
	s.rec.SaveSubtask(copySubtask(sub))

	if frames.IsFinished(&st.task, st.subs) {
		s.startConcatLocked(st)
	}
	// the released worker may take another task's frames
	if finished {
		s.distributeLocked()
	}
	s.publishLocked(st)
	return finished, nil
}

func (s *Scheduler) validateLocked(ref model.FrameRef) (*taskState, *model.Subtask, error) {
	if _, ok := s.workers.Get(ref.WorkerID); !ok {
		return nil, nil, errors.Wrap(registry.ErrUnknownWorker, ref.WorkerID)
	}
	st, ok := s.tasks[ref.TaskID]
	if !ok {
		return nil, nil, errors.Wrap(ErrUnknownTask, ref.TaskID)
	}
	switch st.task.Stage {
	case model.TaskStageExpired:
		return nil, nil, errors.Wrap(ErrTaskExpired, ref.TaskID)
	case model.TaskStageUploading, model.TaskStageConcatenating, model.TaskStageFinished:
		return nil, nil, errors.Wrapf(ErrTaskClosed, "%s is %s", ref.TaskID, st.task.Stage)
	}
	_, sub := s.lookupLocked(ref.TaskID, ref.SubtaskIndex)
	if sub == nil || sub.WorkerID != ref.WorkerID {
		return nil, nil, errors.Wrapf(ErrSubtaskMismatch, "%s/%d for %s", ref.TaskID, ref.SubtaskIndex, ref.WorkerID)
	}
	if sub.Stage == model.SubtaskStageAborted {
		return nil, nil, errors.Wrap(ErrSubtaskAborted, sub.Key())
	}
	if !st.task.HasFrame(ref.Frame) || ref.Frame < sub.Start || ref.Frame > sub.End {
		return nil, nil, errors.Wrapf(ErrFrameOutOfRange, "frame %d not in %d..%d step %d", ref.Frame, sub.Start, sub.End, st.task.Step)
	}
	return st, sub, nil
}

// ─────────────────────────────────────────────
// Concatenation
// ─────────────────────────────────────────────

func (s *Scheduler) startConcatLocked(st *taskState) {
	st.task.ConcatAttempts = 0
	st.task.Error = ""
	s.setStageLocked(st, model.TaskStageConcatenating)
	s.concat.Submit(st.task.ID)
	s.log.WithField("task", st.task.ID).Info("all frames delivered, concatenating")
}

func (s *Scheduler) runConcat(ctx context.Context, taskID string) error {
	s.mu.Lock()
	st, ok := s.tasks[taskID]
	if !ok || st.task.Stage != model.TaskStageConcatenating {
		s.mu.Unlock()
		return nil
	}
	task := st.task
	s.mu.Unlock()
	return s.merger.Run(ctx, task)
}

func (s *Scheduler) onConcatSuccess(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[taskID]
	if !ok || st.task.Stage != model.TaskStageConcatenating {
		return
	}
	now := s.now()
	st.task.FinishedAt = &now
	s.setStageLocked(st, model.TaskStageFinished)
	s.publishLocked(st)
	s.log.WithField("task", taskID).Infof("finished in %s", now.Sub(st.task.CreatedAt).Round(time.Second))
}

// onConcatFailure retries a failed merge a bounded number of times. After
// that the task stays Concatenating with the error recorded.
func (s *Scheduler) onConcatFailure(taskID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[taskID]
	if !ok || st.task.Stage != model.TaskStageConcatenating {
		return
	}
	st.task.ConcatAttempts++
	entry := s.log.WithField("task", taskID)
	if st.task.ConcatAttempts < s.cfg.MaxConcatAttempts {
		entry.Warnf("concatenation attempt %d failed, retrying: %v", st.task.ConcatAttempts, err)
		s.concat.Submit(taskID)
		return
	}
	st.task.Error = err.Error()
	s.rec.SaveTask(st.task)
	s.publishLocked(st)
	entry.Errorf("concatenation gave up after %d attempts: %v", st.task.ConcatAttempts, err)
}

// ─────────────────────────────────────────────
// Retention Watchdog (background goroutine)
// ─────────────────────────────────────────────

// StartRetentionWatchdog periodically expires finished tasks whose results
// are older than the retention window. It runs until ctx is cancelled.
func (s *Scheduler) StartRetentionWatchdog(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.log.Info("retention watchdog started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("retention watchdog stopped")
			return
		case <-ticker.C:
			s.expireResults()
		}
	}
}

// expireResults moves stale Finished tasks to Expired and deletes their
// folders. It returns how many tasks expired.
func (s *Scheduler) expireResults() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.cfg.Retention)
	n := 0
	for _, id := range s.order {
		st := s.tasks[id]
		if st.task.Stage != model.TaskStageFinished || st.task.FinishedAt == nil || st.task.FinishedAt.After(cutoff) {
			continue
		}
		if err := s.layout.RemoveTask(id); err != nil {
			s.log.WithField("task", id).Warnf("purge result: %v", err)
			continue
		}
		s.setStageLocked(st, model.TaskStageExpired)
		s.publishLocked(st)
		n++
	}
	if n > 0 {
		s.log.Infof("expired %d task results", n)
	}
	return n
}
