package scheduler

import (
	"context"

	"github.com/taskmgr818/render-at-home/internal/frames"
	"github.com/taskmgr818/render-at-home/internal/model"
	"github.com/taskmgr818/render-at-home/internal/registry"
)

// Distribute hands uncovered work to available workers. Subtasks orphaned by
// a lost worker are reassigned first, then uncovered frames of the earliest
// tasks are split across the remaining workers. Without available workers it
// does nothing. Concurrent calls are serialized.
func (s *Scheduler) Distribute() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distributeLocked()
}

func (s *Scheduler) distributeLocked() {
	workers := s.workers.Available()
	if len(workers) == 0 {
		return
	}
	next := 0
	claim := func() (model.Worker, bool) {
		for next < len(workers) {
			w := workers[next]
			next++
			// the registry may have moved it since the snapshot
			if s.workers.Claim(w.ID) {
				return w, true
			}
		}
		return model.Worker{}, false
	}

	for _, id := range s.order {
		st := s.tasks[id]
		if !st.task.Stage.Schedulable() {
			continue
		}
		for _, sub := range st.subs {
			if sub.Stage != model.SubtaskStagePending || sub.WorkerID != "" {
				continue
			}
			w, ok := claim()
			if !ok {
				return
			}
			s.assignLocked(st, sub, w)
		}
	}

	for _, id := range s.order {
		if next >= len(workers) {
			return
		}
		st := s.tasks[id]
		if !st.task.Stage.Schedulable() {
			continue
		}
		ranges := frames.Unassigned(&st.task, st.subs)
		if len(ranges) == 0 {
			continue
		}
		total := float64(st.task.FrameCount())
		for _, r := range frames.Split(ranges, st.task.Step, len(workers)-next) {
			w, ok := claim()
			if !ok {
				return
			}
			sub := &model.Subtask{
				TaskID:    id,
				Index:     len(st.subs),
				Start:     r.Start,
				End:       r.End,
				Portion:   float64(r.Len(st.task.Step)) / total,
				Stage:     model.SubtaskStagePending,
				CreatedAt: s.now(),
			}
			st.subs = append(st.subs, sub)
			s.assignLocked(st, sub, w)
		}
	}
}

// assignLocked binds sub to an already claimed worker and queues delivery.
func (s *Scheduler) assignLocked(st *taskState, sub *model.Subtask, w model.Worker) {
	sub.WorkerID = w.ID
	if st.task.Stage == model.TaskStagePending {
		s.setStageLocked(st, model.TaskStageDistributing)
	}
	s.rec.SaveSubtask(copySubtask(sub))
	s.render.Submit(Dispatch{TaskID: sub.TaskID, Index: sub.Index, WorkerID: w.ID})
	s.publishLocked(st)
	s.log.WithField("task", sub.TaskID).Infof("subtask %d (%d..%d) -> %s", sub.Index, sub.Start, sub.End, w.ID)
}

// ─────────────────────────────────────────────
// Render pool callbacks
// ─────────────────────────────────────────────

// currentLocked returns the subtask d refers to if it still belongs to d's worker.
func (s *Scheduler) currentLocked(d Dispatch) (*taskState, *model.Subtask) {
	st, sub := s.lookupLocked(d.TaskID, d.Index)
	if sub == nil || sub.WorkerID != d.WorkerID {
		return nil, nil
	}
	return st, sub
}

func (s *Scheduler) deliverSubtask(ctx context.Context, d Dispatch) error {
	s.mu.Lock()
	st, sub := s.currentLocked(d)
	if sub == nil || sub.Stage != model.SubtaskStageTransferring {
		s.mu.Unlock()
		return nil // stale; callbacks will ignore it too
	}
	msg := model.StartTask{
		TaskID:            st.task.ID,
		SubtaskIndex:      sub.Index,
		FileServerAddress: st.task.FileServerAddress,
		FileServerPort:    st.task.FileServerPort,
		DataType:          st.task.DataType,
		Output:            st.task.Output,
		StartFrame:        sub.Start,
		EndFrame:          sub.End,
		FrameStep:         st.task.Step,
	}
	s.mu.Unlock()

	w, ok := s.workers.Get(d.WorkerID)
	if !ok {
		return registry.ErrUnknownWorker
	}
	return s.sender.Send(ctx, w, msg)
}

func (s *Scheduler) onDispatchStart(d Dispatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, sub := s.currentLocked(d)
	if sub == nil || sub.Stage != model.SubtaskStagePending {
		return
	}
	sub.Stage = model.SubtaskStageTransferring
	sub.DispatchCount++
	s.rec.SaveSubtask(copySubtask(sub))
	if st.task.Stage == model.TaskStagePending || st.task.Stage == model.TaskStageDistributing {
		s.setStageLocked(st, model.TaskStageRendering)
	}
	s.publishLocked(st)
}

func (s *Scheduler) onDispatchSuccess(d Dispatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, sub := s.currentLocked(d)
	if sub == nil || sub.Stage != model.SubtaskStageTransferring {
		return
	}
	sub.Stage = model.SubtaskStageRunning
	s.rec.SaveSubtask(copySubtask(sub))
}

// onDispatchFailure handles a subtask the worker never accepted: the subtask
// is aborted, the worker is presumed gone and its frames are redistributed.
func (s *Scheduler) onDispatchFailure(d Dispatch, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, sub := s.currentLocked(d)
	if sub == nil || sub.Stage.Terminal() || sub.Stage == model.SubtaskStageRunning {
		return
	}
	s.log.WithField("task", d.TaskID).Warnf("subtask %d undeliverable to %s: %v", d.Index, d.WorkerID, err)

	s.abortLocked(sub)
	if serr := s.workers.SetStatus(d.WorkerID, model.WorkerStatusDisconnected); serr != nil {
		s.log.Warnf("mark %s disconnected: %v", d.WorkerID, serr)
	}
	s.settleLocked(st)
	s.distributeLocked()
}

// ─────────────────────────────────────────────
// Worker loss
// ─────────────────────────────────────────────

// workerLost reclaims everything a departed worker held. Subtasks still
// queued for delivery are cancelled and wait, unassigned, for the next
// worker; subtasks already handed over are aborted and their remaining
// frames become uncovered.
func (s *Scheduler) workerLost(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		st := s.tasks[id]
		touched := false
		for _, sub := range st.subs {
			if sub.WorkerID != workerID || sub.Stage.Terminal() {
				continue
			}
			touched = true
			d := Dispatch{TaskID: sub.TaskID, Index: sub.Index, WorkerID: workerID}
			if sub.Stage == model.SubtaskStagePending && s.render.Cancel(d) {
				sub.WorkerID = ""
				s.rec.SaveSubtask(copySubtask(sub))
				continue
			}
			s.abortLocked(sub)
		}
		if touched {
			s.settleLocked(st)
		}
	}
	s.log.WithField("worker", workerID).Info("reclaimed work of lost worker")
	s.distributeLocked()
}

func (s *Scheduler) abortLocked(sub *model.Subtask) {
	sub.Stage = model.SubtaskStageAborted
	s.rec.SaveSubtask(copySubtask(sub))
}

// settleLocked recomputes a task's stage after subtasks were aborted: with
// nothing left in flight it falls back to Pending, unless the frames that
// did arrive already complete it.
func (s *Scheduler) settleLocked(st *taskState) {
	if !st.task.Stage.Schedulable() {
		return
	}
	if frames.IsFinished(&st.task, st.subs) {
		s.startConcatLocked(st)
		return
	}
	for _, sub := range st.subs {
		if !sub.Stage.Terminal() {
			s.publishLocked(st)
			return
		}
	}
	s.setStageLocked(st, model.TaskStagePending)
	s.publishLocked(st)
}

// releaseWorkerLocked frees the worker of a finished subtask. A Quitting
// worker is done for good.
func (s *Scheduler) releaseWorkerLocked(workerID string) {
	status, ok := s.workers.Status(workerID)
	if !ok {
		return
	}
	var next model.WorkerStatus
	switch status {
	case model.WorkerStatusQuitting:
		next = model.WorkerStatusDisconnected
	case model.WorkerStatusWorking:
		next = model.WorkerStatusAvailable
	default:
		return
	}
	if err := s.workers.SetStatus(workerID, next); err != nil {
		s.log.Warnf("release %s: %v", workerID, err)
	}
}
