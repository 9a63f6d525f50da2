// Package scheduler owns the farm's tasks and subtasks. It creates tasks,
// splits their frames across available workers, hands subtasks to the render
// pool and moves tasks through their stages until the result is merged.
package scheduler

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/taskmgr818/render-at-home/internal/dispatch"
	"github.com/taskmgr818/render-at-home/internal/frames"
	"github.com/taskmgr818/render-at-home/internal/ident"
	"github.com/taskmgr818/render-at-home/internal/model"
	"github.com/taskmgr818/render-at-home/internal/registry"
	"github.com/taskmgr818/render-at-home/internal/scene"
	"github.com/taskmgr818/render-at-home/internal/storage"
)

// Recorder persists task and subtask snapshots.
type Recorder interface {
	SaveTask(t model.Task)
	SaveSubtask(s model.Subtask)
	DeleteTask(taskID string)
}

// Publisher receives progress after every change to a task.
type Publisher interface {
	Publish(p model.Progress)
}

// Sender delivers one STARTTASK request.
type Sender interface {
	Send(ctx context.Context, w model.Worker, st model.StartTask) error
}

// Concatenator merges a finished task's frames.
type Concatenator interface {
	Run(ctx context.Context, task model.Task) error
}

type Config struct {
	FileServerAddress string
	FileServerPort    int

	Render dispatch.Config
	Concat dispatch.Config

	MaxIDAttempts     int
	MaxConcatAttempts int
	Retention         time.Duration // 0 keeps results forever
	SweepInterval     time.Duration
	MonotonicFrames   bool // ignore frames older than the latest one
}

func DefaultConfig() Config {
	return Config{
		Render: dispatch.Config{
			Name:           "render",
			Size:           5,
			MaxRetries:     5,
			AttemptTimeout: 5 * time.Second,
			PollInterval:   500 * time.Millisecond,
		},
		Concat: dispatch.Config{
			Name:           "concat",
			Size:           2,
			MaxRetries:     1,
			AttemptTimeout: 30 * time.Minute,
			PollInterval:   500 * time.Millisecond,
		},
		MaxIDAttempts:     10,
		MaxConcatAttempts: 3,
		Retention:         7 * 24 * time.Hour,
		SweepInterval:     time.Minute,
	}
}

type Deps struct {
	Registry     *registry.Registry
	Allocator    ident.Allocator
	Layout       *storage.Layout
	Describer    scene.Describer
	Sender       Sender
	Concatenator Concatenator
	Recorder     Recorder
	Publisher    Publisher
	Log          *logrus.Entry
}

// Dispatch is a render pool item. WorkerID is part of the identity so a
// callback for a subtask that has since moved to another worker is ignored.
type Dispatch struct {
	TaskID   string
	Index    int
	WorkerID string
}

type taskState struct {
	task     model.Task
	subs     []*model.Subtask
	uploaded bool
	starting bool
}

type Scheduler struct {
	mu    sync.Mutex
	cfg   Config
	tasks map[string]*taskState
	order []string // creation order

	workers   *registry.Registry
	alloc     ident.Allocator
	layout    *storage.Layout
	describer scene.Describer
	sender    Sender
	merger    Concatenator
	rec       Recorder
	pub       Publisher

	render *dispatch.Pool[Dispatch]
	concat *dispatch.Pool[string]

	log *logrus.Entry
	now func() time.Time
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.Progress) {}

// New wires the scheduler to its collaborators and installs the registry
// hooks. Call Start to run the pools.
func New(cfg Config, d Deps) *Scheduler {
	if cfg.MaxIDAttempts <= 0 {
		cfg.MaxIDAttempts = 1
	}
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	s := &Scheduler{
		cfg:       cfg,
		tasks:     make(map[string]*taskState),
		workers:   d.Registry,
		alloc:     d.Allocator,
		layout:    d.Layout,
		describer: d.Describer,
		sender:    d.Sender,
		merger:    d.Concatenator,
		rec:       d.Recorder,
		pub:       d.Publisher,
		log:       d.Log,
		now:       time.Now,
	}
	s.render = dispatch.New(cfg.Render, s.deliverSubtask, dispatch.Callbacks[Dispatch]{
		OnStart:   s.onDispatchStart,
		OnSuccess: s.onDispatchSuccess,
		OnFailure: s.onDispatchFailure,
	}, d.Log)
	s.concat = dispatch.New(cfg.Concat, s.runConcat, dispatch.Callbacks[string]{
		OnSuccess: s.onConcatSuccess,
		OnFailure: s.onConcatFailure,
	}, d.Log)

	d.Registry.SetHooks(registry.Hooks{
		OnAvailable: func(string) { s.Distribute() },
		OnLost:      s.workerLost,
	})
	return s
}

// Start runs both pools and, when retention is enabled, the expiry sweep.
func (s *Scheduler) Start(ctx context.Context) {
	s.render.Start(ctx)
	s.concat.Start(ctx)
	if s.cfg.Retention > 0 && s.cfg.SweepInterval > 0 {
		go s.StartRetentionWatchdog(ctx)
	}
}

// Stop waits for in-flight deliveries and merges.
func (s *Scheduler) Stop() {
	s.render.Stop()
	s.concat.Stop()
}

// ─────────────────────────────────────────────
// Task creation
// ─────────────────────────────────────────────

// SubmitTask reserves a task id and folder and stores the uploaded project.
// The task stays Uploading until StartTask.
func (s *Scheduler) SubmitTask(ctx context.Context, owner string, dt model.DataType, project io.Reader) (model.Task, error) {
	if !dt.Valid() {
		return model.Task{}, errors.Wrapf(ErrInvalidInput, "unknown data type %q", dt)
	}
	task, err := s.reserveTask(ctx, owner, dt)
	if err != nil {
		return model.Task{}, err
	}
	entry := s.log.WithField("task", task.ID)

	if _, err := s.layout.WriteProject(task.ID, dt, project); err != nil {
		s.discard(task.ID)
		return model.Task{}, errors.Wrap(err, "store project")
	}

	s.mu.Lock()
	if st, ok := s.tasks[task.ID]; ok {
		st.uploaded = true
		s.rec.SaveTask(st.task)
		s.publishLocked(st)
	}
	s.mu.Unlock()
	entry.Infof("project uploaded (%s)", dt)
	return task, nil
}

// reserveTask allocates an id no live task or leftover folder uses.
func (s *Scheduler) reserveTask(ctx context.Context, owner string, dt model.DataType) (model.Task, error) {
	for attempt := 0; attempt < s.cfg.MaxIDAttempts; attempt++ {
		n, err := s.alloc.Next(ctx, ident.KindTask)
		if err != nil {
			return model.Task{}, errors.Wrap(err, "allocate task id")
		}
		id := ident.Format(ident.KindTask, n)

		s.mu.Lock()
		if _, taken := s.tasks[id]; taken {
			s.mu.Unlock()
			continue
		}
		if err := s.layout.CreateTask(id); err != nil {
			s.mu.Unlock()
			if errors.Is(err, storage.ErrTaskExists) {
				s.log.Warnf("task folder %s already exists, skipping id", id)
				continue
			}
			return model.Task{}, err
		}
		st := &taskState{task: model.Task{
			ID:                id,
			Counter:           n,
			Owner:             owner,
			DataType:          dt,
			Stage:             model.TaskStageUploading,
			FileServerAddress: s.cfg.FileServerAddress,
			FileServerPort:    s.cfg.FileServerPort,
			CreatedAt:         s.now(),
		}}
		s.tasks[id] = st
		s.order = append(s.order, id)
		task := st.task
		s.mu.Unlock()
		return task, nil
	}
	return model.Task{}, errors.Wrapf(ErrIDExhausted, "after %d attempts", s.cfg.MaxIDAttempts)
}

// StartTask describes the uploaded project and makes the task schedulable.
// A project that cannot be described discards the task entirely.
func (s *Scheduler) StartTask(ctx context.Context, taskID string) (model.Task, error) {
	s.mu.Lock()
	st, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return model.Task{}, errors.Wrap(ErrUnknownTask, taskID)
	}
	if st.task.Stage != model.TaskStageUploading || st.starting {
		stage := st.task.Stage
		s.mu.Unlock()
		return model.Task{}, errors.Wrapf(ErrTaskConflict, "%s is %s", taskID, stage)
	}
	if !st.uploaded {
		s.mu.Unlock()
		return model.Task{}, errors.Wrapf(ErrTaskConflict, "%s: upload still in progress", taskID)
	}
	st.starting = true
	path := s.layout.ProjectPath(taskID, st.task.DataType)
	s.mu.Unlock()

	desc, err := s.describer.Describe(ctx, path)
	if err == nil {
		err = desc.Validate()
	}
	if err != nil {
		s.log.WithField("task", taskID).Warnf("discarding task: %v", err)
		s.discard(taskID)
		return model.Task{}, errors.Wrapf(ErrUnreadableTask, "%s: %v", taskID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.starting = false
	st.task.Start = desc.Start
	st.task.End = desc.End
	st.task.Step = desc.Step
	st.task.Output = desc.Output
	st.task.Stage = model.TaskStagePending
	s.rec.SaveTask(st.task)
	s.publishLocked(st)
	s.log.WithField("task", taskID).Infof("pending: frames %d..%d step %d (%d frames) -> %s",
		desc.Start, desc.End, desc.Step, st.task.FrameCount(), desc.Output)

	s.distributeLocked()
	return st.task, nil
}

// discard forgets a task that never became schedulable.
func (s *Scheduler) discard(taskID string) {
	s.mu.Lock()
	delete(s.tasks, taskID)
	for i, id := range s.order {
		if id == taskID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if err := s.layout.RemoveTask(taskID); err != nil {
		s.log.WithField("task", taskID).Warnf("remove folder: %v", err)
	}
	s.rec.DeleteTask(taskID)
}

// ─────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────

// Task returns a snapshot of the task and its subtasks.
func (s *Scheduler) Task(taskID string) (model.Task, []model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[taskID]
	if !ok {
		return model.Task{}, nil, errors.Wrap(ErrUnknownTask, taskID)
	}
	subs := make([]model.Subtask, len(st.subs))
	for i, sub := range st.subs {
		subs[i] = copySubtask(sub)
	}
	return st.task, subs, nil
}

// Tasks returns every task in creation order, optionally only one owner's.
func (s *Scheduler) Tasks(owner string) []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Task, 0, len(s.order))
	for _, id := range s.order {
		t := s.tasks[id].task
		if owner == "" || t.Owner == owner {
			out = append(out, t)
		}
	}
	return out
}

func (s *Scheduler) Progress(taskID string) (model.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[taskID]
	if !ok {
		return model.Progress{}, errors.Wrap(ErrUnknownTask, taskID)
	}
	return frames.TaskProgress(&st.task, st.subs), nil
}

// ResultPath returns the merged artifact of a Finished task.
func (s *Scheduler) ResultPath(taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[taskID]
	switch {
	case !ok:
		return "", errors.Wrap(ErrUnknownTask, taskID)
	case st.task.Stage == model.TaskStageExpired:
		return "", errors.Wrap(ErrTaskExpired, taskID)
	case st.task.Stage != model.TaskStageFinished:
		return "", errors.Wrapf(ErrNotFinished, "%s is %s", taskID, st.task.Stage)
	}
	return s.layout.ArtifactPath(taskID, st.task.Output), nil
}

// ProjectPath returns the uploaded project workers download.
func (s *Scheduler) ProjectPath(taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[taskID]
	switch {
	case !ok:
		return "", errors.Wrap(ErrUnknownTask, taskID)
	case st.task.Stage == model.TaskStageExpired:
		return "", errors.Wrap(ErrTaskExpired, taskID)
	}
	return s.layout.ProjectPath(taskID, st.task.DataType), nil
}

// PoolStats reports queue length and busy senders of both pools.
func (s *Scheduler) PoolStats() map[string]int {
	return map[string]int{
		"render_queued": s.render.QueueLen(),
		"render_busy":   s.render.Busy(),
		"concat_queued": s.concat.QueueLen(),
		"concat_busy":   s.concat.Busy(),
	}
}

// ─────────────────────────────────────────────
// Helpers (callers hold s.mu)
// ─────────────────────────────────────────────

func (s *Scheduler) lookupLocked(taskID string, index int) (*taskState, *model.Subtask) {
	st, ok := s.tasks[taskID]
	if !ok || index < 0 || index >= len(st.subs) {
		return st, nil
	}
	return st, st.subs[index]
}

func (s *Scheduler) publishLocked(st *taskState) {
	s.pub.Publish(frames.TaskProgress(&st.task, st.subs))
}

func (s *Scheduler) setStageLocked(st *taskState, stage model.TaskStage) {
	if st.task.Stage == stage {
		return
	}
	s.log.WithField("task", st.task.ID).Debugf("%s -> %s", st.task.Stage, stage)
	st.task.Stage = stage
	s.rec.SaveTask(st.task)
}

func copySubtask(sub *model.Subtask) model.Subtask {
	cp := *sub
	if sub.LatestFrame != nil {
		v := *sub.LatestFrame
		cp.LatestFrame = &v
	}
	return cp
}
