// Package registry keeps the set of known render workers. Workers are never
// removed; a worker that leaves is only marked Disconnected.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/taskmgr818/render-at-home/internal/ident"
	"github.com/taskmgr818/render-at-home/internal/model"
)

var (
	ErrUnknownWorker = errors.New("unknown worker")
	ErrInvalidWorker = errors.New("invalid worker registration")
)

// WorkerRecorder persists worker snapshots.
type WorkerRecorder interface {
	SaveWorker(w model.Worker)
}

// Hooks let the scheduler react to capacity changes. They run after the
// registry lock has been released.
type Hooks struct {
	// OnAvailable fires when a worker (re)joins the pool.
	OnAvailable func(workerID string)
	// OnLost fires when a worker leaves without finishing its work.
	OnLost func(workerID string)
}

type Registry struct {
	mu      sync.RWMutex
	workers map[string]*model.Worker
	alloc   ident.Allocator
	rec     WorkerRecorder
	hooks   Hooks
	log     *logrus.Entry
	now     func() time.Time
}

func New(alloc ident.Allocator, rec WorkerRecorder, log *logrus.Entry) *Registry {
	return &Registry{
		workers: make(map[string]*model.Worker),
		alloc:   alloc,
		rec:     rec,
		log:     log,
		now:     time.Now,
	}
}

// SetHooks installs the capacity callbacks. Call before serving requests.
func (r *Registry) SetHooks(h Hooks) {
	r.mu.Lock()
	r.hooks = h
	r.mu.Unlock()
}

// Register adds or refreshes a worker and marks it Available. A well-formed
// workerID is kept; a missing or malformed one is replaced by a fresh id.
func (r *Registry) Register(ctx context.Context, workerID, host string, port, score int) (model.Worker, error) {
	if host == "" {
		return model.Worker{}, errors.Wrap(ErrInvalidWorker, "host is required")
	}
	if port < 1 || port > 65535 {
		return model.Worker{}, errors.Wrapf(ErrInvalidWorker, "port %d out of range", port)
	}
	if score <= 0 {
		return model.Worker{}, errors.Wrapf(ErrInvalidWorker, "performance score must be positive, got %d", score)
	}

	if n, err := ident.Parse(ident.KindWorker, workerID); err == nil {
		if err := r.alloc.Observe(ctx, ident.KindWorker, n); err != nil {
			return model.Worker{}, errors.Wrap(err, "observe worker id")
		}
	} else {
		if workerID != "" {
			r.log.Warnf("replacing malformed worker id %q", workerID)
		}
		n, err := r.alloc.Next(ctx, ident.KindWorker)
		if err != nil {
			return model.Worker{}, errors.Wrap(err, "allocate worker id")
		}
		workerID = ident.Format(ident.KindWorker, n)
	}

	now := r.now()
	r.mu.Lock()
	w, known := r.workers[workerID]
	wasBusy := known && (w.Status == model.WorkerStatusWorking || w.Status == model.WorkerStatusQuitting)
	if !known {
		w = &model.Worker{ID: workerID, RegisteredAt: now}
		r.workers[workerID] = w
	}
	w.Host = host
	w.Port = port
	w.PerformanceScore = score
	w.Status = model.WorkerStatusAvailable
	w.UpdatedAt = now
	snapshot := *w
	hooks := r.hooks
	r.mu.Unlock()

	r.rec.SaveWorker(snapshot)
	r.log.WithField("worker", workerID).Infof("registered %s (score %d)", snapshot.Address(), score)

	// A busy worker registering again has restarted and lost its subtasks.
	if wasBusy && hooks.OnLost != nil {
		hooks.OnLost(workerID)
	}
	if hooks.OnAvailable != nil {
		hooks.OnAvailable(workerID)
	}
	return snapshot, nil
}

// Unregister removes a worker from the pool. A graceful departure lets a
// working worker finish its current subtask first.
func (r *Registry) Unregister(workerID string, graceful bool) (model.Worker, error) {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return model.Worker{}, errors.Wrap(ErrUnknownWorker, workerID)
	}
	lost := false
	switch {
	case graceful && w.Status == model.WorkerStatusWorking:
		w.Status = model.WorkerStatusQuitting
	case w.Status == model.WorkerStatusWorking || w.Status == model.WorkerStatusQuitting:
		w.Status = model.WorkerStatusDisconnected
		lost = true
	default:
		// idle: with nothing to finish, Quitting would end immediately
		w.Status = model.WorkerStatusDisconnected
	}
	w.UpdatedAt = r.now()
	snapshot := *w
	hooks := r.hooks
	r.mu.Unlock()

	r.rec.SaveWorker(snapshot)
	r.log.WithField("worker", workerID).Infof("unregistered (graceful=%v) -> %s", graceful, snapshot.Status)

	if lost && hooks.OnLost != nil {
		hooks.OnLost(workerID)
	}
	return snapshot, nil
}

// Get returns a copy of the worker.
func (r *Registry) Get(workerID string) (model.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return model.Worker{}, false
	}
	return *w, true
}

// Status returns the worker's status, or false if it is unknown.
func (r *Registry) Status(workerID string) (model.WorkerStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return "", false
	}
	return w.Status, true
}

// SetStatus moves a worker to status. It does not fire hooks.
func (r *Registry) SetStatus(workerID string, status model.WorkerStatus) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return errors.Wrap(ErrUnknownWorker, workerID)
	}
	if w.Status == status {
		r.mu.Unlock()
		return nil
	}
	w.Status = status
	w.UpdatedAt = r.now()
	snapshot := *w
	r.mu.Unlock()

	r.rec.SaveWorker(snapshot)
	return nil
}

// Claim moves an Available worker to Working and reports whether it did.
func (r *Registry) Claim(workerID string) bool {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok || w.Status != model.WorkerStatusAvailable {
		r.mu.Unlock()
		return false
	}
	w.Status = model.WorkerStatusWorking
	w.UpdatedAt = r.now()
	snapshot := *w
	r.mu.Unlock()

	r.rec.SaveWorker(snapshot)
	return true
}

// Available returns the Available workers, strongest first.
func (r *Registry) Available() []model.Worker {
	r.mu.RLock()
	out := make([]model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if w.Status == model.WorkerStatusAvailable {
			out = append(out, *w)
		}
	}
	r.mu.RUnlock()
	sortByScore(out)
	return out
}

// All returns every known worker, strongest first.
func (r *Registry) All() []model.Worker {
	r.mu.RLock()
	out := make([]model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	r.mu.RUnlock()
	sortByScore(out)
	return out
}

// Counts tallies workers per status.
func (r *Registry) Counts() map[model.WorkerStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[model.WorkerStatus]int)
	for _, w := range r.workers {
		counts[w.Status]++
	}
	return counts
}

// Restore loads workers persisted by a previous run. None of them can be
// trusted to still be running, so all are marked Disconnected until they
// register again.
func (r *Registry) Restore(ctx context.Context, workers []model.Worker) error {
	swept := make([]model.Worker, 0, len(workers))
	r.mu.Lock()
	for _, w := range workers {
		if n, err := ident.Parse(ident.KindWorker, w.ID); err == nil {
			if err := r.alloc.Observe(ctx, ident.KindWorker, n); err != nil {
				r.mu.Unlock()
				return errors.Wrap(err, "observe restored worker id")
			}
		}
		w.Status = model.WorkerStatusDisconnected
		cp := w
		r.workers[w.ID] = &cp
		swept = append(swept, cp)
	}
	r.mu.Unlock()

	for _, w := range swept {
		r.rec.SaveWorker(w)
	}
	if len(swept) > 0 {
		r.log.Infof("restored %d workers as disconnected", len(swept))
	}
	return nil
}

func sortByScore(ws []model.Worker) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].PerformanceScore != ws[j].PerformanceScore {
			return ws[i].PerformanceScore > ws[j].PerformanceScore
		}
		return ws[i].ID < ws[j].ID
	})
}
