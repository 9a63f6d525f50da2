// Package agent is the render worker: it registers with the farm server,
// accepts STARTTASK dispatches, renders their frames and uploads them.
package agent

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/taskmgr818/render-at-home/internal/agent/config"
	"github.com/taskmgr818/render-at-home/internal/agent/journal"
	"github.com/taskmgr818/render-at-home/internal/model"
	"github.com/taskmgr818/render-at-home/internal/sender"
	"github.com/taskmgr818/render-at-home/internal/storage"
)

// ErrStopping is returned for STARTTASKs that arrive during shutdown.
var ErrStopping = errors.New("worker is shutting down")

type Agent struct {
	cfg      *config.Config
	server   *ServerClient
	journal  *journal.DB
	renderer Renderer
	log      *logrus.Entry

	mu       sync.RWMutex
	workerID string
	queue    chan model.StartTask
	closed   bool

	busy    atomic.Int32
	started time.Time
}

func New(cfg *config.Config, j *journal.DB, r Renderer, log *logrus.Entry) *Agent {
	return &Agent{
		cfg:      cfg,
		server:   NewServerClient(cfg.Server.URL, 5*time.Minute),
		journal:  j,
		renderer: r,
		log:      log,
		queue:    make(chan model.StartTask, cfg.Render.QueueSize),
	}
}

// WorkerID is the id the server assigned, empty before registration.
func (a *Agent) WorkerID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.workerID
}

// Router exposes STARTTASK and the stats endpoint.
func (a *Agent) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST(model.StartTaskPath, a.handleStartTask)
	r.GET("/stats", a.handleStats)
	return r
}

// Run listens on the configured address and serves until ctx is cancelled.
func (a *Agent) Run(ctx context.Context, graceful bool) error {
	ln, err := net.Listen("tcp", a.cfg.Worker.Listen)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	return a.Serve(ctx, ln, graceful)
}

// Serve registers with the farm, processes subtasks until ctx is cancelled
// and then unregisters. A graceful stop finishes queued subtasks first; a
// forced one abandons them and lets the server reassign.
func (a *Agent) Serve(ctx context.Context, ln net.Listener, graceful bool) error {
	a.started = time.Now()
	srv := &http.Server{Handler: a.Router()}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.log.Errorf("listener: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := a.register(ctx); err != nil {
		return err
	}

	renderCtx, cancelRender := context.WithCancel(context.Background())
	defer cancelRender()
	var wg sync.WaitGroup
	for i := 0; i < a.cfg.Render.Processors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for st := range a.queue {
				a.process(renderCtx, st)
			}
		}()
	}
	a.log.Infof("ready with %d processors", a.cfg.Render.Processors)

	<-ctx.Done()

	typ := model.UnregisterQuitting
	if !graceful {
		typ = model.UnregisterForceQuitting
	}
	unregCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.server.Unregister(unregCtx, a.WorkerID(), typ); err != nil {
		a.log.Warnf("unregister: %v", err)
	}
	cancel()

	a.mu.Lock()
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	if !graceful {
		cancelRender()
	} else if n := len(a.queue) + int(a.busy.Load()); n > 0 {
		a.log.Infof("finishing %d subtask(s) before exit", n)
	}
	wg.Wait()
	a.log.Info("stopped")
	return nil
}

// register announces the worker, reusing a configured or remembered id.
func (a *Agent) register(ctx context.Context) error {
	id := a.cfg.Worker.ID
	if id == "" {
		saved, err := a.journal.WorkerID()
		if err != nil {
			a.log.Warnf("read saved worker id: %v", err)
		}
		id = saved
	}
	score := a.cfg.Worker.PerformanceScore
	if score == 0 {
		measured, err := MeasureScore()
		if err != nil {
			a.log.Warnf("measure performance score, using 1: %v", err)
			measured = 1
		}
		score = measured
	}

	assigned, err := a.server.Register(ctx, id, a.cfg.Worker.Host, a.cfg.Worker.Port, score)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.workerID = assigned
	a.mu.Unlock()
	if err := a.journal.SetWorkerID(assigned); err != nil {
		a.log.Warnf("remember worker id: %v", err)
	}
	a.log.WithField("worker", assigned).Infof("registered with %s (score %d)", a.cfg.Server.URL, score)
	return nil
}

// ─────────────────────────────────────────────
// POST /STARTTASK
// ─────────────────────────────────────────────

func (a *Agent) handleStartTask(c *gin.Context) {
	st, err := sender.ParseHeaders(c.Request.Header)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.enqueue(st); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	a.log.WithField("task", st.TaskID).Infof("accepted subtask %d (%d..%d step %d)", st.SubtaskIndex, st.StartFrame, st.EndFrame, st.FrameStep)
	c.Status(http.StatusAccepted)
}

func (a *Agent) enqueue(st model.StartTask) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrStopping
	}
	select {
	case a.queue <- st:
		return nil
	default:
		return errors.New("subtask queue is full")
	}
}

// ─────────────────────────────────────────────
// Subtask processing
// ─────────────────────────────────────────────

func (a *Agent) process(ctx context.Context, st model.StartTask) {
	a.busy.Add(1)
	defer a.busy.Add(-1)
	entry := a.log.WithField("task", st.TaskID)

	if err := a.renderSubtask(ctx, st); err != nil {
		entry.Errorf("subtask %d abandoned: %v", st.SubtaskIndex, err)
		if ctx.Err() != nil {
			return // forced stop already told the server
		}
		a.abandon(ctx)
		return
	}
	entry.Infof("subtask %d done", st.SubtaskIndex)
}

func (a *Agent) renderSubtask(ctx context.Context, st model.StartTask) error {
	taskDir := filepath.Join(a.cfg.Render.WorkDir, st.TaskID)
	project, err := a.prepareProject(ctx, st, taskDir)
	if err != nil {
		return err
	}
	outDir := filepath.Join(taskDir, strconv.Itoa(st.SubtaskIndex))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "create output folder")
	}

	for frame := st.StartFrame; frame <= st.EndFrame; frame += st.FrameStep {
		out, err := filepath.Abs(filepath.Join(outDir, storage.FrameName(frame, st.Output)))
		if err != nil {
			return err
		}
		rec := journal.FrameLog{TaskID: st.TaskID, SubtaskIndex: st.SubtaskIndex, Frame: frame}
		start := time.Now()
		err = a.renderer.Render(ctx, project, frame, out)
		rec.Duration = time.Since(start)
		if err == nil {
			var receipt model.FrameReceipt
			receipt, err = a.server.PostFrame(ctx, a.WorkerID(), st, frame, out)
			rec.Digest, rec.Size = receipt.Digest, receipt.Size
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if jerr := a.journal.Record(&rec); jerr != nil {
			a.log.Warnf("journal: %v", jerr)
		}
		if err != nil {
			return err
		}
		if !a.cfg.Render.KeepFrames {
			os.Remove(out)
		}
	}
	if !a.cfg.Render.KeepFrames {
		os.RemoveAll(outDir)
	}
	return nil
}

// prepareProject downloads the project once per task and unpacks archives.
func (a *Agent) prepareProject(ctx context.Context, st model.StartTask, taskDir string) (string, error) {
	archive := filepath.Join(taskDir, st.DataType.ProjectFileName())
	if _, err := os.Stat(archive); err != nil {
		if err := a.server.FetchProject(ctx, st, archive); err != nil {
			return "", err
		}
	}
	if st.DataType != model.DataTypeMultiFile {
		return filepath.Abs(archive)
	}
	scene, err := unpackProject(archive, filepath.Join(taskDir, "project"))
	if err != nil {
		return "", err
	}
	return filepath.Abs(scene)
}

// abandon registers again under the same id. The server treats a busy
// worker re-registering as having lost its subtask and reassigns the
// remaining frames.
func (a *Agent) abandon(ctx context.Context) {
	score := a.cfg.Worker.PerformanceScore
	if score == 0 {
		if measured, err := MeasureScore(); err == nil {
			score = measured
		} else {
			score = 1
		}
	}
	if _, err := a.server.Register(ctx, a.WorkerID(), a.cfg.Worker.Host, a.cfg.Worker.Port, score); err != nil {
		a.log.Warnf("re-register after failure: %v", err)
	}
}

// ─────────────────────────────────────────────
// GET /stats
// ─────────────────────────────────────────────

// Stats is the snapshot served on /stats.
type Stats struct {
	WorkerID  string                  `json:"worker_id"`
	ServerURL string                  `json:"server_url"`
	StartTime time.Time               `json:"start_time"`
	Queued    int                     `json:"queued"`
	Busy      int                     `json:"busy"`
	Journal   *journal.AggregateStats `json:"journal"`
	Recent    []journal.FrameLog      `json:"recent"`
}

func (a *Agent) Stats() (Stats, error) {
	agg, err := a.journal.Stats()
	if err != nil {
		return Stats{}, err
	}
	recent, err := a.journal.Recent(10)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		WorkerID:  a.WorkerID(),
		ServerURL: a.cfg.Server.URL,
		StartTime: a.started,
		Queued:    len(a.queue),
		Busy:      int(a.busy.Load()),
		Journal:   agg,
		Recent:    recent,
	}, nil
}

func (a *Agent) handleStats(c *gin.Context) {
	stats, err := a.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
