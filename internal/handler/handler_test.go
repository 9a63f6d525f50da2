package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmgr818/render-at-home/internal/concat"
	"github.com/taskmgr818/render-at-home/internal/ident"
	"github.com/taskmgr818/render-at-home/internal/ingest"
	"github.com/taskmgr818/render-at-home/internal/log"
	"github.com/taskmgr818/render-at-home/internal/model"
	"github.com/taskmgr818/render-at-home/internal/registry"
	"github.com/taskmgr818/render-at-home/internal/scene"
	"github.com/taskmgr818/render-at-home/internal/scheduler"
	"github.com/taskmgr818/render-at-home/internal/storage"
	"github.com/taskmgr818/render-at-home/internal/store"
	"github.com/taskmgr818/render-at-home/internal/ws"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(_ context.Context, w model.Worker, st model.StartTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, w.Address()+" "+model.SubtaskKey(st.TaskID, st.SubtaskIndex))
	return nil
}

type stack struct {
	router  *gin.Engine
	handler *Handler
	sched   *scheduler.Scheduler
	sender  *recordingSender
}

func newStack(t *testing.T, describe scene.DescriberFunc) *stack {
	t.Helper()
	layout, err := storage.New(t.TempDir())
	require.NoError(t, err)

	reg := registry.New(ident.NewMemoryAllocator(), store.Nop{}, log.Discard())
	hub := ws.NewHub(log.Discard())
	sender := &recordingSender{}

	cfg := scheduler.DefaultConfig()
	cfg.Render.PollInterval = 2 * time.Millisecond
	cfg.Concat.PollInterval = 2 * time.Millisecond
	sched := scheduler.New(cfg, scheduler.Deps{
		Registry:     reg,
		Allocator:    ident.NewMemoryAllocator(),
		Layout:       layout,
		Describer:    describe,
		Sender:       sender,
		Concatenator: concat.New(layout, concat.ZipMerger{}, concat.FFmpegMerger{Binary: "ffmpeg"}, log.Discard()),
		Recorder:     store.Nop{},
		Publisher:    hub,
		Log:          log.Discard(),
	})
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	r := gin.New()
	h := NewHandler(sched, reg, ingest.New(sched, layout, log.Discard()), hub, log.Discard())
	h.RegisterRoutes(r)
	return &stack{router: r, handler: h, sched: sched, sender: sender}
}

func standardScene(context.Context, string) (scene.Descriptor, error) {
	return scene.Descriptor{Start: 0, End: 52, Step: 13, Output: model.OutputPNG}, nil
}

func (s *stack) do(method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		if k == "Host" {
			req.Host = v
			continue
		}
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *stack) submit(t *testing.T) string {
	t.Helper()
	w := s.do(http.MethodPost, "/api/v1/tasks?owner=alice", strings.NewReader("BLENDER-v300"), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[model.SubmitResponse](t, w).TaskID
}

func TestRenderFlow(t *testing.T) {
	s := newStack(t, standardScene)
	id := s.submit(t)
	assert.Equal(t, "T-0000_0000_0000_0000", id)

	w := s.do(http.MethodGet, "/api/v1/tasks/"+id+"/result", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/v1/tasks/"+id+"/start", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	p := decode[model.Progress](t, s.do(http.MethodGet, "/api/v1/tasks/"+id+"/progress", nil, nil))
	assert.Equal(t, model.TaskStagePending, p.Stage)
	assert.InDelta(t, 0.2, p.TotalProgress, 1e-9)

	w = s.do(http.MethodPost, "/api/v1/workers/register", nil, map[string]string{
		model.HeaderWorkerHost:       "10.0.0.5",
		model.HeaderPort:             "9100",
		model.HeaderPerformanceScore: "40",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	workerID := decode[model.RegisterResponse](t, w).WorkerID
	assert.Equal(t, "W-0000_0000_0000_0000", workerID)
	assert.Equal(t, workerID, w.Header().Get(model.HeaderWorkerID))

	require.Eventually(t, func() bool {
		_, subs, err := s.sched.Task(id)
		return err == nil && len(subs) == 1 && subs[0].Stage == model.SubtaskStageRunning
	}, 2*time.Second, 2*time.Millisecond)
	s.sender.mu.Lock()
	assert.Equal(t, []string{"10.0.0.5:9100 " + id + "/0"}, s.sender.sent)
	s.sender.mu.Unlock()

	frame := func(taskID string, f int) *httptest.ResponseRecorder {
		return s.do(http.MethodPost, "/api/v1/workers/render-result", strings.NewReader("frame-"+strconv.Itoa(f)), map[string]string{
			model.HeaderWorkerID:     workerID,
			model.HeaderTaskID:       taskID,
			model.HeaderSubtaskIndex: "0",
			model.HeaderFrame:        strconv.Itoa(f),
		})
	}
	assert.Equal(t, http.StatusBadRequest, frame(id, 14).Code, "off-grid frame")
	assert.Equal(t, http.StatusNotFound, frame("T-0000_0000_0000_00aa", 0).Code)

	var last model.FrameReceipt
	for _, f := range []int{0, 13, 26, 39, 52} {
		w := frame(id, f)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Len(t, w.Header().Get(model.HeaderFrameDigest), 64)
		last = decode[model.FrameReceipt](t, w)
	}
	assert.True(t, last.Finished)

	require.Eventually(t, func() bool {
		return s.do(http.MethodGet, "/api/v1/tasks/"+id+"/result", nil, nil).Code == http.StatusOK
	}, 2*time.Second, 5*time.Millisecond)
	w = s.do(http.MethodGet, "/api/v1/tasks/"+id+"/result", nil, nil)
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("PK")), "zip archive")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "output.zip")

	p = decode[model.Progress](t, s.do(http.MethodGet, "/api/v1/tasks/"+id+"/progress", nil, nil))
	assert.Equal(t, model.TaskStageFinished, p.Stage)
	assert.Equal(t, 1.0, p.TotalProgress)

	assert.Equal(t, http.StatusConflict, frame(id, 52).Code, "task closed")
}

func TestSubmitTask_Multipart(t *testing.T) {
	s := newStack(t, standardScene)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "scene.zip")
	require.NoError(t, err)
	part.Write([]byte("PK-project"))
	require.NoError(t, mw.Close())

	w := s.do(http.MethodPost, "/api/v1/tasks", &buf, map[string]string{"Content-Type": mw.FormDataContentType()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[model.SubmitResponse](t, w).TaskID

	task, _, err := s.sched.Task(id)
	require.NoError(t, err)
	assert.Equal(t, model.DataTypeMultiFile, task.DataType)

	w = s.do(http.MethodGet, "/api/v1/tasks/"+id+"/project", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PK-project", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "blenderdata.zip")
}

func TestSubmitTask_BadRequests(t *testing.T) {
	s := newStack(t, standardScene)

	w := s.do(http.MethodPost, "/api/v1/tasks?data_type=RAR", strings.NewReader("x"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/tasks", strings.NewReader("x"), map[string]string{"Content-Type": "multipart/form-data; boundary=zzz"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartTask_Errors(t *testing.T) {
	unreadable := func(context.Context, string) (scene.Descriptor, error) {
		return scene.Descriptor{}, scene.ErrUnreadable
	}
	s := newStack(t, unreadable)
	id := s.submit(t)

	w := s.do(http.MethodPost, "/api/v1/tasks/"+id+"/start", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/tasks/"+id, nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/v1/tasks/"+id+"/start", nil, nil).Code)
}

func TestRegisterWorker_Validation(t *testing.T) {
	s := newStack(t, standardScene)
	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing port", map[string]string{model.HeaderPerformanceScore: "1"}, http.StatusBadRequest},
		{"non-numeric score", map[string]string{model.HeaderPort: "9000", model.HeaderPerformanceScore: "fast"}, http.StatusBadRequest},
		{"zero score", map[string]string{model.HeaderPort: "9000", model.HeaderPerformanceScore: "0"}, http.StatusBadRequest},
		{"port out of range", map[string]string{model.HeaderPort: "70000", model.HeaderPerformanceScore: "1"}, http.StatusBadRequest},
		{"peer address as host", map[string]string{model.HeaderPort: "9000", model.HeaderPerformanceScore: "1"}, http.StatusOK},
		{"kept id", map[string]string{model.HeaderWorkerID: "W-0000_0000_0000_002a", model.HeaderPort: "9000", model.HeaderPerformanceScore: "1"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/api/v1/workers/register", nil, tt.headers)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	workers := decode[struct {
		Workers []model.Worker `json:"workers"`
	}](t, s.do(http.MethodGet, "/api/v1/workers", nil, nil)).Workers
	require.Len(t, workers, 2)
	assert.Equal(t, "192.0.2.1", workers[0].Host, "httptest peer address")
}

func TestRegisterWorker_HostHeader(t *testing.T) {
	s := newStack(t, standardScene)
	s.handler.AcceptHostHeader("farm.local")

	register := func(headers map[string]string) string {
		headers[model.HeaderPort] = "9000"
		headers[model.HeaderPerformanceScore] = "1"
		w := s.do(http.MethodPost, "/api/v1/workers/register", nil, headers)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		id := decode[model.RegisterResponse](t, w).WorkerID
		for _, wk := range decode[struct {
			Workers []model.Worker `json:"workers"`
		}](t, s.do(http.MethodGet, "/api/v1/workers", nil, nil)).Workers {
			if wk.ID == id {
				return wk.Host
			}
		}
		t.Fatalf("worker %s not listed", id)
		return ""
	}

	assert.Equal(t, "10.0.0.7", register(map[string]string{"Host": "10.0.0.7"}))
	assert.Equal(t, "10.0.0.8", register(map[string]string{"Host": "10.0.0.8:9000"}))
	assert.Equal(t, "192.0.2.1", register(map[string]string{"Host": "Farm.Local:8080"}), "server's own name")
	assert.Equal(t, "10.0.0.9", register(map[string]string{"Host": "10.0.0.7", model.HeaderWorkerHost: "10.0.0.9"}))
}

func TestUnregisterWorker(t *testing.T) {
	s := newStack(t, standardScene)
	w := s.do(http.MethodPost, "/api/v1/workers/register", nil, map[string]string{
		model.HeaderPort: "9000", model.HeaderPerformanceScore: "1",
	})
	id := decode[model.RegisterResponse](t, w).WorkerID

	w = s.do(http.MethodPost, "/api/v1/workers/unregister", nil, map[string]string{
		model.HeaderWorkerID: id, model.HeaderUnregistrationType: "Vanish",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/workers/unregister", nil, map[string]string{
		model.HeaderWorkerID: "W-0000_0000_0000_0fff",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/api/v1/workers/unregister", nil, map[string]string{
		model.HeaderWorkerID: id, model.HeaderUnregistrationType: string(model.UnregisterForceQuitting),
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.WorkerStatusDisconnected, decode[model.Worker](t, w).Status)
}

func TestHealth(t *testing.T) {
	s := newStack(t, standardScene)
	w := s.do(http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "pools")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.Wrap(scheduler.ErrInvalidInput, "x"), http.StatusBadRequest},
		{errors.Wrap(registry.ErrInvalidWorker, "x"), http.StatusBadRequest},
		{errors.Wrap(scheduler.ErrFrameOutOfRange, "x"), http.StatusBadRequest},
		{errors.Wrap(scheduler.ErrUnknownTask, "x"), http.StatusNotFound},
		{errors.Wrap(registry.ErrUnknownWorker, "x"), http.StatusNotFound},
		{errors.Wrap(scheduler.ErrSubtaskAborted, "x"), http.StatusConflict},
		{errors.Wrap(scheduler.ErrTaskExpired, "x"), http.StatusGone},
		{errors.Wrap(scheduler.ErrUnreadableTask, "x"), http.StatusUnprocessableEntity},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
