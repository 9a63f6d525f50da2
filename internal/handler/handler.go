package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/taskmgr818/render-at-home/internal/ingest"
	"github.com/taskmgr818/render-at-home/internal/registry"
	"github.com/taskmgr818/render-at-home/internal/scheduler"
	"github.com/taskmgr818/render-at-home/internal/ws"
)

// Handler holds HTTP/WS endpoint handlers.
type Handler struct {
	sched   *scheduler.Scheduler
	workers *registry.Registry
	ingest  *ingest.Ingestor
	hub     *ws.Hub
	log     *logrus.Entry

	// names this server is reached by; a Host header naming anything else
	// is taken as the registering worker's address
	serverHosts map[string]bool
}

// NewHandler creates the handler set.
func NewHandler(sched *scheduler.Scheduler, workers *registry.Registry, in *ingest.Ingestor, hub *ws.Hub, log *logrus.Entry) *Handler {
	return &Handler{
		sched:   sched,
		workers: workers,
		ingest:  in,
		hub:     hub,
		log:     log,
	}
}

// AcceptHostHeader lets registration read the worker address from the Host
// header when it does not name one of hosts or the listening address.
func (h *Handler) AcceptHostHeader(hosts ...string) *Handler {
	h.serverHosts = make(map[string]bool, len(hosts))
	for _, host := range hosts {
		h.serverHosts[strings.ToLower(host)] = true
	}
	return h
}

// RegisterRoutes registers all routes on the Gin engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	api.GET("/health", h.Health)

	tasks := api.Group("/tasks")
	{
		tasks.POST("", h.SubmitTask)
		tasks.GET("", h.ListTasks)
		tasks.GET("/:id", h.GetTask)
		tasks.POST("/:id/start", h.StartTask)
		tasks.GET("/:id/progress", h.Progress)
		tasks.GET("/:id/result", h.Result)
		tasks.GET("/:id/project", h.Project)
		tasks.GET("/:id/ws", h.WatchProgress)
	}

	workers := api.Group("/workers")
	{
		workers.GET("", h.ListWorkers)
		workers.POST("/register", h.RegisterWorker)
		workers.POST("/unregister", h.UnregisterWorker)
		workers.POST("/render-result", h.RenderResult)
	}
}

// ─────────────────────────────────────────────
// GET /api/v1/health
// ─────────────────────────────────────────────

// Health returns basic server health info.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"workers": h.workers.Counts(),
		"pools":   h.sched.PoolStats(),
	})
}

// ─────────────────────────────────────────────
// Error mapping
// ─────────────────────────────────────────────

var errBadRequest = errors.New("bad request")

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, scheduler.ErrInvalidInput),
		errors.Is(err, scheduler.ErrFrameOutOfRange),
		errors.Is(err, registry.ErrInvalidWorker):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrUnknownTask),
		errors.Is(err, registry.ErrUnknownWorker):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrTaskConflict),
		errors.Is(err, scheduler.ErrNotFinished),
		errors.Is(err, scheduler.ErrTaskClosed),
		errors.Is(err, scheduler.ErrSubtaskMismatch),
		errors.Is(err, scheduler.ErrSubtaskAborted):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrTaskExpired):
		return http.StatusGone
	case errors.Is(err, scheduler.ErrUnreadableTask):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// fail answers with the status matching err's sentinel.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
