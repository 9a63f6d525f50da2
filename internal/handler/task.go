package handler

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/taskmgr818/render-at-home/internal/model"
	"github.com/taskmgr818/render-at-home/internal/ws"
)

// ─────────────────────────────────────────────
// POST /api/v1/tasks
// ─────────────────────────────────────────────

// SubmitTask stores an uploaded project and creates an Uploading task.
// The body is either the raw project or a multipart form with a "file" part.
// Packaging comes from the Blender-Data-Type header or ?data_type=, default
// single file.
func (h *Handler) SubmitTask(c *gin.Context) {
	dt := model.DataType(c.GetHeader(model.HeaderBlenderDataType))
	if dt == "" {
		dt = model.DataType(c.DefaultQuery("data_type", string(model.DataTypeSingleFile)))
	}

	var body io.Reader = c.Request.Body
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			h.fail(c, errors.Wrap(errBadRequest, "multipart upload needs a \"file\" part"))
			return
		}
		f, err := fh.Open()
		if err != nil {
			h.fail(c, errors.Wrap(err, "open upload"))
			return
		}
		defer f.Close()
		body = f
		if strings.HasSuffix(strings.ToLower(fh.Filename), ".zip") && c.GetHeader(model.HeaderBlenderDataType) == "" && c.Query("data_type") == "" {
			dt = model.DataTypeMultiFile
		}
	}

	task, err := h.sched.SubmitTask(c.Request.Context(), c.Query("owner"), dt, body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header(model.HeaderTaskID, task.ID)
	c.JSON(http.StatusCreated, model.SubmitResponse{
		TaskID: task.ID,
		Path:   "/api/v1/tasks/" + task.ID,
	})
}

// ─────────────────────────────────────────────
// GET /api/v1/tasks, GET /api/v1/tasks/:id
// ─────────────────────────────────────────────

func (h *Handler) ListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.Tasks(c.Query("owner"))})
}

func (h *Handler) GetTask(c *gin.Context) {
	task, subs, err := h.sched.Task(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task, "subtasks": subs})
}

// ─────────────────────────────────────────────
// POST /api/v1/tasks/:id/start
// ─────────────────────────────────────────────

// StartTask describes the uploaded project and queues the task for workers.
func (h *Handler) StartTask(c *gin.Context) {
	task, err := h.sched.StartTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ─────────────────────────────────────────────
// Progress
// ─────────────────────────────────────────────

func (h *Handler) Progress(c *gin.Context) {
	p, err := h.sched.Progress(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// WatchProgress upgrades to a websocket that streams progress updates until
// the task finishes.
func (h *Handler) WatchProgress(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := h.sched.Progress(taskID); err != nil {
		h.fail(c, err)
		return
	}
	conn, err := ws.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithField("task", taskID).Warnf("websocket upgrade: %v", err)
		return
	}
	ws.NewClient(taskID, conn, h.hub).Run(func() (model.Progress, error) {
		return h.sched.Progress(taskID)
	})
}

// ─────────────────────────────────────────────
// Downloads
// ─────────────────────────────────────────────

// Result serves the merged artifact of a finished task.
func (h *Handler) Result(c *gin.Context) {
	path, err := h.sched.ResultPath(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.FileAttachment(path, c.Param("id")+"_"+filepath.Base(path))
}

// Project serves the uploaded project; workers fetch it after STARTTASK.
func (h *Handler) Project(c *gin.Context) {
	path, err := h.sched.ProjectPath(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}
