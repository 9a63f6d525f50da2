package handler

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/taskmgr818/render-at-home/internal/model"
)

func (h *Handler) ListWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": h.workers.All()})
}

// ─────────────────────────────────────────────
// POST /api/v1/workers/register
// ─────────────────────────────────────────────

// RegisterWorker adds a worker from its header set and returns the id it
// must use from now on.
// Headers: Worker-Id (optional), Worker-Host or Host (defaults to the peer
// address), Port, Performance-Score.
func (h *Handler) RegisterWorker(c *gin.Context) {
	port, err := intHeader(c, model.HeaderPort)
	if err != nil {
		h.fail(c, err)
		return
	}
	score, err := intHeader(c, model.HeaderPerformanceScore)
	if err != nil {
		h.fail(c, err)
		return
	}
	host := h.workerHost(c)

	w, err := h.workers.Register(c.Request.Context(), c.GetHeader(model.HeaderWorkerID), host, port, score)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header(model.HeaderWorkerID, w.ID)
	c.JSON(http.StatusOK, model.RegisterResponse{WorkerID: w.ID})
}

// workerHost picks the worker's address: Worker-Host, then a Host header
// that does not name this server, then the peer address. net/http moves
// Host out of the header map into Request.Host.
func (h *Handler) workerHost(c *gin.Context) string {
	if host := c.GetHeader(model.HeaderWorkerHost); host != "" {
		return host
	}
	if h.serverHosts != nil {
		if host := hostOnly(c.Request.Host); host != "" && !h.isServerHost(c, host) {
			return host
		}
	}
	return c.ClientIP()
}

func (h *Handler) isServerHost(c *gin.Context, host string) bool {
	host = strings.ToLower(host)
	if h.serverHosts[host] {
		return true
	}
	if addr, ok := c.Request.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		return hostOnly(addr.String()) == host
	}
	return false
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.Trim(host, "[]")
	}
	return strings.Trim(hostport, "[]")
}

// ─────────────────────────────────────────────
// POST /api/v1/workers/unregister
// ─────────────────────────────────────────────

// UnregisterWorker removes a worker. "Quitting" lets it finish its current
// subtask; "Force-Quitting" reassigns the subtask immediately.
func (h *Handler) UnregisterWorker(c *gin.Context) {
	var graceful bool
	switch model.UnregistrationType(c.GetHeader(model.HeaderUnregistrationType)) {
	case model.UnregisterQuitting, "":
		graceful = true
	case model.UnregisterForceQuitting:
	default:
		h.fail(c, errors.Wrapf(errBadRequest, "unknown %s %q", model.HeaderUnregistrationType, c.GetHeader(model.HeaderUnregistrationType)))
		return
	}

	w, err := h.workers.Unregister(c.GetHeader(model.HeaderWorkerID), graceful)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// ─────────────────────────────────────────────
// POST /api/v1/workers/render-result
// ─────────────────────────────────────────────

// RenderResult accepts one rendered frame as the request body.
// Headers: Worker-Id, Task-Id, Subtask-Index, Frame.
func (h *Handler) RenderResult(c *gin.Context) {
	index, err := intHeader(c, model.HeaderSubtaskIndex)
	if err != nil {
		h.fail(c, err)
		return
	}
	frame, err := intHeader(c, model.HeaderFrame)
	if err != nil {
		h.fail(c, err)
		return
	}
	ref := model.FrameRef{
		WorkerID:     c.GetHeader(model.HeaderWorkerID),
		TaskID:       c.GetHeader(model.HeaderTaskID),
		SubtaskIndex: index,
		Frame:        frame,
	}

	receipt, err := h.ingest.Accept(c.Request.Context(), ref, c.Request.Body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header(model.HeaderFrameDigest, receipt.Digest)
	c.JSON(http.StatusOK, receipt)
}

func intHeader(c *gin.Context, name string) (int, error) {
	v := c.GetHeader(name)
	if v == "" {
		return 0, errors.Wrapf(errBadRequest, "missing %s header", name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(errBadRequest, "%s: %q is not an integer", name, v)
	}
	return n, nil
}
