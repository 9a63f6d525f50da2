// Package ws streams task progress to websocket watchers.
package ws

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/taskmgr818/render-at-home/internal/model"
)

// ─────────────────────────────────────────────
// Hub: progress subscribers grouped by task
// ─────────────────────────────────────────────

// Hub fans task progress out to the websocket clients watching that task.
// Once a task reaches a final stage its subscribers are sent that last
// update and disconnected.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]struct{} // taskID → clients
	log    *logrus.Entry
}

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		topics: make(map[string]map[*Client]struct{}),
		log:    log,
	}
}

// Subscribe adds a client to its task's topic.
func (h *Hub) Subscribe(c *Client) {
	h.mu.Lock()
	subs, ok := h.topics[c.TaskID]
	if !ok {
		subs = make(map[*Client]struct{})
		h.topics[c.TaskID] = subs
	}
	subs[c] = struct{}{}
	n := len(subs)
	h.mu.Unlock()
	h.log.WithField("task", c.TaskID).Debugf("watcher connected (total: %d)", n)
}

// Unsubscribe removes a client and closes its send channel.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *Client) {
	subs := h.topics[c.TaskID]
	if _, ok := subs[c]; !ok {
		return
	}
	delete(subs, c)
	close(c.send)
	if len(subs) == 0 {
		delete(h.topics, c.TaskID)
	}
}

// deliver queues p for a single subscriber, dropping it after a final
// stage. A client already dropped by a final Publish has its last update.
func (h *Hub) deliver(c *Client, p model.Progress) {
	data, err := json.Marshal(p)
	if err != nil {
		h.log.Warnf("marshal progress: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topics[c.TaskID][c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
	if p.Stage.Final() {
		h.dropLocked(c)
	}
}

// Subscribers returns the number of clients watching a task.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[taskID])
}

// Publish sends p to every watcher of its task without blocking. A watcher
// whose buffer is full misses the update; the next one supersedes it.
func (h *Hub) Publish(p model.Progress) {
	h.mu.RLock()
	n := len(h.topics[p.TaskID])
	h.mu.RUnlock()
	if n == 0 {
		return
	}

	data, err := json.Marshal(p)
	if err != nil {
		h.log.Warnf("marshal progress: %v", err)
		return
	}

	final := p.Stage.Final()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.topics[p.TaskID] {
		select {
		case c.send <- data:
		default:
			h.log.WithField("task", p.TaskID).Debug("send buffer full, dropping update")
		}
		if final {
			h.dropLocked(c)
		}
	}
}
