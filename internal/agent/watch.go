package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/taskmgr818/render-at-home/internal/model"
)

const (
	watchWriteWait    = 10 * time.Second
	watchPongWait     = 60 * time.Second
	reconnectInterval = 2 * time.Second
	maxReconnectDelay = 30 * time.Second
	maxBackoffShift   = 4
)

// ErrTaskNotFound is returned when the server does not know the watched task.
var ErrTaskNotFound = errors.New("task not found")

// Watcher follows a task's progress stream, reconnecting with exponential
// backoff until the task reaches a final stage.
type Watcher struct {
	url    string
	dialer *websocket.Dialer
	log    *logrus.Entry

	interval time.Duration
	maxDelay time.Duration
}

// NewWatcher builds a watcher for taskID on the server at serverURL
// (http or https).
func NewWatcher(serverURL, taskID string, log *logrus.Entry) (*Watcher, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse server url")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/tasks/" + url.PathEscape(taskID) + "/ws"
	return &Watcher{
		url:      u.String(),
		dialer:   websocket.DefaultDialer,
		log:      log,
		interval: reconnectInterval,
		maxDelay: maxReconnectDelay,
	}, nil
}

// Watch calls fn for every progress update. It returns nil once a final
// stage was seen, ErrTaskNotFound for an unknown task, or ctx's error.
func (w *Watcher) Watch(ctx context.Context, fn func(model.Progress)) error {
	attempts := 0
	for {
		done, connected, err := w.session(ctx, fn)
		if done {
			return nil
		}
		if errors.Is(err, ErrTaskNotFound) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempts = 0
		}
		attempts++

		delay := w.interval * time.Duration(1<<uint(min(attempts-1, maxBackoffShift)))
		if delay > w.maxDelay {
			delay = w.maxDelay
		}
		w.log.Warnf("progress stream interrupted (%v), reconnecting in %v", err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// session runs one connection. done is set once the stream ended normally.
func (w *Watcher) session(ctx context.Context, fn func(model.Progress)) (done, connected bool, err error) {
	conn, resp, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, false, errors.Wrap(ErrTaskNotFound, w.url)
		}
		return false, false, errors.Wrap(err, "dial")
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(watchPongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(watchPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(watchWriteWait))
	})

	final := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if final || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, true, nil
			}
			return false, true, errors.Wrap(err, "read")
		}
		conn.SetReadDeadline(time.Now().Add(watchPongWait))

		var p model.Progress
		if err := json.Unmarshal(msg, &p); err != nil {
			w.log.Warnf("bad progress message: %v", err)
			continue
		}
		fn(p)
		if p.Stage.Final() {
			final = true
		}
	}
}
