// Package sender delivers STARTTASK requests to render workers.
package sender

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/taskmgr818/render-at-home/internal/model"
)

var (
	ErrRejected      = errors.New("worker rejected subtask")
	ErrMissingHeader = errors.New("missing STARTTASK header")
)

// Client posts subtasks to workers. One attempt per Send call; retries belong
// to the dispatch pool.
type Client struct {
	http *http.Client
}

func New(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Send delivers st to the worker. Any non-2xx answer is an error.
func (c *Client) Send(ctx context.Context, w model.Worker, st model.StartTask) error {
	url := fmt.Sprintf("http://%s%s", w.Address(), model.StartTaskPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return errors.Wrap(err, "build STARTTASK request")
	}
	req.Header = Headers(st)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "STARTTASK to %s", w.ID)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Wrapf(ErrRejected, "%s answered %d: %s", w.ID, resp.StatusCode, body)
	}
	return nil
}

// Headers encodes st as the STARTTASK header set.
func Headers(st model.StartTask) http.Header {
	h := http.Header{}
	h.Set(model.HeaderTaskID, st.TaskID)
	h.Set(model.HeaderSubtaskIndex, strconv.Itoa(st.SubtaskIndex))
	h.Set(model.HeaderFileServerAddress, st.FileServerAddress)
	h.Set(model.HeaderFileServerPort, strconv.Itoa(st.FileServerPort))
	h.Set(model.HeaderBlenderDataType, string(st.DataType))
	h.Set(model.HeaderOutputType, string(st.Output))
	h.Set(model.HeaderStartFrame, strconv.Itoa(st.StartFrame))
	h.Set(model.HeaderEndFrame, strconv.Itoa(st.EndFrame))
	h.Set(model.HeaderFrameStep, strconv.Itoa(st.FrameStep))
	return h
}

// ParseHeaders is the worker-side inverse of Headers.
func ParseHeaders(h http.Header) (model.StartTask, error) {
	var (
		st  model.StartTask
		err error
	)
	str := func(name string) string {
		v := h.Get(name)
		if v == "" && err == nil {
			err = errors.Wrap(ErrMissingHeader, name)
		}
		return v
	}
	num := func(name string) int {
		v := str(name)
		if err != nil {
			return 0
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = errors.Wrapf(perr, "header %s", name)
		}
		return n
	}

	st.TaskID = str(model.HeaderTaskID)
	st.SubtaskIndex = num(model.HeaderSubtaskIndex)
	st.FileServerAddress = str(model.HeaderFileServerAddress)
	st.FileServerPort = num(model.HeaderFileServerPort)
	st.DataType = model.DataType(str(model.HeaderBlenderDataType))
	st.Output = model.OutputType(str(model.HeaderOutputType))
	st.StartFrame = num(model.HeaderStartFrame)
	st.EndFrame = num(model.HeaderEndFrame)
	st.FrameStep = num(model.HeaderFrameStep)
	if err != nil {
		return model.StartTask{}, err
	}

	switch {
	case !st.DataType.Valid():
		return model.StartTask{}, errors.Errorf("unknown data type %q", st.DataType)
	case !st.Output.Valid():
		return model.StartTask{}, errors.Errorf("unknown output type %q", st.Output)
	case st.FrameStep < 1 || st.EndFrame < st.StartFrame:
		return model.StartTask{}, errors.Errorf("bad frame range %d..%d step %d", st.StartFrame, st.EndFrame, st.FrameStep)
	}
	return st, nil
}
