package agent

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/taskmgr818/render-at-home/internal/model"
)

var (
	// ErrRejected is a 4xx answer: retrying the same request cannot help.
	ErrRejected = errors.New("farm server rejected request")
	// ErrDigestMismatch means the server stored different bytes than were sent.
	ErrDigestMismatch = errors.New("frame digest mismatch")
)

// ServerClient talks to the farm server's worker endpoints.
type ServerClient struct {
	base string
	http *http.Client
}

func NewServerClient(baseURL string, timeout time.Duration) *ServerClient {
	return &ServerClient{base: baseURL, http: &http.Client{Timeout: timeout}}
}

// Register announces the worker and returns the id the server assigned.
// host may be empty to let the server use the peer address.
func (c *ServerClient) Register(ctx context.Context, workerID, host string, port, score int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/workers/register", nil)
	if err != nil {
		return "", errors.Wrap(err, "build register request")
	}
	if workerID != "" {
		req.Header.Set(model.HeaderWorkerID, workerID)
	}
	if host != "" {
		req.Header.Set(model.HeaderWorkerHost, host)
	}
	req.Header.Set(model.HeaderPort, strconv.Itoa(port))
	req.Header.Set(model.HeaderPerformanceScore, strconv.Itoa(score))

	var out model.RegisterResponse
	if err := c.do(req, &out); err != nil {
		return "", errors.Wrap(err, "register")
	}
	return out.WorkerID, nil
}

func (c *ServerClient) Unregister(ctx context.Context, workerID string, typ model.UnregistrationType) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/workers/unregister", nil)
	if err != nil {
		return errors.Wrap(err, "build unregister request")
	}
	req.Header.Set(model.HeaderWorkerID, workerID)
	req.Header.Set(model.HeaderUnregistrationType, string(typ))
	return errors.Wrap(c.do(req, nil), "unregister")
}

// FetchProject downloads a task's project from the file server named in
// the STARTTASK message into dst.
func (c *ServerClient) FetchProject(ctx context.Context, st model.StartTask, dst string) error {
	url := fmt.Sprintf("http://%s:%d/api/v1/tasks/%s/project", st.FileServerAddress, st.FileServerPort, st.TaskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build project request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "download project")
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return errors.Wrap(err, "download project")
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "create project directory")
	}
	tmp := filepath.Join(filepath.Dir(dst), "."+uuid.NewString()+".part")
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create project file")
	}
	_, err = io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "store project")
	}
	return nil
}

// PostFrame uploads one rendered frame and checks the server's digest
// against the bytes sent.
func (c *ServerClient) PostFrame(ctx context.Context, workerID string, st model.StartTask, frame int, path string) (model.FrameReceipt, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.FrameReceipt{}, errors.Wrap(err, "open frame")
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return model.FrameReceipt{}, errors.Wrap(err, "init digest")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/workers/render-result", io.TeeReader(f, h))
	if err != nil {
		return model.FrameReceipt{}, errors.Wrap(err, "build frame request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(model.HeaderWorkerID, workerID)
	req.Header.Set(model.HeaderTaskID, st.TaskID)
	req.Header.Set(model.HeaderSubtaskIndex, strconv.Itoa(st.SubtaskIndex))
	req.Header.Set(model.HeaderFrame, strconv.Itoa(frame))

	var receipt model.FrameReceipt
	if err := c.do(req, &receipt); err != nil {
		return model.FrameReceipt{}, errors.Wrapf(err, "post frame %d", frame)
	}
	if sent := hex.EncodeToString(h.Sum(nil)); receipt.Digest != sent {
		return receipt, errors.Wrapf(ErrDigestMismatch, "frame %d: sent %s, stored %s", frame, sent, receipt.Digest)
	}
	return receipt, nil
}

func (c *ServerClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return errors.Wrapf(ErrRejected, "%s: %s", resp.Status, body.Error)
	}
	return errors.Errorf("%s: %s", resp.Status, body.Error)
}
