package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmgr818/render-at-home/internal/log"
)

// recorder collects callback invocations.
type recorder struct {
	mu        sync.Mutex
	started   []string
	succeeded []string
	failed    map[string]int
}

func newRecorder() *recorder {
	return &recorder{failed: make(map[string]int)}
}

func (r *recorder) callbacks() Callbacks[string] {
	return Callbacks[string]{
		OnStart: func(item string) {
			r.mu.Lock()
			r.started = append(r.started, item)
			r.mu.Unlock()
		},
		OnSuccess: func(item string) {
			r.mu.Lock()
			r.succeeded = append(r.succeeded, item)
			r.mu.Unlock()
		},
		OnFailure: func(item string, err error) {
			r.mu.Lock()
			r.failed[item]++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() (started, succeeded []string, failed map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := make(map[string]int, len(r.failed))
	for k, v := range r.failed {
		f[k] = v
	}
	return append([]string(nil), r.started...), append([]string(nil), r.succeeded...), f
}

func testConfig(size, retries int) Config {
	return Config{
		Name:           "test",
		Size:           size,
		MaxRetries:     retries,
		AttemptTimeout: 200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		RetryDelay:     time.Millisecond,
	}
}

func TestPool_DeliversInFIFOOrder(t *testing.T) {
	rec := newRecorder()
	var mu sync.Mutex
	var delivered []string
	p := New(testConfig(1, 1), func(ctx context.Context, item string) error {
		mu.Lock()
		delivered = append(delivered, item)
		mu.Unlock()
		return nil
	}, rec.callbacks(), log.Discard())

	for _, item := range []string{"a", "b", "c"} {
		p.Submit(item)
	}
	p.Start(context.Background())
	defer p.Stop()

	assert.Eventually(t, func() bool {
		_, ok, _ := rec.snapshot()
		return len(ok) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, delivered)
}

func TestPool_FailureCallbackExactlyOnce(t *testing.T) {
	rec := newRecorder()
	var attempts atomic.Int32
	p := New(testConfig(2, 3), func(ctx context.Context, item string) error {
		attempts.Add(1)
		return errors.New("connection refused")
	}, rec.callbacks(), log.Discard())

	p.Submit("doomed")
	p.Start(context.Background())

	assert.Eventually(t, func() bool {
		_, _, failed := rec.snapshot()
		return failed["doomed"] == 1
	}, 2*time.Second, 5*time.Millisecond)

	// let the manager run a few more rounds over the idle slot
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	_, succeeded, failed := rec.snapshot()
	assert.Equal(t, 1, failed["doomed"])
	assert.Empty(t, succeeded)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestPool_RetriesUntilSuccess(t *testing.T) {
	rec := newRecorder()
	var attempts atomic.Int32
	p := New(testConfig(1, 5), func(ctx context.Context, item string) error {
		if attempts.Add(1) < 3 {
			return errors.New("503")
		}
		return nil
	}, rec.callbacks(), log.Discard())

	p.Submit("flaky")
	p.Start(context.Background())
	defer p.Stop()

	assert.Eventually(t, func() bool {
		_, ok, _ := rec.snapshot()
		return len(ok) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, _, failed := rec.snapshot()
	assert.Empty(t, failed)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestPool_AttemptTimeoutBoundsHang(t *testing.T) {
	rec := newRecorder()
	cfg := testConfig(1, 2)
	cfg.AttemptTimeout = 20 * time.Millisecond
	p := New(cfg, func(ctx context.Context, item string) error {
		<-ctx.Done()
		return ctx.Err()
	}, rec.callbacks(), log.Discard())

	p.Submit("slow")
	p.Start(context.Background())
	defer p.Stop()

	assert.Eventually(t, func() bool {
		_, _, failed := rec.snapshot()
		return failed["slow"] == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPool_CancelledItemNeverSent(t *testing.T) {
	rec := newRecorder()
	var mu sync.Mutex
	sent := map[string]bool{}
	p := New(testConfig(1, 1), func(ctx context.Context, item string) error {
		mu.Lock()
		sent[item] = true
		mu.Unlock()
		return nil
	}, rec.callbacks(), log.Discard())

	p.Submit("keep")
	p.Submit("drop")
	p.Submit("last")
	require.True(t, p.Cancel("drop"))
	assert.False(t, p.Cancel("missing"), "only queued items can be cancelled")

	p.Start(context.Background())
	defer p.Stop()

	assert.Eventually(t, func() bool {
		_, ok, _ := rec.snapshot()
		return len(ok) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, sent["drop"])
	started, _, _ := rec.snapshot()
	assert.Equal(t, []string{"keep", "last"}, started)
	assert.Zero(t, p.QueueLen())
}

func TestPool_CancelInFlightHasNoEffect(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	p := New(testConfig(1, 1), func(ctx context.Context, item string) error {
		<-release
		return nil
	}, rec.callbacks(), log.Discard())

	p.Submit("busy")
	p.Start(context.Background())
	defer p.Stop()

	assert.Eventually(t, func() bool { return p.Busy() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, p.Cancel("busy"))
	close(release)

	assert.Eventually(t, func() bool {
		_, ok, _ := rec.snapshot()
		return len(ok) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPool_BoundedConcurrency(t *testing.T) {
	rec := newRecorder()
	var running, peak atomic.Int32
	p := New(testConfig(2, 1), func(ctx context.Context, item string) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}, rec.callbacks(), log.Discard())

	for _, item := range []string{"1", "2", "3", "4", "5"} {
		p.Submit(item)
	}
	p.Start(context.Background())
	defer p.Stop()

	assert.Eventually(t, func() bool {
		_, ok, _ := rec.snapshot()
		return len(ok) == 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
