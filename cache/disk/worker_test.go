package disk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blockcache/cache"
)

// recorder is a worker handler that records task keys. While gate is open
// (non-nil), each task blocks until a value is received on it.
type recorder struct {
	mu      sync.Mutex
	keys    []string
	started chan string
	gate    chan struct{}
	dropped []string
}

func newRecorder(gated bool) *recorder {
	r := &recorder{started: make(chan string, 64)}
	if gated {
		r.gate = make(chan struct{})
	}
	return r
}

func (r *recorder) handle(t *task) error {
	r.started <- t.key
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	r.keys = append(r.keys, t.key)
	r.mu.Unlock()
	return nil
}

func (r *recorder) drop(t *task) {
	r.mu.Lock()
	r.dropped = append(r.dropped, t.key)
	r.mu.Unlock()
}

func (r *recorder) handled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func (r *recorder) droppedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dropped...)
}

func noDepth(int) {}

func writeTask(key string, wait bool) *task {
	return newTask(taskWrite, key, nil, wait)
}

// startBlocked submits a gated task and waits until the worker is running it,
// so that later submissions stay queued.
func startBlocked(t *testing.T, w *worker, r *recorder) {
	t.Helper()
	require.NoError(t, w.submit(writeTask("running", false)))
	select {
	case key := <-r.started:
		require.Equal(t, "running", key)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not start the first task")
	}
}

func TestWorkerFIFO(t *testing.T) {
	t.Parallel()

	r := newRecorder(false)
	w := newWorker(16, OverflowReject, r.handle, r.drop, noDepth)

	want := []string{"a", "b", "c", "d"}
	for _, key := range want {
		require.NoError(t, w.submit(writeTask(key, false)))
	}
	require.NoError(t, w.close(context.Background()))
	assert.Equal(t, want, r.handled())
}

func TestWorkerWaitReturnsHandlerResult(t *testing.T) {
	t.Parallel()

	w := newWorker(4, OverflowReject, func(*task) error { return cache.ErrNotFound }, func(*task) {}, noDepth)
	defer w.close(context.Background())

	tk := writeTask("a", true)
	require.NoError(t, w.submit(tk))
	require.ErrorIs(t, tk.wait(context.Background()), cache.ErrNotFound)
}

func TestWorkerRejectWhenFull(t *testing.T) {
	t.Parallel()

	r := newRecorder(true)
	w := newWorker(2, OverflowReject, r.handle, r.drop, noDepth)
	startBlocked(t, w, r)

	require.NoError(t, w.submit(writeTask("q1", false)))
	require.NoError(t, w.submit(writeTask("q2", false)))
	require.ErrorIs(t, w.submit(writeTask("q3", false)), cache.ErrQueueFull)
	assert.Equal(t, 2, w.queueLen())

	close(r.gate)
	require.NoError(t, w.close(context.Background()))
	assert.Equal(t, []string{"running", "q1", "q2"}, r.handled())
}

func TestWorkerDropOldest(t *testing.T) {
	t.Parallel()

	r := newRecorder(true)
	w := newWorker(2, OverflowDropOldest, r.handle, r.drop, noDepth)
	startBlocked(t, w, r)

	first := writeTask("q1", true)
	require.NoError(t, w.submit(first))
	require.NoError(t, w.submit(writeTask("q2", false)))
	require.NoError(t, w.submit(writeTask("q3", false)))

	require.ErrorIs(t, first.wait(context.Background()), cache.ErrDropped)
	assert.Equal(t, []string{"q1"}, r.droppedKeys())

	close(r.gate)
	require.NoError(t, w.close(context.Background()))
	assert.Equal(t, []string{"running", "q2", "q3"}, r.handled())
}

func TestWorkerBlockWaitsForRoom(t *testing.T) {
	t.Parallel()

	r := newRecorder(true)
	w := newWorker(1, OverflowBlock, r.handle, r.drop, noDepth)
	startBlocked(t, w, r)

	require.NoError(t, w.submit(writeTask("q1", false)))

	submitted := make(chan error, 1)
	go func() {
		submitted <- w.submit(writeTask("q2", false))
	}()

	select {
	case err := <-submitted:
		t.Fatalf("submit returned %v while the queue was full", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(r.gate)
	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked submit never completed")
	}
	require.NoError(t, w.close(context.Background()))
	assert.Equal(t, []string{"running", "q1", "q2"}, r.handled())
}

func TestWorkerTouchNeverBlocks(t *testing.T) {
	t.Parallel()

	r := newRecorder(true)
	w := newWorker(1, OverflowBlock, r.handle, r.drop, noDepth)
	startBlocked(t, w, r)

	require.NoError(t, w.submit(writeTask("q1", false)))
	require.NoError(t, w.submit(newTask(taskTouch, "t1", nil, false)))
	require.ErrorIs(t, w.submit(newTask(taskTouch, "t2", nil, false)), cache.ErrQueueFull)

	close(r.gate)
	require.NoError(t, w.close(context.Background()))
	assert.Equal(t, []string{"running", "q1", "t1"}, r.handled())
}

func TestWorkerTouchesDoNotUseWriteCapacity(t *testing.T) {
	t.Parallel()

	r := newRecorder(true)
	w := newWorker(4, OverflowReject, r.handle, r.drop, noDepth)
	startBlocked(t, w, r)

	accepted := 0
	for range 8 {
		if w.submit(newTask(taskTouch, "touch", nil, false)) == nil {
			accepted++
		}
	}
	assert.Equal(t, touchBudget(4), accepted)

	for _, key := range []string{"q1", "q2", "q3", "q4"} {
		require.NoError(t, w.submit(writeTask(key, false)), "write %s", key)
	}
	require.ErrorIs(t, w.submit(writeTask("q5", false)), cache.ErrQueueFull)

	close(r.gate)
	require.NoError(t, w.close(context.Background()))
	assert.Equal(t, []string{"running", "touch", "q1", "q2", "q3", "q4"}, r.handled())
}

func TestWorkerDropOldestSparesTouches(t *testing.T) {
	t.Parallel()

	r := newRecorder(true)
	w := newWorker(1, OverflowDropOldest, r.handle, r.drop, noDepth)
	startBlocked(t, w, r)

	require.NoError(t, w.submit(newTask(taskTouch, "touch", nil, false)))
	require.NoError(t, w.submit(writeTask("q1", false)))
	require.NoError(t, w.submit(writeTask("q2", false)))
	assert.Equal(t, []string{"q1"}, r.droppedKeys())

	close(r.gate)
	require.NoError(t, w.close(context.Background()))
	assert.Equal(t, []string{"running", "touch", "q2"}, r.handled())
}

func TestWorkerRunAfterCloseWaitsForDrain(t *testing.T) {
	t.Parallel()

	r := newRecorder(true)
	w := newWorker(4, OverflowReject, r.handle, r.drop, noDepth)
	startBlocked(t, w, r)
	require.NoError(t, w.submit(writeTask("q1", false)))

	closed := make(chan error, 1)
	go func() {
		closed <- w.close(context.Background())
	}()
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.closed
	}, 5*time.Second, time.Millisecond)

	late := newTask(taskRemove, "late", nil, false)
	ran := make(chan error, 1)
	go func() {
		ran <- w.runAfterClose(late)
	}()

	select {
	case err := <-ran:
		t.Fatalf("runAfterClose returned %v while the worker was still draining", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, r.handled())

	close(r.gate)
	select {
	case err := <-ran:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runAfterClose never ran")
	}
	require.NoError(t, <-closed)
	assert.Equal(t, []string{"running", "q1", "late"}, r.handled())
}

func TestWorkerControlTasksBypassCapacity(t *testing.T) {
	t.Parallel()

	r := newRecorder(true)
	w := newWorker(1, OverflowDropOldest, r.handle, r.drop, noDepth)
	startBlocked(t, w, r)

	flush := newTask(taskFlush, "flush", nil, true)
	require.NoError(t, w.submit(flush))
	require.NoError(t, w.submit(writeTask("q1", false)))
	require.NoError(t, w.submit(newTask(taskRemove, "rm", nil, false)))
	require.NoError(t, w.submit(writeTask("q2", false)))
	assert.Equal(t, []string{"q1"}, r.droppedKeys(), "only data tasks are dropped")

	close(r.gate)
	require.NoError(t, flush.wait(context.Background()))
	require.NoError(t, w.close(context.Background()))
	assert.Equal(t, []string{"running", "flush", "rm", "q2"}, r.handled())
}

func TestWorkerSubmitAfterClose(t *testing.T) {
	t.Parallel()

	r := newRecorder(false)
	w := newWorker(4, OverflowReject, r.handle, r.drop, noDepth)
	require.NoError(t, w.close(context.Background()))
	require.NoError(t, w.close(context.Background()), "close is idempotent")

	require.ErrorIs(t, w.submit(writeTask("late", false)), cache.ErrClosed)
	require.ErrorIs(t, w.submit(newTask(taskFlush, "", nil, true)), cache.ErrClosed)
}

func TestWorkerCloseDeadlineFailsPending(t *testing.T) {
	t.Parallel()

	r := newRecorder(true)
	w := newWorker(4, OverflowReject, r.handle, r.drop, noDepth)
	startBlocked(t, w, r)

	pending := writeTask("q1", true)
	require.NoError(t, w.submit(pending))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, w.close(ctx), context.DeadlineExceeded)
	require.ErrorIs(t, pending.wait(context.Background()), cache.ErrClosed)

	close(r.gate)
	select {
	case <-w.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after abort")
	}
	assert.Equal(t, []string{"running"}, r.handled())
}

func TestWorkerCloseUnblocksBlockedSubmit(t *testing.T) {
	t.Parallel()

	r := newRecorder(true)
	w := newWorker(1, OverflowBlock, r.handle, r.drop, noDepth)
	startBlocked(t, w, r)
	require.NoError(t, w.submit(writeTask("q1", false)))

	submitted := make(chan error, 1)
	go func() {
		submitted <- w.submit(writeTask("q2", false))
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() {
		closed <- w.close(context.Background())
	}()

	select {
	case err := <-submitted:
		require.ErrorIs(t, err, cache.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked submit was not released by close")
	}
	close(r.gate)
	require.NoError(t, <-closed)
}
