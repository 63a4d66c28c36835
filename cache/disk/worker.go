package disk

import (
	"context"
	"sync"

	"github.com/meigma/blockcache/cache"
)

type taskKind int

const (
	taskWrite taskKind = iota
	taskTouch
	taskRemove
	taskClear
	taskFlush
)

func (k taskKind) String() string {
	switch k {
	case taskWrite:
		return "write"
	case taskTouch:
		return "touch"
	case taskRemove:
		return "remove"
	case taskClear:
		return "clear"
	case taskFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// task is one unit of work for the worker. done is nil for fire-and-forget
// tasks, otherwise it is buffered so finish never blocks.
type task struct {
	kind taskKind
	key  string
	data []byte
	done chan error
}

func newTask(kind taskKind, key string, data []byte, wait bool) *task {
	t := &task{kind: kind, key: key, data: data}
	if wait {
		t.done = make(chan error, 1)
	}
	return t
}

// control tasks are never dropped and do not count against the queue size.
func (t *task) control() bool {
	return t.kind == taskRemove || t.kind == taskClear || t.kind == taskFlush
}

func (t *task) finish(err error) {
	if t.done != nil {
		t.done <- err
	}
}

func (t *task) wait(ctx context.Context) error {
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// touchBudget returns how many touches may wait for the worker. Touches
// have their own budget so reads never use up room meant for writes.
func touchBudget(capacity int) int {
	return max(capacity/4, 1)
}

// worker runs tasks one at a time in submission order.
type worker struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  []*task
	queued   int // writes in pending
	touches  int // touches in pending
	capacity int
	overflow Overflow
	closed   bool
	aborted  bool
	exited   chan struct{}
	inline   sync.Mutex // serializes tasks run by runAfterClose

	handle func(*task) error
	drop   func(*task)
	depth  func(int)
}

func newWorker(capacity int, overflow Overflow, handle func(*task) error, drop func(*task), depth func(int)) *worker {
	w := &worker{
		capacity: capacity,
		overflow: overflow,
		exited:   make(chan struct{}),
		handle:   handle,
		drop:     drop,
		depth:    depth,
	}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

// submit queues t. Control tasks always fit. Touches are refused once their
// own budget is used up; they never wait and never displace a write.
func (w *worker) submit(t *task) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return cache.ErrClosed
	}
	switch {
	case t.control():
	case t.kind == taskTouch:
		if w.touches >= touchBudget(w.capacity) {
			return cache.ErrQueueFull
		}
		w.touches++
	default:
		for w.queued >= w.capacity {
			switch w.overflow {
			case OverflowBlock:
				w.cond.Wait()
				if w.closed {
					return cache.ErrClosed
				}
			case OverflowDropOldest:
				if !w.dropOldest() {
					return cache.ErrQueueFull
				}
			default:
				return cache.ErrQueueFull
			}
		}
		w.queued++
	}
	w.pending = append(w.pending, t)
	w.depth(len(w.pending))
	w.cond.Broadcast()
	return nil
}

// dropOldest discards the oldest queued write. Called with mu held.
func (w *worker) dropOldest() bool {
	for i, t := range w.pending {
		if t.kind != taskWrite {
			continue
		}
		w.pending = append(w.pending[:i], w.pending[i+1:]...)
		w.queued--
		w.drop(t)
		t.finish(cache.ErrDropped)
		return true
	}
	return false
}

func (w *worker) loop() {
	defer close(w.exited)
	for {
		t, ok := w.next()
		if !ok {
			return
		}
		t.finish(w.handle(t))
	}
}

func (w *worker) next() (*task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.pending) == 0 && !w.closed {
		w.cond.Wait()
	}
	if w.aborted || len(w.pending) == 0 {
		w.failPending()
		return nil, false
	}
	t := w.pending[0]
	w.pending[0] = nil
	w.pending = w.pending[1:]
	switch {
	case t.kind == taskTouch:
		w.touches--
	case !t.control():
		w.queued--
	}
	w.depth(len(w.pending))
	w.cond.Broadcast()
	return t, true
}

// failPending fails every queued task with cache.ErrClosed. Called with mu held.
func (w *worker) failPending() {
	for _, t := range w.pending {
		t.finish(cache.ErrClosed)
	}
	w.pending = nil
	w.queued = 0
	w.touches = 0
	w.depth(0)
}

// runAfterClose runs t on the calling goroutine once the worker has exited,
// for cleanup that must still happen after Close. Calls are serialized so
// that at most one task touches the directory at a time.
func (w *worker) runAfterClose(t *task) error {
	<-w.exited
	w.inline.Lock()
	defer w.inline.Unlock()
	return w.handle(t)
}

func (w *worker) queueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// close stops accepting tasks and waits for the queue to drain. If ctx ends
// first, tasks still queued are failed and ctx.Err() is returned; a task
// already running is allowed to finish.
func (w *worker) close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()

	select {
	case <-w.exited:
		return nil
	case <-ctx.Done():
		w.mu.Lock()
		w.aborted = true
		w.failPending()
		w.cond.Broadcast()
		w.mu.Unlock()
		return ctx.Err()
	}
}
