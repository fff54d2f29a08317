package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TaskQueue serializes operations on a transport: one goroutine runs the
// submitted tasks one at a time, in submission order.
//
// Stop fails every pending and running task with ErrQueueStopped. Running
// tasks observe the stop through their context.
type TaskQueue struct {
	name    string
	inbox   chan *task
	stopped chan struct{}
	once    sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	pending atomic.Int32
}

type task struct {
	name string
	fn   func(ctx context.Context) error
	done chan error
}

// NewTaskQueue creates a queue and starts its worker goroutine.
func NewTaskQueue(name string) *TaskQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &TaskQueue{
		name:    name,
		inbox:   make(chan *task),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go q.loop()
	return q
}

// loop is the single worker goroutine.
func (q *TaskQueue) loop() {
	for {
		select {
		case t := <-q.inbox:
			if q.Stopped() {
				t.done <- q.stoppedErr(t.name)
			} else {
				t.done <- q.run(t)
			}
			q.pending.Add(-1)
		case <-q.stopped:
			return
		}
	}
}

func (q *TaskQueue) run(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()

	err = t.fn(q.ctx)
	if err != nil && q.Stopped() && errors.Is(err, context.Canceled) {
		err = q.stoppedErr(t.name)
	}
	return err
}

func (q *TaskQueue) stoppedErr(name string) error {
	return fmt.Errorf("%s/%s: %w", q.name, name, ErrQueueStopped)
}

// Push submits fn and blocks until it has run, the queue is stopped, or ctx
// is done. A task abandoned through ctx keeps running in the background.
func (q *TaskQueue) Push(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if q.Stopped() {
		return q.stoppedErr(name)
	}

	t := &task{name: name, fn: fn, done: make(chan error, 1)}
	q.pending.Add(1)

	select {
	case q.inbox <- t:
	case <-q.stopped:
		q.pending.Add(-1)
		return q.stoppedErr(name)
	case <-ctx.Done():
		q.pending.Add(-1)
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-q.stopped:
		// Prefer a result that is already there.
		select {
		case err := <-t.done:
			return err
		default:
			return q.stoppedErr(name)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is Push for tasks that produce a value.
func Run[T any](ctx context.Context, q *TaskQueue, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	res := make(chan T, 1)
	err := q.Push(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			res <- v
		}
		return err
	})

	var zero T
	if err != nil {
		return zero, err
	}
	select {
	case v := <-res:
		return v, nil
	default:
		return zero, q.stoppedErr(name)
	}
}

// Pending returns the number of submitted tasks that have not finished.
func (q *TaskQueue) Pending() int {
	return int(q.pending.Load())
}

// Drain waits until no task is pending, or until ctx is done.
func (q *TaskQueue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for q.Pending() > 0 {
		select {
		case <-ticker.C:
		case <-q.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop fails pending and running tasks and rejects new ones.
// A second call returns ErrQueueAlreadyStopped.
func (q *TaskQueue) Stop() error {
	err := ErrQueueAlreadyStopped
	q.once.Do(func() {
		close(q.stopped)
		q.cancel()
		err = nil
	})
	return err
}

// Stopped reports whether Stop has been called.
func (q *TaskQueue) Stopped() bool {
	select {
	case <-q.stopped:
		return true
	default:
		return false
	}
}
