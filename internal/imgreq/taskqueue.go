package imgreq

import "sync"

type task struct {
	source *fetchController
	fn     func()
}

// taskQueue runs posted funcs one at a time, in order, on its own goroutine.
// It is the single execution context an element's image requests are mutated
// from.
type taskQueue struct {
	mu     sync.Mutex
	closed bool
	tasks  chan task
	done   chan struct{}
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{
		tasks: make(chan task, 64),
		done:  make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *taskQueue) loop() {
	defer close(q.done)
	for t := range q.tasks {
		// work generated by an aborted fetch is discarded
		if t.source.Aborted() {
			continue
		}
		t.fn()
	}
}

// Post queues fn. source is the fetch that generated the work, nil for work
// that must always run. It reports false once the queue is closed.
func (q *taskQueue) Post(source *fetchController, fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks <- task{source: source, fn: fn}
	return true
}

// Close runs what is already queued, then stops the loop.
func (q *taskQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	<-q.done
}
