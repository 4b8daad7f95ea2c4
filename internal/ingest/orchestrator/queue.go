package orchestrator

import "context"

// entry is one queued unit of work with its attempt count, the reasons of
// earlier failed attempts, and the run it was discovered under.
type entry struct {
	work    WorkItem
	attempt int
	reasons []string
	run     runRef
}

// Queue is the bounded hand-off between the fetch loop and the workers. When
// it is full the fetch loop holds files where they are; the source redelivers
// them on a later poll, so nothing is ever dropped.
type Queue struct {
	ch chan entry
}

func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan entry, capacity)}
}

// TryEnqueue offers without blocking; false means the queue is full.
func (q *Queue) TryEnqueue(e entry) bool {
	select {
	case q.ch <- e:
		return true
	default:
		return false
	}
}

// Enqueue blocks until there is room. Used for retry re-entry, which must not
// be dropped on a full queue.
func (q *Queue) Enqueue(ctx context.Context, e entry) bool {
	select {
	case q.ch <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// Dequeue blocks until an entry is available or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (entry, bool) {
	select {
	case e := <-q.ch:
		return e, true
	case <-ctx.Done():
		return entry{}, false
	}
}

func (q *Queue) Len() int { return len(q.ch) }
