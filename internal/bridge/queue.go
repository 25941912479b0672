package bridge

import "sync"

// keyedQueue runs tasks sequentially per key while letting different
// keys proceed concurrently. The bridge keys tasks by sender id so two
// overlapping messages from one user cannot interleave their history
// reads and appends, while users never wait on each other.
type keyedQueue struct {
	mu   sync.Mutex
	work map[int64][]func()
	busy map[int64]bool
	wg   sync.WaitGroup
}

func newKeyedQueue() *keyedQueue {
	return &keyedQueue{
		work: make(map[int64][]func()),
		busy: make(map[int64]bool),
	}
}

// Do enqueues fn for the key. If no worker is draining that key's
// queue, one is started; otherwise fn runs after the tasks already
// queued, in submission order.
func (q *keyedQueue) Do(key int64, fn func()) {
	q.mu.Lock()
	if q.busy[key] {
		q.work[key] = append(q.work[key], fn)
		q.mu.Unlock()
		return
	}
	q.busy[key] = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.drain(key, fn)
}

// drain runs fn and then any tasks queued for the key while it was
// running, exiting once the key's queue is empty.
func (q *keyedQueue) drain(key int64, fn func()) {
	defer q.wg.Done()
	for {
		fn()

		q.mu.Lock()
		pending := q.work[key]
		if len(pending) == 0 {
			delete(q.busy, key)
			delete(q.work, key)
			q.mu.Unlock()
			return
		}
		fn = pending[0]
		q.work[key] = pending[1:]
		q.mu.Unlock()
	}
}

// Wait blocks until all queued tasks have finished.
func (q *keyedQueue) Wait() {
	q.wg.Wait()
}
