package backend

import "sync"

// eventQueue is an unbounded FIFO. push never blocks, so the library's
// callback goroutines are never held up by slow consumers.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	select {
	case <-q.done:
		q.mu.Unlock()
		return
	default:
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	e := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return e, true
}

func (q *eventQueue) stopped() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// run delivers events to fn one at a time until stop is called. Events still
// buffered at stop are dropped.
func (q *eventQueue) run(fn func(Event)) {
	for {
		for !q.stopped() {
			e, ok := q.pop()
			if !ok {
				break
			}
			fn(e)
		}
		select {
		case <-q.signal:
		case <-q.done:
			return
		}
	}
}

func (q *eventQueue) stop() {
	q.once.Do(func() { close(q.done) })
}
