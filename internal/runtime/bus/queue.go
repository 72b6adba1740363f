package bus

import "sync"

// queue is an unbounded FIFO drained by a single goroutine. Pushing never
// blocks, so a handler may publish back onto the bus without stalling its
// own reader.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *queue[T]) push(item T) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// drain runs fn for every item in arrival order until stop is called.
func (q *queue[T]) drain(fn func(T)) {
	for {
		select {
		case <-q.done:
			return
		case <-q.signal:
		}
		for {
			item, ok := q.pop()
			if !ok {
				break
			}
			select {
			case <-q.done:
				return
			default:
			}
			fn(item)
		}
	}
}

func (q *queue[T]) stop() {
	q.once.Do(func() { close(q.done) })
}
