package bus

import (
	"sync"

	errs "github.com/sensortelemetry/relay/internal/runtime/errors"
)

// Dispatcher marshals work onto a specific execution context, typically the
// goroutine that owns UI-bound state.
type Dispatcher interface {
	Dispatch(fn func()) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(fn func()) error

func (f DispatcherFunc) Dispatch(fn func()) error { return f(fn) }

// ConfinedDispatcher runs every dispatched function on one dedicated
// goroutine in submission order.
type ConfinedDispatcher struct {
	queue *queue[func()]
	wg    sync.WaitGroup
}

// NewConfinedDispatcher starts the dispatcher goroutine.
func NewConfinedDispatcher() *ConfinedDispatcher {
	d := &ConfinedDispatcher{queue: newQueue[func()]()}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.queue.drain(func(fn func()) { fn() })
	}()
	return d
}

// Dispatch enqueues fn. It fails once the dispatcher is closed.
func (d *ConfinedDispatcher) Dispatch(fn func()) error {
	if !d.queue.push(fn) {
		return errs.ErrBusClosed
	}
	return nil
}

// Close stops the dispatcher and waits for the running function to return.
// Work still queued is discarded.
func (d *ConfinedDispatcher) Close() error {
	d.queue.stop()
	d.wg.Wait()
	return nil
}
