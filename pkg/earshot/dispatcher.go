package earshot

import (
	"sync"

	"github.com/harunnryd/earshot/pkg/recognition"
)

type dispatchItem struct {
	src strategy
	ev  recognition.Event
}

// dispatcher delivers events on a single goroutine in the order they were
// pushed. The queue is unbounded so emitters never block on slow handlers.
type dispatcher struct {
	deliver func(dispatchItem)

	mu     sync.Mutex
	items  []dispatchItem
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher(deliver func(dispatchItem)) *dispatcher {
	d := &dispatcher{
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) push(item dispatchItem) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.items = append(d.items, item)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting events. Queued events are still delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.items
		d.items = nil
		closed := d.closed
		d.mu.Unlock()

		for _, item := range batch {
			d.deliver(item)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}
