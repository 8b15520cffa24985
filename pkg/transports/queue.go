package transports

import (
	"sync"

	"github.com/harunnryd/earshot/pkg/frames"
)

const DefaultQueueCap = 50

// OutboundQueue buffers frames captured while the connection is not open.
// It keeps the oldest frames; pushes past capacity are discarded.
type OutboundQueue struct {
	mu     sync.Mutex
	cap    int
	frames []frames.AudioFrame
}

func NewOutboundQueue(capacity int) *OutboundQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCap
	}
	return &OutboundQueue{cap: capacity, frames: make([]frames.AudioFrame, 0, capacity)}
}

// Push appends f and reports whether it was kept.
func (q *OutboundQueue) Push(f frames.AudioFrame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= q.cap {
		return false
	}
	q.frames = append(q.frames, f)
	return true
}

// Drain returns the queued frames in push order and empties the queue.
func (q *OutboundQueue) Drain() []frames.AudioFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil
	}
	out := q.frames
	q.frames = make([]frames.AudioFrame, 0, q.cap)
	return out
}

func (q *OutboundQueue) Reset() {
	q.mu.Lock()
	q.frames = q.frames[:0]
	q.mu.Unlock()
}

func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *OutboundQueue) Cap() int { return q.cap }
