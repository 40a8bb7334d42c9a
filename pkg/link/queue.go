package link

import (
	"context"
	"sync"

	"deckbridge/pkg/proto"
)

const DefaultQueueDepth = 64

// Queue is the bounded outbound frame queue of one link.
//
// A newer image for the same key replaces the queued one in place, unless a reset or
// brightness frame for that device was queued after it; the new image then goes to the back
// so the reset cannot blank it. When the queue is full
// the oldest image frame is dropped and handed to the drop callback. Brightness and reset
// frames are never dropped, so the queue may briefly hold more than its capacity of them.
type Queue struct {
	mu       sync.Mutex
	items    []proto.Frame
	capacity int
	wake     chan struct{}
	onDrop   func(proto.Frame)
	dropped  uint64
}

func NewQueue(capacity int, onDrop func(proto.Frame)) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueDepth
	}
	return &Queue{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		onDrop:   onDrop,
	}
}

// Push enqueues f without blocking.
func (q *Queue) Push(f proto.Frame) {
	var lost []proto.Frame

	q.mu.Lock()
	if i, ok := q.superseded(f); ok {
		q.items[i] = f
	} else {
		for len(q.items) >= q.capacity && !f.Critical() {
			i := q.oldestDroppable()
			if i < 0 {
				break
			}
			lost = append(lost, q.items[i])
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.dropped++
		}
		q.items = append(q.items, f)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	if q.onDrop != nil {
		for _, f := range lost {
			q.onDrop(f)
		}
	}
}

func (q *Queue) superseded(f proto.Frame) (int, bool) {
	if f.Critical() {
		return 0, false
	}
	for i := len(q.items) - 1; i >= 0; i-- {
		item := q.items[i]
		if item.DeviceID != f.DeviceID {
			continue
		}
		if item.Critical() {
			break
		}
		if item.Kind == f.Kind && item.Key == f.Key {
			return i, true
		}
	}
	return 0, false
}

func (q *Queue) oldestDroppable() int {
	for i, item := range q.items {
		if !item.Critical() {
			return i
		}
	}
	return -1
}

// Pop blocks until a frame is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (proto.Frame, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items[0] = proto.Frame{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return proto.Frame{}, ctx.Err()
		case <-q.wake:
		}
	}
}

// Clear discards everything queued. Used when the link is lost; the reconnect resync
// supersedes whatever was pending.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped counts frames lost to overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
