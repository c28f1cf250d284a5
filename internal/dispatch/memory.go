package dispatch

import (
	"context"
	"time"
)

// MemoryQueue is an in-process bounded queue.
type MemoryQueue struct {
	ch chan Message
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 128
	}
	return &MemoryQueue{ch: make(chan Message, size)}
}

// Publish never blocks; a full queue drops the message with ErrQueueFull.
func (q *MemoryQueue) Publish(_ context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Receive(ctx context.Context, wait time.Duration) (Message, bool, error) {
	select {
	case msg := <-q.ch:
		return msg, true, nil
	default:
	}
	if wait <= 0 {
		return Message{}, false, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case msg := <-q.ch:
		return msg, true, nil
	case <-timer.C:
		return Message{}, false, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

// Len is the number of buffered messages.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}
