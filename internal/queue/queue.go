// Package queue buffers outbound envelopes while the connection is
// down and flushes them in FIFO order on reconnect.
package queue

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/sockline/sockline/internal/wire"
)

// Errors
var (
	ErrQueueFull = errors.New("message queue full")
)

// Queue is a bounded FIFO of envelopes awaiting transmission.
type Queue struct {
	logger *slog.Logger

	mu      sync.Mutex
	items   []*wire.Envelope
	maxSize int
}

// New creates a queue holding at most maxSize envelopes.
func New(maxSize int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:  logger,
		maxSize: maxSize,
	}
}

// Enqueue appends an envelope to the tail. Enqueue past capacity is a
// hard failure, never a silent drop.
func (q *Queue) Enqueue(env *wire.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return ErrQueueFull
	}
	q.items = append(q.items, env)

	return nil
}

// Flush drains the queue in FIFO order, calling send for each
// envelope. If a send fails, the envelope stays at the head, the
// remainder keeps its order, and the error is returned along with the
// count already sent. The queue is locked for the duration so nothing
// enqueued mid-flush can jump ahead.
func (q *Queue) Flush(send func(*wire.Envelope) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sent := 0
	for len(q.items) > 0 {
		env := q.items[0]
		if err := send(env); err != nil {
			q.logger.Warn("queue flush halted",
				"sent", sent,
				"remaining", len(q.items),
				"error", err,
			)
			return sent, err
		}
		q.items = q.items[1:]
		sent++
	}

	return sent, nil
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards all queued envelopes and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = nil
	return n
}
