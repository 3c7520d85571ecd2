// Package pending correlates outbound requests with their eventual
// inbound responses or a timeout.
package pending

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sockline/sockline/internal/wire"
)

// Errors
var (
	ErrResponseTimeout  = errors.New("response timeout")
	ErrConnectionClosed = errors.New("connection closed")
	ErrDuplicateID      = errors.New("correlation id already pending")
)

// Outcome is the terminal result of a pending request: either a
// response envelope or an error, never both.
type Outcome struct {
	Response *wire.Envelope
	Err      error
}

// request tracks one outstanding correlated send.
type request struct {
	ch      chan Outcome
	timer   *time.Timer
	settled bool
}

// Tracker registers pending requests by correlation id and settles
// each exactly once: on reply, on timeout, or on teardown.
type Tracker struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*request
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger:  logger,
		pending: make(map[string]*request),
	}
}

// Await registers a pending request for the given correlation id and
// returns a channel that receives exactly one Outcome. If the reply
// does not arrive within timeout, the outcome is ErrResponseTimeout.
func (t *Tracker) Await(id string, timeout time.Duration) (<-chan Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[id]; exists {
		return nil, ErrDuplicateID
	}

	req := &request{ch: make(chan Outcome, 1)}
	req.timer = time.AfterFunc(timeout, func() {
		t.Reject(id, ErrResponseTimeout)
	})
	t.pending[id] = req

	return req.ch, nil
}

// Resolve delivers a response to the request with the matching id.
// Returns false if no such request is pending; a second call for the
// same id is a no-op.
func (t *Tracker) Resolve(id string, resp *wire.Envelope) bool {
	return t.settle(id, Outcome{Response: resp})
}

// Reject fails the request with the matching id. Returns false if no
// such request is pending; a second call for the same id is a no-op.
func (t *Tracker) Reject(id string, err error) bool {
	return t.settle(id, Outcome{Err: err})
}

// RejectAll fails every still-pending request. Called on connection
// teardown so no caller is left waiting for a reply that cannot come.
func (t *Tracker) RejectAll(err error) {
	t.mu.Lock()
	reqs := make(map[string]*request, len(t.pending))
	for id, req := range t.pending {
		reqs[id] = req
	}
	t.mu.Unlock()

	for id := range reqs {
		t.Reject(id, err)
	}
}

// Len returns the number of outstanding requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) settle(id string, out Outcome) bool {
	t.mu.Lock()
	req, ok := t.pending[id]
	if !ok || req.settled {
		t.mu.Unlock()
		return false
	}
	req.settled = true
	delete(t.pending, id)
	t.mu.Unlock()

	req.timer.Stop()
	req.ch <- out

	return true
}
