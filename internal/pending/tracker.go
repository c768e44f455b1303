// ABOUTME: Correlates request/response message pairs across the agent socket.
// ABOUTME: Supports unary replies and chunked streams, with caps and timeouts.

package pending

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Tracker errors.
var (
	ErrTooManyRequests = errors.New("too many outstanding requests")
	ErrDuplicateID     = errors.New("request id already in flight")
	ErrUnknownRequest  = errors.New("unknown request id")
	ErrTimeout         = errors.New("request timed out")
	ErrStreamOverflow  = errors.New("stream exceeded byte cap")
)

// ChunkFunc receives each stream chunk in arrival order. Returning an error
// aborts the stream.
type ChunkFunc func(data []byte, done bool) error

type entry struct {
	// Unary mode: reply delivered here, buffered so Resolve never blocks.
	reply chan json.RawMessage

	// Stream mode: each chunk is pushed through onChunk; completion or
	// failure lands on finished.
	onChunk  ChunkFunc
	finished chan error
	received int64
	maxBytes int64
}

// Tracker holds every in-flight request awaiting an agent response. Entries
// are removed on response, timeout, or cancellation; nothing lives forever.
type Tracker struct {
	logger *slog.Logger
	maxOut int

	mu      sync.Mutex
	entries map[string]*entry
}

// NewTracker creates a tracker capped at maxOutstanding in-flight requests.
// Zero means unlimited.
func NewTracker(maxOutstanding int, logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:  logger,
		maxOut:  maxOutstanding,
		entries: make(map[string]*entry),
	}
}

// Request is the caller's handle on a unary in-flight request.
type Request struct {
	tracker *Tracker
	id      string
	reply   chan json.RawMessage
}

// Stream is the caller's handle on a chunked in-flight request.
type Stream struct {
	tracker  *Tracker
	id       string
	finished chan error
}

// Create registers a unary request. The caller sends the frame itself and
// then waits on the returned handle.
func (t *Tracker) Create(id string) (*Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.admitLocked(id); err != nil {
		return nil, err
	}
	e := &entry{reply: make(chan json.RawMessage, 1)}
	t.entries[id] = e
	return &Request{tracker: t, id: id, reply: e.reply}, nil
}

// CreateStream registers a chunked request. Each arriving chunk is handed to
// onChunk; maxBytes bounds the total accumulated payload (zero = unlimited).
func (t *Tracker) CreateStream(id string, maxBytes int64, onChunk ChunkFunc) (*Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.admitLocked(id); err != nil {
		return nil, err
	}
	e := &entry{
		onChunk:  onChunk,
		finished: make(chan error, 1),
		maxBytes: maxBytes,
	}
	t.entries[id] = e
	return &Stream{tracker: t, id: id, finished: e.finished}, nil
}

func (t *Tracker) admitLocked(id string) error {
	if _, exists := t.entries[id]; exists {
		return ErrDuplicateID
	}
	if t.maxOut > 0 && len(t.entries) >= t.maxOut {
		return ErrTooManyRequests
	}
	return nil
}

// Resolve delivers a unary response. Returns ErrUnknownRequest when the
// request already timed out or was never created, which callers log and drop.
func (t *Tracker) Resolve(id string, payload json.RawMessage) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok && e.reply != nil {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok || e.reply == nil {
		return ErrUnknownRequest
	}
	e.reply <- payload
	return nil
}

// Feed delivers one stream chunk. done=true completes the stream. Chunk
// handling runs outside the tracker lock so a slow consumer never stalls
// unrelated requests.
func (t *Tracker) Feed(id string, data []byte, done bool) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.onChunk == nil {
		t.mu.Unlock()
		return ErrUnknownRequest
	}

	e.received += int64(len(data))
	overflow := e.maxBytes > 0 && e.received > e.maxBytes
	if overflow || done {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if overflow {
		e.finished <- ErrStreamOverflow
		return ErrStreamOverflow
	}

	if err := e.onChunk(data, done); err != nil {
		if !done {
			t.Cancel(id)
		}
		e.finished <- err
		return err
	}
	if done {
		e.finished <- nil
	}
	return nil
}

// Await blocks for the response, abandoning the request on timeout or
// context cancellation. The tracker entry is always removed before Await
// returns, so abandoned requests cannot leak.
func (r *Request) Await(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-r.reply:
		return payload, nil
	case <-timer.C:
		r.tracker.Cancel(r.id)
		// A response may have slipped in between the timeout firing and
		// the cancellation; prefer it over the timeout.
		select {
		case payload := <-r.reply:
			return payload, nil
		default:
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		r.tracker.Cancel(r.id)
		return nil, ctx.Err()
	}
}

// Await blocks until the stream completes, fails, or times out.
func (s *Stream) Await(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-s.finished:
		return err
	case <-timer.C:
		s.tracker.Cancel(s.id)
		return ErrTimeout
	case <-ctx.Done():
		s.tracker.Cancel(s.id)
		return ctx.Err()
	}
}

// Fail aborts an in-flight stream with err, waking its Await immediately.
// Unary requests and unknown IDs are simply removed.
func (t *Tracker) Fail(id string, err error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if ok && e.finished != nil {
		e.finished <- err
	}
}

// Cancel abandons an in-flight request. Safe to call for unknown IDs.
func (t *Tracker) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Outstanding returns the number of in-flight requests.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
