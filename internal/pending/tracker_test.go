// ABOUTME: Tests for the pending request tracker.
// ABOUTME: Covers unary replies, chunk streams, timeouts, and leak-freedom.

package pending

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTracker(maxOut int) *Tracker {
	return NewTracker(maxOut, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestUnaryRoundTrip(t *testing.T) {
	tr := newTestTracker(0)

	req, err := tr.Create("req-1")
	require.NoError(t, err)

	go func() {
		tr.Resolve("req-1", json.RawMessage(`{"ok":true}`))
	}()

	payload, err := req.Await(context.Background(), time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(payload))
	require.Zero(t, tr.Outstanding())
}

func TestResolveBeforeAwait(t *testing.T) {
	tr := newTestTracker(0)

	req, err := tr.Create("req-1")
	require.NoError(t, err)

	require.NoError(t, tr.Resolve("req-1", json.RawMessage(`1`)))

	payload, err := req.Await(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "1", string(payload))
}

func TestAwaitTimeoutRemovesEntry(t *testing.T) {
	tr := newTestTracker(0)

	req, err := tr.Create("req-1")
	require.NoError(t, err)

	start := time.Now()
	_, err = req.Await(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), time.Second)

	// The entry is gone: a late response is reported as unknown.
	require.Zero(t, tr.Outstanding())
	require.ErrorIs(t, tr.Resolve("req-1", json.RawMessage(`1`)), ErrUnknownRequest)
}

func TestAwaitContextCancel(t *testing.T) {
	tr := newTestTracker(0)

	req, err := tr.Create("req-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = req.Await(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, tr.Outstanding())
}

func TestOutstandingCap(t *testing.T) {
	tr := newTestTracker(2)

	_, err := tr.Create("a")
	require.NoError(t, err)
	_, err = tr.Create("b")
	require.NoError(t, err)

	_, err = tr.Create("c")
	require.ErrorIs(t, err, ErrTooManyRequests)

	tr.Cancel("a")
	_, err = tr.Create("c")
	require.NoError(t, err)
}

func TestDuplicateID(t *testing.T) {
	tr := newTestTracker(0)

	_, err := tr.Create("req-1")
	require.NoError(t, err)
	_, err = tr.Create("req-1")
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestResolveUnknown(t *testing.T) {
	tr := newTestTracker(0)
	require.ErrorIs(t, tr.Resolve("ghost", nil), ErrUnknownRequest)
}

func TestStreamChunks(t *testing.T) {
	tr := newTestTracker(0)

	var got []byte
	stream, err := tr.CreateStream("dl-1", 0, func(data []byte, done bool) error {
		got = append(got, data...)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, tr.Feed("dl-1", []byte("hello "), false))
	require.NoError(t, tr.Feed("dl-1", []byte("world"), true))

	require.NoError(t, stream.Await(context.Background(), time.Second))
	require.Equal(t, "hello world", string(got))
	require.Zero(t, tr.Outstanding())

	// The terminal chunk removed the entry.
	require.ErrorIs(t, tr.Feed("dl-1", []byte("late"), true), ErrUnknownRequest)
}

func TestStreamByteCap(t *testing.T) {
	tr := newTestTracker(0)

	stream, err := tr.CreateStream("dl-1", 10, func([]byte, bool) error { return nil })
	require.NoError(t, err)

	require.NoError(t, tr.Feed("dl-1", []byte("12345"), false))
	require.ErrorIs(t, tr.Feed("dl-1", []byte("6789012345"), false), ErrStreamOverflow)

	require.ErrorIs(t, stream.Await(context.Background(), time.Second), ErrStreamOverflow)
	require.Zero(t, tr.Outstanding())
}

func TestStreamConsumerError(t *testing.T) {
	tr := newTestTracker(0)

	consumerErr := context.DeadlineExceeded
	stream, err := tr.CreateStream("dl-1", 0, func([]byte, bool) error { return consumerErr })
	require.NoError(t, err)

	require.ErrorIs(t, tr.Feed("dl-1", []byte("x"), false), consumerErr)
	require.ErrorIs(t, stream.Await(context.Background(), time.Second), consumerErr)
	require.Zero(t, tr.Outstanding())
}

func TestStreamAwaitTimeout(t *testing.T) {
	tr := newTestTracker(0)

	stream, err := tr.CreateStream("dl-1", 0, func([]byte, bool) error { return nil })
	require.NoError(t, err)

	require.ErrorIs(t, stream.Await(context.Background(), 50*time.Millisecond), ErrTimeout)
	require.Zero(t, tr.Outstanding())
}

func TestStreamFailWakesAwaiter(t *testing.T) {
	tr := newTestTracker(0)

	stream, err := tr.CreateStream("dl-1", 0, func([]byte, bool) error { return nil })
	require.NoError(t, err)

	failure := context.Canceled
	tr.Fail("dl-1", failure)

	require.ErrorIs(t, stream.Await(context.Background(), time.Second), failure)
	require.Zero(t, tr.Outstanding())

	// Failing an unknown id is a no-op.
	tr.Fail("dl-1", failure)
}
