// ABOUTME: Websocket wrapper giving each connection a buffered writer goroutine.
// ABOUTME: Serializes writes, handles ping/pong keepalive, drops on full buffer.

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// side gives up. Pings go out at a fraction of this.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize bounds inbound frames. Backup chunks are the largest
	// legitimate payload at 512KiB of base64 plus envelope.
	maxFrameSize = 1 << 20

	// sendBufferSize is the per-connection outbound queue depth.
	sendBufferSize = 256
)

// ErrSendBufferFull is returned when a connection cannot keep up with
// outbound traffic. Callers treat the connection as dead.
var ErrSendBufferFull = errors.New("send buffer full")

// Socket is the transport surface handlers write to. The concrete
// implementation wraps a websocket; tests substitute fakes.
type Socket interface {
	WriteJSON(v any) error
	Close() error
}

// WSSocket owns one gorilla websocket connection. All writes funnel through
// a buffered channel drained by a single writer goroutine, since the
// underlying connection does not allow concurrent writers.
type WSSocket struct {
	conn *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSSocket wraps conn and starts its writer goroutine. The wrapper also
// configures the read side: frame size limit and pong-refreshed deadlines.
func NewWSSocket(conn *websocket.Conn) *WSSocket {
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s := &WSSocket{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	go s.writePump()
	return s
}

// WriteJSON queues v for delivery. It never blocks: a full queue returns
// ErrSendBufferFull and a closed socket returns net.ErrClosed semantics via
// the done channel.
func (s *WSSocket) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	select {
	case <-s.done:
		return errors.New("socket closed")
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// ReadMessage blocks for the next text frame.
func (s *WSSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

// Close tears the connection down. Safe to call multiple times and from
// any goroutine.
func (s *WSSocket) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.conn.Close()
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with periodic pings.
func (s *WSSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
