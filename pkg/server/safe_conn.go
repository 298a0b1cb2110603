package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long one frame may take to reach a client
const writeWait = 10 * time.Second

// ErrConnClosed is returned when writing to a connection that was closed
var ErrConnClosed = errors.New("connection closed")

// MessageConn is the part of a websocket connection the server writes to.
// *websocket.Conn satisfies it.
type MessageConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// SafeConn wraps a MessageConn with write synchronization. Request handlers
// and broadcasts write to the same connection from different goroutines, and
// gorilla/websocket allows only one concurrent writer.
type SafeConn struct {
	conn      MessageConn
	writeWait time.Duration

	mu        sync.Mutex // Serializes writes to conn
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps a connection with write synchronization
func NewSafeConn(conn MessageConn) *SafeConn {
	return &SafeConn{conn: conn, writeWait: writeWait}
}

// WriteText sends one encoded message as a websocket text frame. A client
// that does not take the frame within the write wait gets an error.
func (sc *SafeConn) WriteText(data []byte) error {
	if sc.closed.Load() {
		return ErrConnClosed
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed.Load() {
		return ErrConnClosed
	}
	if err := sc.conn.SetWriteDeadline(time.Now().Add(sc.writeWait)); err != nil {
		return err
	}
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection. Later writes return ErrConnClosed.
// It does not wait for a write in progress; closing the socket unblocks it.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closed.Store(true)
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// Closed reports whether Close has been called
func (sc *SafeConn) Closed() bool {
	return sc.closed.Load()
}
