package server

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/pixelcanvas/pkg/canvas"
	"github.com/aeolun/pixelcanvas/pkg/captcha"
	"github.com/aeolun/pixelcanvas/pkg/database"
	"github.com/stretchr/testify/require"
)

// recordingConn captures every message written to a session
type recordingConn struct {
	mu       sync.Mutex
	msgs     [][]byte
	closed   bool
	deadline time.Time
}

func (c *recordingConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), data...))
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// messages decodes everything written so far
func (c *recordingConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.msgs))
	for _, raw := range c.msgs {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *recordingConn) ofType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range c.messages() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *recordingConn) types() []string {
	var out []string
	for _, m := range c.messages() {
		out = append(out, m["type"].(string))
	}
	return out
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	c.msgs = nil
	c.mu.Unlock()
}

// failingConn rejects every write
type failingConn struct{ recordingConn }

func (c *failingConn) WriteMessage(int, []byte) error { return ErrConnClosed }

// stalledConn is a client that never reads. Writes block until the write
// deadline passes or the connection is closed, like a full socket buffer.
type stalledConn struct {
	mu       sync.Mutex
	deadline time.Time
	writes   int
	done     chan struct{}
	once     sync.Once
}

func newStalledConn() *stalledConn {
	return &stalledConn{done: make(chan struct{})}
}

func (c *stalledConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *stalledConn) WriteMessage(int, []byte) error {
	c.mu.Lock()
	c.writes++
	deadline := c.deadline
	c.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-expired:
		return os.ErrDeadlineExceeded
	case <-c.done:
		return net.ErrClosed
	}
}

func (c *stalledConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *stalledConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// testClock is a settable time source
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubLimiter returns a fixed remaining duration
type stubLimiter struct {
	mu        sync.Mutex
	remaining time.Duration
	calls     int
}

func (l *stubLimiter) Remaining(purpose, key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.remaining
}

// asyncVerifier answers every token from a goroutine with a fixed result
type asyncVerifier struct {
	result captcha.Result
	err    error
	done   chan struct{}
}

func newAsyncVerifier(result captcha.Result, err error) *asyncVerifier {
	return &asyncVerifier{result: result, err: err, done: make(chan struct{}, 8)}
}

func (v *asyncVerifier) Verify(ctx context.Context, token string, done func(captcha.Result, error)) {
	go func() {
		done(v.result, v.err)
		v.done <- struct{}{}
	}()
}

type testEnv struct {
	t      *testing.T
	server *Server
	db     *database.DB
	board  *canvas.Board
	clock  *testClock
}

func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.BoardWidth = 10
	cfg.BoardHeight = 10
	cfg.PaletteSize = 16
	cfg.UndoWindow = 5 * time.Second
	cfg.MaxStacked = 3
	cfg.InitialStack = 0
	cfg.CaptchaEnabled = false
	cfg.OnlineCountInterval = time.Hour
	cfg.ChatFilterEnabled = false
	cfg.Host = "pxls.test"
	return cfg
}

// newTestEnv builds a server over a real SQLite file and a 10x10 board
func newTestEnv(t *testing.T, mutate func(*ServerConfig), opts Options) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := database.Open(filepath.Join(t.TempDir(), "pxls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	board := canvas.NewBoard(cfg.BoardWidth, cfg.BoardHeight, cfg.PaletteSize, 0)
	if opts.Limiter == nil {
		opts.Limiter = &stubLimiter{}
	}
	if opts.Verifier == nil {
		opts.Verifier = newAsyncVerifier(captcha.Result{}, nil)
	}
	s, err := NewServer(cfg, db, board, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.onlineCount.Stop() })

	clock := &testClock{now: time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.Now
	s.roll = func() float64 { return 1 }

	return &testEnv{t: t, server: s, db: db, board: board, clock: clock}
}

// connect creates an account if needed and opens one connection for it
func (e *testEnv) connect(name string, role Role) (*User, *Session, *recordingConn) {
	e.t.Helper()
	login := "token:" + name
	if _, err := e.db.GetUserByLogin(login); err != nil {
		_, err := e.db.CreateUser(name, login, int(role))
		require.NoError(e.t, err)
	}
	u, err := e.server.users.GetByLogin(login)
	require.NoError(e.t, err)

	conn := &recordingConn{}
	sess := e.server.sessions.CreateSession(u, conn, "127.0.0.1")
	e.server.Connect(sess)
	conn.reset()
	return u, sess, conn
}

// observe opens an anonymous connection
func (e *testEnv) observe() (*Session, *recordingConn) {
	conn := &recordingConn{}
	sess := e.server.sessions.CreateSession(nil, conn, "127.0.0.1")
	e.server.Connect(sess)
	conn.reset()
	return sess, conn
}

func num(m map[string]any, key string) int {
	f, _ := m[key].(float64)
	return int(f)
}
