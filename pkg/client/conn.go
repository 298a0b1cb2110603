// Package client is a small synchronous websocket client for the pixel
// canvas protocol. It reads and writes on the caller's goroutine, so load
// tests can run thousands of clients without per-connection loops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by operations on a closed connection
var ErrClosed = errors.New("connection closed")

// Message is one decoded server message. Raw holds the full JSON object.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the message into v
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Conn is a websocket connection to a canvas server
type Conn struct {
	url  string
	conn *websocket.Conn

	sendMu sync.Mutex // Protects concurrent writes
	recvMu sync.Mutex // Protects concurrent reads

	mu     sync.Mutex // Protects closed
	closed bool
}

// ServerURL turns an address into the websocket endpoint URL. A bare
// host:port gets the ws scheme and the /ws path; login, when set, is passed
// as the token parameter.
func ServerURL(addr, login string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server address %q: missing host", addr)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	if login != "" {
		q := u.Query()
		q.Set("token", login)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial connects to the server at addr, authenticated as login when it is
// not empty
func Dial(ctx context.Context, addr, login string) (*Conn, error) {
	endpoint, err := ServerURL(addr, login)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial failed: login rejected")
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	return &Conn{url: endpoint, conn: ws}, nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send encodes msg as JSON with the given type tag and writes it
func (c *Conn) Send(msgType string, msg any) error {
	payload := map[string]any{}
	if msg != nil {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode failed: %w", err)
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("message must encode to an object: %w", err)
		}
	}
	payload["type"] = msgType

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Receive reads the next message, waiting at most timeout (0 means forever)
func (c *Conn) Receive(timeout time.Duration) (Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if c.isClosed() {
		return Message{}, ErrClosed
	}

	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Message{}, fmt.Errorf("set read deadline failed: %w", err)
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return Message{}, fmt.Errorf("read failed: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return Message{}, fmt.Errorf("decode failed: %w", err)
		}
		return Message{Type: head.Type, Raw: data}, nil
	}
}

// ReceiveType reads until a message of type msgType arrives or timeout
// passes. Other messages are discarded.
func (c *Conn) ReceiveType(msgType string, timeout time.Duration) (Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Message{}, fmt.Errorf("no %s message within %v", msgType, timeout)
		}
		msg, err := c.Receive(remaining)
		if err != nil {
			return Message{}, err
		}
		if msg.Type == msgType {
			return msg, nil
		}
	}
}

// Close sends a close frame and closes the connection
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.sendMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.sendMu.Unlock()
	return c.conn.Close()
}

// URL returns the endpoint the connection was dialed with
func (c *Conn) URL() string {
	return c.url
}
