package server

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/aeolun/pixelcanvas/pkg/protocol"
	"github.com/gorilla/websocket"
)

// maxInboundMessage bounds one client message; chat lines are the largest
const maxInboundMessage = 16 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   4096,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket upgrades a request to a websocket session. A ?token=
// parameter authenticates the connection by login; without one the client
// only observes broadcasts.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var user *User
	if token := r.URL.Query().Get("token"); token != "" {
		u, err := s.users.GetByLogin(token)
		if errors.Is(err, ErrUnknownLogin) {
			http.Error(w, "unknown token", http.StatusUnauthorized)
			return
		}
		if err != nil {
			errorLog.Printf("Failed to authenticate websocket client: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		user = u
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		debugLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxInboundMessage)

	sess := s.sessions.CreateSession(user, conn, clientIP(r))
	debugLog.Printf("New websocket connection from %s (session %d)", sess.RemoteAddr, sess.ID)
	s.Connect(sess)

	s.messageLoop(sess, conn)
}

// messageLoop reads and dispatches messages until the connection fails
func (s *Server) messageLoop(sess *Session, conn *websocket.Conn) {
	defer s.Disconnect(sess)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			debugLog.Printf("Session %d: dropping message: %v", sess.ID, err)
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordMessageReceived(msg.MessageType())
		}
		s.handleMessage(sess, msg)
	}
}

// clientIP returns the caller address, preferring X-Forwarded-For
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
