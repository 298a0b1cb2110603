package server

import (
	"math"

	"github.com/aeolun/pixelcanvas/pkg/protocol"
)

func (s *Server) encode(msg protocol.Outbound) ([]byte, bool) {
	data, err := protocol.Encode(msg)
	if err != nil {
		errorLog.Printf("Failed to encode %s: %v", msg.MessageType(), err)
		return nil, false
	}
	return data, true
}

// writeTo sends pre-encoded data and reports whether the session is still usable
func (s *Server) writeTo(sess *Session, msgType string, data []byte) bool {
	if err := sess.Conn.WriteText(data); err != nil {
		debugLog.Printf("Session %d: write %s failed: %v", sess.ID, msgType, err)
		return false
	}
	if s.metrics != nil {
		s.metrics.RecordMessageSent(msgType)
	}
	return true
}

// send delivers a message to one connection. A connection that fails the
// write, or does not take it within the write wait, is disconnected.
func (s *Server) send(sess *Session, msg protocol.Outbound) {
	data, ok := s.encode(msg)
	if !ok {
		return
	}
	if !s.writeTo(sess, msg.MessageType(), data) {
		s.Disconnect(sess)
	}
}

// sendToUser delivers a message to every connection of a user
func (s *Server) sendToUser(u *User, msg protocol.Outbound) {
	s.sendToSessions(u.Connections(), msg)
}

// broadcast delivers a message to every connected session
func (s *Server) broadcast(msg protocol.Outbound) {
	sessions := s.sessions.GetAllSessions()
	if s.metrics != nil {
		s.metrics.RecordBroadcastFanout(len(sessions))
	}
	s.sendToSessions(sessions, msg)
}

func (s *Server) sendToSessions(sessions []*Session, msg protocol.Outbound) {
	if len(sessions) == 0 {
		return
	}
	data, ok := s.encode(msg)
	if !ok {
		return
	}

	var dead []*Session
	for _, sess := range sessions {
		if !s.writeTo(sess, msg.MessageType(), data) {
			dead = append(dead, sess)
		}
	}

	// Remove dead sessions after the fan-out so the snapshot stays stable
	for _, sess := range dead {
		s.Disconnect(sess)
	}
}

func (s *Server) cooldownMessage(u *User) *protocol.Cooldown {
	remaining := u.RemainingCooldown(s.now())
	return &protocol.Cooldown{Wait: math.Round(remaining.Seconds()*1000) / 1000}
}

func (s *Server) sendCooldown(sess *Session, u *User) {
	s.send(sess, s.cooldownMessage(u))
}

func (s *Server) sendCooldownToUser(u *User) {
	s.sendToUser(u, s.cooldownMessage(u))
}

func (s *Server) sendAvailablePixels(sess *Session, u *User, cause string) {
	s.send(sess, &protocol.AvailablePixels{Count: u.AvailablePixels(s.now()), Cause: cause})
}

func (s *Server) sendAvailablePixelsToUser(u *User, cause string) {
	s.sendToUser(u, &protocol.AvailablePixels{Count: u.AvailablePixels(s.now()), Cause: cause})
}

// sendUserInfo sends user-info followed by the available pixel count
func (s *Server) sendUserInfo(sess *Session, u *User) {
	s.send(sess, u.userInfo(s.now()))
	s.sendAvailablePixels(sess, u, "auth")
}

func (s *Server) sendCanUndo(sess *Session) {
	s.send(sess, &protocol.CanUndo{Time: int64(s.config.UndoWindow.Seconds())})
}

func (s *Server) broadcastPixel(x, y, color int) {
	s.broadcast(&protocol.PixelUpdate{Pixels: []protocol.Pixel{{X: x, Y: y, Color: color}}})
}

func (s *Server) ack(u *User, ackFor string, x, y int) {
	s.sendToUser(u, &protocol.ACK{AckFor: ackFor, X: x, Y: y})
}
