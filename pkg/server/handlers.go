package server

import (
	"fmt"
	"html"
	"time"

	"github.com/aeolun/pixelcanvas/pkg/captcha"
	"github.com/aeolun/pixelcanvas/pkg/database"
	"github.com/aeolun/pixelcanvas/pkg/protocol"
)

// selfShadowbanDuration is how long a script-triggered self shadowban lasts
const selfShadowbanDuration = 999 * 24 * time.Hour

// handleMessage routes one decoded message to its handler. Connections
// without a user cannot act, and the admin kinds need moderator or above.
func (s *Server) handleMessage(sess *Session, msg protocol.Inbound) {
	u := sess.User
	if u == nil {
		return
	}

	switch m := msg.(type) {
	case *protocol.Place:
		s.handlePlace(sess, u, m)
	case *protocol.Undo:
		s.handleUndo(sess, u)
	case *protocol.Captcha:
		s.handleCaptcha(sess, u, m)
	case *protocol.ShadowbanMe:
		s.handleShadowbanMe(u)
	case *protocol.BanMe:
		s.handleBanMe(u, m)
	case *protocol.ChatHistory:
		s.handleChatHistory(sess)
	case *protocol.ChatbanState:
		s.handleChatbanState(sess, u)
	case *protocol.ChatMessage:
		s.handleChatMessage(u, m)
	case *protocol.CooldownOverride:
		if u.Role() >= RoleModerator {
			s.handleCooldownOverride(u, m)
		}
	case *protocol.AdminMessage:
		if u.Role() >= RoleModerator {
			s.handleAdminMessage(m)
		}
	default:
		debugLog.Printf("Session %d: no handler for %T", sess.ID, msg)
	}
}

// handleCaptcha submits the token and answers the originating connection
// once the provider responds. Failed calls get no answer.
func (s *Server) handleCaptcha(sess *Session, u *User, msg *protocol.Captcha) {
	if !u.IsFlaggedForCaptcha() || u.IsBanned(s.now()) {
		return
	}

	s.captcha.Verify(s.ctx, msg.Token, func(res captcha.Result, err error) {
		if err != nil {
			debugLog.Printf("Session %d: captcha verification failed: %v", sess.ID, err)
			return
		}
		success := res.Success && res.Hostname == s.config.Host
		if success {
			u.validateCaptcha()
		}
		if s.metrics != nil {
			s.metrics.RecordCaptcha(success)
		}
		s.send(sess, &protocol.CaptchaStatus{Success: success})
	})
}

func (s *Server) handleShadowbanMe(u *User) {
	if u.Role() < RoleUser {
		return
	}
	if err := s.db.AdminLog(fmt.Sprintf("shadowban %s with reason: self-shadowban via script", u.Name), u.ID); err != nil {
		errorLog.Printf("User %d: failed to write admin log: %v", u.ID, err)
	}
	s.applyPenalty(u, database.PenaltyShadowban, database.Penalty{
		Active: true,
		Expiry: s.now().Add(selfShadowbanDuration).UnixMilli(),
		Reason: "auto-ban via script",
	})
}

func (s *Server) handleBanMe(u *User, msg *protocol.BanMe) {
	reason := fmt.Sprintf("auto-ban via script (ap: %s)", msg.App)
	if err := s.db.AdminLog(fmt.Sprintf("permaban %s with reason: %s", u.Name, reason), u.ID); err != nil {
		errorLog.Printf("User %d: failed to write admin log: %v", u.ID, err)
	}
	s.applyPenalty(u, database.PenaltyBan, database.Penalty{Active: true, Reason: reason})

	for _, sess := range u.Connections() {
		s.sendUserInfo(sess, u)
	}
}

// applyPenalty persists a penalty and mirrors it onto the live user
func (s *Server) applyPenalty(u *User, kind database.PenaltyKind, p database.Penalty) {
	if err := s.db.UpdateUserPenalty(u.ID, kind, p); err != nil {
		errorLog.Printf("User %d: failed to store penalty: %v", u.ID, err)
	}
	u.setPenalty(kind, p)
}

func (s *Server) handleCooldownOverride(u *User, msg *protocol.CooldownOverride) {
	u.SetOverrideCooldown(msg.Override)
	s.sendCooldownToUser(u)
}

// handleAdminMessage shows an alert on every connection of the named user
func (s *Server) handleAdminMessage(msg *protocol.AdminMessage) {
	target, ok := s.users.GetByName(msg.Username)
	if !ok {
		return
	}
	s.sendToUser(target, &protocol.Alert{Message: html.EscapeString(msg.Message)})
}
