package server

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/aeolun/pixelcanvas/pkg/database"
	"github.com/aeolun/pixelcanvas/pkg/protocol"
)

const (
	// maxChatLength is the longest chat line, in characters
	maxChatLength = 2048

	chatRatePurpose = "chat"
	consoleName     = "CONSOLE"
)

// normalizeChat strips carriage returns and one trailing newline, then
// truncates to maxChatLength characters
func normalizeChat(text string) string {
	text = strings.ReplaceAll(text, "\r", "")
	text = strings.TrimSuffix(text, "\n")
	if utf8.RuneCountInString(text) > maxChatLength {
		text = string([]rune(text)[:maxChatLength])
	}
	return text
}

// handleChatMessage runs a user's chat line through the ban, rate limit and
// filter checks, then persists and broadcasts it.
func (s *Server) handleChatMessage(u *User, msg *protocol.ChatMessage) {
	now := s.now()
	text := normalizeChat(msg.Message)

	if u.IsChatbanned(now) || strings.TrimSpace(text) == "" || u.IsRenameRequested() {
		return
	}

	if remaining := s.limiter.Remaining(chatRatePurpose, strconv.FormatInt(u.ID, 10)); remaining > 0 {
		if s.metrics != nil {
			s.metrics.RecordChatRateLimited()
		}
		s.sendToUser(u, &protocol.ChatCooldown{Diff: int(math.Ceil(remaining.Seconds())), Message: text})
		return
	}

	if s.config.ChatTrimInput {
		text = strings.TrimSpace(text)
	}
	shown, filtered := text, ""
	if s.filter != nil {
		if result := s.filter.Filter(text); result.Hit {
			shown, filtered = result.Filtered, result.Filtered
		}
	}

	nonce, err := s.db.InsertChatMessage(u.ID, now.UnixMilli(), text, filtered)
	if err != nil {
		// Chat is best effort; the line is dropped
		errorLog.Printf("User %d: failed to store chat message: %v", u.ID, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordChatMessage()
	}
	s.broadcast(&protocol.ChatMessageReply{Message: protocol.ChatEntry{
		Nonce:   nonce,
		Author:  u.Name,
		Date:    now.Unix(),
		Message: shown,
		Badges:  u.Badges(),
	}})
}

// ConsoleChat posts a message from the server console. It skips the ban,
// rate limit and filter checks.
func (s *Server) ConsoleChat(text string) error {
	now := s.now()
	text = normalizeChat(text)

	nonce, err := s.db.InsertChatMessage(0, now.UnixMilli(), text, "")
	if err != nil {
		return fmt.Errorf("failed to store console message: %w", err)
	}
	s.broadcast(&protocol.ChatMessageReply{Message: protocol.ChatEntry{
		Nonce:   nonce,
		Author:  consoleName,
		Date:    now.Unix(),
		Message: text,
	}})
	return nil
}

func (s *Server) handleChatHistory(sess *Session) {
	messages, err := s.db.RecentChatMessages(s.config.ChatHistoryLimit, false)
	if err != nil {
		errorLog.Printf("Session %d: failed to load chat history: %v", sess.ID, err)
		return
	}

	entries := make([]protocol.ChatEntry, 0, len(messages))
	for _, m := range messages {
		body := m.Content
		if m.Filtered != "" {
			body = m.Filtered
		}
		entry := protocol.ChatEntry{
			Nonce:   m.Nonce,
			Author:  m.AuthorName,
			Date:    m.Sent / 1000,
			Message: body,
		}
		// Badges live on loaded users only
		if m.AuthorID != 0 {
			if author, ok := s.users.GetByName(m.AuthorName); ok {
				entry.Badges = author.Badges()
			}
		}
		entries = append(entries, entry)
	}
	s.send(sess, &protocol.ChatHistoryReply{Messages: entries})
}

func (s *Server) handleChatbanState(sess *Session, u *User) {
	perma, expiry := u.chatbanState(s.now())
	s.send(sess, &protocol.ChatbanStateReply{Permanent: perma, Expiry: expiry})
}

func initiatorName(initiator *User) string {
	if initiator == nil {
		return consoleName
	}
	return initiator.Name
}

func initiatorID(initiator *User) int64 {
	if initiator == nil {
		return 0
	}
	return initiator.ID
}

// SendChatPurge broadcasts that amount of target's latest messages were removed
func (s *Server) SendChatPurge(target string, initiator *User, amount int, reason string) {
	s.broadcast(&protocol.ChatPurge{
		Target:    target,
		Initiator: initiatorName(initiator),
		Amount:    amount,
		Reason:    reason,
	})
}

// SendSpecificPurge broadcasts that the listed messages of target were removed
func (s *Server) SendSpecificPurge(target string, initiator *User, nonces []string, reason string) {
	s.broadcast(&protocol.ChatSpecificPurge{
		Target:    target,
		Initiator: initiatorName(initiator),
		Nonces:    nonces,
		Reason:    reason,
	})
}

// PurgeUserChat marks the latest amount messages of the named user as purged
// and tells every client to hide them. A nil initiator is the console.
func (s *Server) PurgeUserChat(targetName string, initiator *User, amount int, reason string) error {
	target, err := s.db.GetUserByName(targetName)
	if err != nil {
		return fmt.Errorf("failed to find %s: %w", targetName, err)
	}
	n, err := s.db.PurgeChatMessages(target.ID, amount, initiatorID(initiator), reason)
	if err != nil {
		return fmt.Errorf("failed to purge chat of %s: %w", targetName, err)
	}
	if err := s.db.AdminLog(fmt.Sprintf("purge %d messages of %s with reason: %s", n, target.Name, reason), initiatorID(initiator)); err != nil {
		errorLog.Printf("Failed to write admin log: %v", err)
	}
	s.SendChatPurge(target.Name, initiator, int(n), reason)
	return nil
}

// PurgeChatNonces marks specific messages as purged and tells every client.
// Unknown nonces are skipped.
func (s *Server) PurgeChatNonces(targetName string, initiator *User, nonces []string, reason string) error {
	purged := make([]string, 0, len(nonces))
	for _, nonce := range nonces {
		err := s.db.PurgeChatMessage(nonce, initiatorID(initiator), reason)
		if errors.Is(err, database.ErrChatMessageNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to purge message %s: %w", nonce, err)
		}
		purged = append(purged, nonce)
	}
	if len(purged) == 0 {
		return nil
	}
	s.SendSpecificPurge(targetName, initiator, purged, reason)
	return nil
}
