package server

import (
	"errors"

	"github.com/aeolun/pixelcanvas/pkg/database"
	"github.com/aeolun/pixelcanvas/pkg/protocol"
)

// handleUndo reverts the user's latest placement if it is still the newest
// placement at its cell.
func (s *Server) handleUndo(sess *Session, u *User) {
	now := s.now()
	if !u.CanUndo(now, s.config.UndoWindow) || u.UndoWindowPassed(now, s.config.UndoWindow) {
		return
	}
	if !u.tryGetPlacingLock() {
		s.sendCooldownToUser(u)
		return
	}
	defer u.releasePlacingLock()
	defer s.sendCooldownToUser(u)

	if u.IsShadowbanned(now) {
		u.recordUndo(now)
		return
	}

	target, err := s.db.UserUndoPixel(u.ID)
	if err != nil {
		if !errors.Is(err, database.ErrPixelNotFound) {
			errorLog.Printf("User %d: failed to load undo target: %v", u.ID, err)
		}
		return
	}
	current, err := s.db.PixelAt(target.X, target.Y)
	if err != nil {
		if !errors.Is(err, database.ErrPixelNotFound) {
			errorLog.Printf("User %d: failed to load pixel at (%d,%d): %v", u.ID, target.X, target.Y, err)
		}
		return
	}
	if current.ID != target.ID {
		debugLog.Printf("User %d: undo of pixel %d is stale (cell now holds %d)", u.ID, target.ID, current.ID)
		return
	}

	restore := database.UndoWrite{
		X:      target.X,
		Y:      target.Y,
		UserID: u.ID,
		FromID: target.ID,
	}
	previous, err := s.db.PixelByID(target.SecondaryID)
	switch {
	case err == nil:
		restore.Color = previous.Color
		restore.BackID = previous.ID
	case errors.Is(err, database.ErrPixelNotFound):
		restore.Color = s.canvas.DefaultColor(target.X, target.Y)
	default:
		errorLog.Printf("User %d: failed to load previous pixel %d: %v", u.ID, target.SecondaryID, err)
		return
	}

	if _, err := s.db.PutUserUndoPixel(restore); err != nil {
		errorLog.Printf("User %d: failed to record undo of pixel %d: %v", u.ID, target.ID, err)
		return
	}

	// Credit and cooldown change only once the revert is stored
	if u.refundStack(s.config.MaxStacked) {
		s.sendAvailablePixelsToUser(u, "undo")
	}
	u.recordUndo(now)
	s.paint(restore.X, restore.Y, restore.Color)
	if !target.ModAction {
		u.addPixelCount(-1)
	}
	if s.metrics != nil {
		s.metrics.RecordPixelUndone()
	}

	s.broadcastPixel(restore.X, restore.Y, restore.Color)
	s.ack(u, protocol.AckUndo, restore.X, restore.Y)
	s.sendAvailablePixelsToUser(u, "undo")
}
