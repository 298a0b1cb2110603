package server

import (
	"math"
	"time"

	"github.com/aeolun/pixelcanvas/pkg/canvas"
	"github.com/aeolun/pixelcanvas/pkg/database"
	"github.com/aeolun/pixelcanvas/pkg/protocol"
)

// isEmptyColor reports whether c is one of the never-painted sentinels
func isEmptyColor(c int) bool {
	return c == canvas.Empty || c == -1
}

// handlePlace validates and applies one placement. Out-of-range requests and
// banned users are dropped without reply; every other path ends with a
// cooldown notice to all of the user's connections.
func (s *Server) handlePlace(sess *Session, u *User, msg *protocol.Place) {
	if msg.X < 0 || msg.X >= s.canvas.Width() || msg.Y < 0 || msg.Y >= s.canvas.Height() {
		return
	}
	if msg.Color < 0 || msg.Color >= s.canvas.PaletteSize() {
		return
	}
	if u.IsBanned(s.now()) {
		return
	}

	if u.CanPlace(s.now()) && u.tryGetPlacingLock() {
		s.placeLocked(sess, u, msg)
	}
	s.sendCooldownToUser(u)
}

// placeLocked runs with the user's placing lock held and releases it on return
func (s *Server) placeLocked(sess *Session, u *User, msg *protocol.Place) {
	defer u.releasePlacingLock()

	// Another connection may have spent the cooldown between the check and the lock
	now := s.now()
	if !u.CanPlace(now) {
		return
	}

	flagged := u.updateCaptchaFlagPrePlace(s.config.CaptchaThreshold, s.roll)
	if flagged && s.captchaOwed(u) {
		s.send(sess, &protocol.CaptchaRequired{})
		return
	}

	old := s.canvas.Pixel(msg.X, msg.Y)
	if !s.legalPlacement(msg.X, msg.Y, msg.Color) {
		return
	}

	seconds := s.cooldown()
	if s.config.BackgroundPixelEnabled && !isEmptyColor(old) {
		inflate, err := s.db.ShouldPixelTimeIncrease(msg.X, msg.Y, u.ID, s.config.BackgroundPixelMaxAge)
		if err != nil {
			errorLog.Printf("User %d: background pixel lookup at (%d,%d) failed: %v", u.ID, msg.X, msg.Y, err)
		} else if inflate {
			seconds = int(math.Round(float64(seconds) * s.config.BackgroundPixelMultiplier))
		}
	}

	override := u.IsOverridingCooldown()
	if u.IsShadowbanned(now) {
		pixelLog.Printf("%s placed %d at (%d,%d) from %s", u.Name, msg.Color, msg.X, msg.Y, sess.RemoteAddr)
		if s.metrics != nil {
			s.metrics.RecordShadowbannedPixel()
		}
		s.sendToUser(u, &protocol.PixelUpdate{Pixels: []protocol.Pixel{{X: msg.X, Y: msg.Y, Color: msg.Color}}})
		if u.CanUndo(now, s.config.UndoWindow) {
			s.sendCanUndo(sess)
		}
	} else {
		err := s.putPixel(database.PixelWrite{
			X:         msg.X,
			Y:         msg.Y,
			Color:     msg.Color,
			UserID:    u.ID,
			ModAction: override,
		})
		if err != nil {
			errorLog.Printf("User %d: failed to place pixel at (%d,%d): %v", u.ID, msg.X, msg.Y, err)
			return
		}
		if !override {
			u.addPixelCount(1)
		}
		s.broadcastPixel(msg.X, msg.Y, msg.Color)
		s.ack(u, protocol.AckPlace, msg.X, msg.Y)
	}

	if override {
		return
	}
	if fromStack := u.recordPlacement(now, time.Duration(seconds)*time.Second); !fromStack {
		if err := s.db.UpdateUserTime(u.ID, seconds); err != nil {
			errorLog.Printf("User %d: failed to persist cooldown: %v", u.ID, err)
		}
	}
	s.sendAvailablePixelsToUser(u, "consume")
	if u.CanUndo(now, s.config.UndoWindow) {
		s.sendCanUndo(sess)
	}
}

// captchaOwed reports whether the captcha subsystem still applies to the
// user, given the placement count cut-off.
func (s *Server) captchaOwed(u *User) bool {
	if !s.config.CaptchaEnabled {
		return false
	}
	if s.config.CaptchaMaxPixels == 0 {
		return true
	}
	current, allTime := u.PixelCounts()
	if s.config.CaptchaAllTime {
		return allTime < s.config.CaptchaMaxPixels
	}
	return current < s.config.CaptchaMaxPixels
}

// legalPlacement applies the placemap rules to painting color at (x, y)
func (s *Server) legalPlacement(x, y, color int) bool {
	c := s.canvas.Pixel(x, y)
	kind, ok := s.canvas.Placemap(x, y)
	if !ok {
		return c != color && !isEmptyColor(c)
	}
	switch kind {
	case canvas.PlacemapNormal:
		return c != color
	case canvas.PlacemapTendril:
		if !s.hasPaintedNeighbor(x, y) {
			return false
		}
		return c != color && !isEmptyColor(c)
	default:
		return false
	}
}

// hasPaintedNeighbor reports whether any orthogonal neighbor differs from its
// background color. Cells off the board never count.
func (s *Server) hasPaintedNeighbor(x, y int) bool {
	neighbors := [4][2]int{{x, y + 1}, {x - 1, y}, {x + 1, y}, {x, y - 1}}
	for _, n := range neighbors {
		if s.canvas.Pixel(n[0], n[1]) != s.canvas.DefaultColor(n[0], n[1]) {
			return true
		}
	}
	return false
}

// putPixel writes a placement through to the store, then the canvas
func (s *Server) putPixel(w database.PixelWrite) error {
	if _, err := s.db.PutPixel(w); err != nil {
		return err
	}
	s.paint(w.X, w.Y, w.Color)
	if s.metrics != nil {
		s.metrics.RecordPixelPlaced()
	}
	return nil
}

func (s *Server) paint(x, y, color int) {
	s.canvas.SetPixel(x, y, color)
}
