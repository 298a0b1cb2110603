package server

import (
	"sync"
	"testing"
	"time"

	"github.com/aeolun/pixelcanvas/pkg/canvas"
	"github.com/aeolun/pixelcanvas/pkg/database"
	"github.com/aeolun/pixelcanvas/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticCooldown(d time.Duration) func(*ServerConfig) {
	return func(c *ServerConfig) {
		c.StaticCooldown = true
		c.Cooldown = d
	}
}

func TestPlaceAppliesAndBroadcasts(t *testing.T) {
	env := newTestEnv(t, staticCooldown(10*time.Second), Options{})
	u, sess, conn := env.connect("alice", RoleUser)
	_, observer := env.observe()

	env.server.handleMessage(sess, &protocol.Place{X: 3, Y: 4, Color: 5})

	assert.Equal(t, 5, env.board.Pixel(3, 4))
	assert.Equal(t, []string{"pixel", "ACK", "pixels", "can_undo", "cooldown"}, conn.types())

	ack := conn.ofType("ACK")[0]
	assert.Equal(t, "PLACE", ack["ackFor"])
	assert.Equal(t, 3, num(ack, "x"))
	assert.Equal(t, 4, num(ack, "y"))

	assert.Equal(t, 0, num(conn.ofType("pixels")[0], "count"))
	assert.Equal(t, "consume", conn.ofType("pixels")[0]["cause"])
	assert.InDelta(t, 10.0, conn.ofType("cooldown")[0]["wait"], 0.001)
	assert.Equal(t, 5, num(conn.ofType("can_undo")[0], "time"))

	updates := observer.ofType("pixel")
	require.Len(t, updates, 1)
	px := updates[0]["pixels"].([]any)[0].(map[string]any)
	assert.Equal(t, 3, num(px, "x"))
	assert.Equal(t, 4, num(px, "y"))
	assert.Equal(t, 5, num(px, "color"))

	stored, err := env.db.PixelAt(3, 4)
	require.NoError(t, err)
	assert.Equal(t, u.ID, stored.Who)
	assert.Equal(t, 5, stored.Color)
	assert.False(t, stored.ModAction)

	current, allTime := u.PixelCounts()
	assert.Equal(t, 1, current)
	assert.Equal(t, 1, allTime)

	dbUser, err := env.db.GetUserByLogin("token:alice")
	require.NoError(t, err)
	assert.Greater(t, dbUser.CooldownExpiry, int64(0))
}

func TestPlaceRejectedSilently(t *testing.T) {
	tests := []struct {
		name string
		msg  *protocol.Place
		ban  bool
	}{
		{name: "x out of range", msg: &protocol.Place{X: 10, Y: 0, Color: 1}},
		{name: "negative y", msg: &protocol.Place{X: 0, Y: -1, Color: 1}},
		{name: "color out of palette", msg: &protocol.Place{X: 0, Y: 0, Color: 16}},
		{name: "negative color", msg: &protocol.Place{X: 0, Y: 0, Color: -1}},
		{name: "banned", msg: &protocol.Place{X: 0, Y: 0, Color: 1}, ban: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, staticCooldown(10*time.Second), Options{})
			u, sess, conn := env.connect("alice", RoleUser)
			if tt.ban {
				u.setPenalty(database.PenaltyBan, database.Penalty{Active: true})
			}

			env.server.handleMessage(sess, tt.msg)

			assert.Empty(t, conn.messages())
			assert.Equal(t, 0, env.board.Pixel(0, 0))
			_, err := env.db.PixelAt(0, 0)
			assert.ErrorIs(t, err, database.ErrPixelNotFound)
		})
	}
}

func TestPlaceSameColorIsNoop(t *testing.T) {
	env := newTestEnv(t, staticCooldown(10*time.Second), Options{})
	u, sess, conn := env.connect("alice", RoleUser)

	env.server.handleMessage(sess, &protocol.Place{X: 1, Y: 1, Color: 0})

	assert.Equal(t, []string{"cooldown"}, conn.types())
	assert.Equal(t, time.Duration(0), u.RemainingCooldown(env.clock.Now()))
	_, err := env.db.PixelAt(1, 1)
	assert.ErrorIs(t, err, database.ErrPixelNotFound)
}

func TestPlaceDuringCooldown(t *testing.T) {
	env := newTestEnv(t, staticCooldown(10*time.Second), Options{})
	_, sess, conn := env.connect("alice", RoleUser)

	env.server.handleMessage(sess, &protocol.Place{X: 1, Y: 1, Color: 2})
	conn.reset()

	env.clock.Advance(4 * time.Second)
	env.server.handleMessage(sess, &protocol.Place{X: 2, Y: 2, Color: 2})

	assert.Equal(t, []string{"cooldown"}, conn.types())
	assert.InDelta(t, 6.0, conn.ofType("cooldown")[0]["wait"], 0.001)
	assert.Equal(t, 0, env.board.Pixel(2, 2))

	env.clock.Advance(6 * time.Second)
	env.server.handleMessage(sess, &protocol.Place{X: 2, Y: 2, Color: 2})
	assert.Equal(t, 2, env.board.Pixel(2, 2))
}

func TestPlaceUsesStackBeforeCooldown(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) {
		staticCooldown(10 * time.Second)(c)
		c.InitialStack = 2
	}, Options{})
	u, sess, _ := env.connect("alice", RoleUser)
	now := env.clock.Now()
	require.Equal(t, 3, u.AvailablePixels(now))

	for i := 0; i < 4; i++ {
		env.server.handleMessage(sess, &protocol.Place{X: i, Y: 0, Color: 3})
	}

	assert.Equal(t, 3, env.board.Pixel(0, 0))
	assert.Equal(t, 3, env.board.Pixel(1, 0))
	assert.Equal(t, 3, env.board.Pixel(2, 0))
	assert.Equal(t, 0, env.board.Pixel(3, 0), "fourth placement must wait for the cooldown")
	assert.Equal(t, 0, u.Stacked())
	assert.Equal(t, 0, u.AvailablePixels(now))
	assert.Equal(t, 10*time.Second, u.RemainingCooldown(now))
}

func TestConcurrentPlacementsNeverOverspend(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) {
		staticCooldown(time.Minute)(c)
		c.InitialStack = 2
	}, Options{})
	u, _, conn := env.connect("alice", RoleUser)

	// Several connections of one account place at distinct cells at once
	sessions := make([]*Session, 8)
	for i := range sessions {
		sessions[i] = env.server.sessions.CreateSession(u, &recordingConn{}, "127.0.0.1")
		u.addConn(sessions[i])
	}

	var wg sync.WaitGroup
	for i, sess := range sessions {
		wg.Add(1)
		go func(i int, sess *Session) {
			defer wg.Done()
			env.server.handleMessage(sess, &protocol.Place{X: i, Y: 5, Color: 7})
		}(i, sess)
	}
	wg.Wait()

	painted := 0
	for x := 0; x < 8; x++ {
		if env.board.Pixel(x, 5) == 7 {
			painted++
		}
	}
	acks := len(conn.ofType("ACK"))

	assert.GreaterOrEqual(t, painted, 1)
	assert.LessOrEqual(t, painted, 3)
	assert.Equal(t, painted, acks)
	assert.GreaterOrEqual(t, u.Stacked(), 0)
}

func TestConcurrentIdenticalPlacementsApplyOnce(t *testing.T) {
	env := newTestEnv(t, staticCooldown(time.Minute), Options{})
	u, _, conn := env.connect("alice", RoleUser)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sess := env.server.sessions.CreateSession(u, &recordingConn{}, "127.0.0.1")
		u.addConn(sess)
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.server.handleMessage(sess, &protocol.Place{X: 9, Y: 9, Color: 4})
		}()
	}
	wg.Wait()

	assert.Len(t, conn.ofType("ACK"), 1)
	p, err := env.db.PixelAt(9, 9)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Color)
	current, _ := u.PixelCounts()
	assert.Equal(t, 1, current)
}

func placemapBoard(t *testing.T, env *testEnv, fill byte) {
	t.Helper()
	pm := make([]byte, 100)
	for i := range pm {
		pm[i] = fill
	}
	require.NoError(t, env.board.SetPlacemap(pm))
}

func TestPlacemapRules(t *testing.T) {
	t.Run("no placemap rejects empty cells", func(t *testing.T) {
		env := newTestEnv(t, staticCooldown(time.Second), Options{})
		_, sess, _ := env.connect("alice", RoleUser)
		env.board.SetPixel(0, 0, canvas.Empty)

		env.server.handleMessage(sess, &protocol.Place{X: 0, Y: 0, Color: 1})
		assert.Equal(t, canvas.Empty, env.board.Pixel(0, 0))
	})

	t.Run("normal placemap allows empty cells", func(t *testing.T) {
		env := newTestEnv(t, staticCooldown(time.Second), Options{})
		placemapBoard(t, env, canvas.PlacemapNormal)
		_, sess, _ := env.connect("alice", RoleUser)
		env.board.SetPixel(0, 0, canvas.Empty)

		env.server.handleMessage(sess, &protocol.Place{X: 0, Y: 0, Color: 1})
		assert.Equal(t, 1, env.board.Pixel(0, 0))
	})

	t.Run("blocked placemap cell", func(t *testing.T) {
		env := newTestEnv(t, staticCooldown(time.Second), Options{})
		placemapBoard(t, env, 1)
		_, sess, _ := env.connect("alice", RoleUser)

		env.server.handleMessage(sess, &protocol.Place{X: 0, Y: 0, Color: 1})
		assert.Equal(t, 0, env.board.Pixel(0, 0))
	})

	t.Run("tendril needs a painted neighbor", func(t *testing.T) {
		env := newTestEnv(t, staticCooldown(time.Second), Options{})
		placemapBoard(t, env, canvas.PlacemapTendril)
		_, sess, _ := env.connect("alice", RoleUser)

		env.server.handleMessage(sess, &protocol.Place{X: 5, Y: 5, Color: 1})
		assert.Equal(t, 0, env.board.Pixel(5, 5))

		env.board.SetPixel(5, 6, 3)
		env.clock.Advance(2 * time.Second)
		env.server.handleMessage(sess, &protocol.Place{X: 5, Y: 5, Color: 1})
		assert.Equal(t, 1, env.board.Pixel(5, 5))
	})

	t.Run("tendril at the board edge ignores off-board cells", func(t *testing.T) {
		env := newTestEnv(t, staticCooldown(time.Second), Options{})
		placemapBoard(t, env, canvas.PlacemapTendril)
		_, sess, _ := env.connect("alice", RoleUser)

		env.server.handleMessage(sess, &protocol.Place{X: 0, Y: 0, Color: 1})
		assert.Equal(t, 0, env.board.Pixel(0, 0))
	})
}

func TestShadowbannedPlacementIsPrivate(t *testing.T) {
	env := newTestEnv(t, staticCooldown(10*time.Second), Options{})
	u, sess, conn := env.connect("mallory", RoleUser)
	u.setPenalty(database.PenaltyShadowban, database.Penalty{Active: true})
	_, observer := env.observe()

	env.server.handleMessage(sess, &protocol.Place{X: 2, Y: 2, Color: 9})

	assert.Equal(t, []string{"pixel", "pixels", "can_undo", "cooldown"}, conn.types())
	assert.Empty(t, observer.messages())
	assert.Equal(t, 0, env.board.Pixel(2, 2))
	_, err := env.db.PixelAt(2, 2)
	assert.ErrorIs(t, err, database.ErrPixelNotFound)

	// The fake placement still costs the cooldown
	assert.Equal(t, 10*time.Second, u.RemainingCooldown(env.clock.Now()))
}

func TestCooldownOverridePlacement(t *testing.T) {
	env := newTestEnv(t, staticCooldown(10*time.Second), Options{})
	u, sess, conn := env.connect("mod", RoleModerator)
	env.server.handleMessage(sess, &protocol.CooldownOverride{Override: true})
	conn.reset()

	for i := 0; i < 3; i++ {
		env.server.handleMessage(sess, &protocol.Place{X: i, Y: 0, Color: 2})
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, 2, env.board.Pixel(i, 0))
		p, err := env.db.PixelAt(i, 0)
		require.NoError(t, err)
		assert.True(t, p.ModAction)
	}
	assert.Len(t, conn.ofType("ACK"), 3)
	assert.Empty(t, conn.ofType("can_undo"))
	assert.Empty(t, conn.ofType("pixels"))
	assert.Equal(t, time.Duration(0), u.RemainingCooldown(env.clock.Now()))
	current, _ := u.PixelCounts()
	assert.Equal(t, 0, current)
}

func TestPlacementRequiresCaptcha(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) {
		staticCooldown(10 * time.Second)(c)
		c.CaptchaEnabled = true
		c.CaptchaMaxPixels = 0
	}, Options{})
	u, sess, conn := env.connect("alice", RoleUser)
	require.True(t, u.IsFlaggedForCaptcha(), "connecting flags the user")

	env.server.handleMessage(sess, &protocol.Place{X: 1, Y: 1, Color: 1})

	assert.Equal(t, []string{"captcha_required", "cooldown"}, conn.types())
	assert.Equal(t, 0, env.board.Pixel(1, 1))
	assert.Equal(t, time.Duration(0), u.RemainingCooldown(env.clock.Now()))

	u.validateCaptcha()
	conn.reset()
	env.server.handleMessage(sess, &protocol.Place{X: 1, Y: 1, Color: 1})
	assert.Equal(t, 1, env.board.Pixel(1, 1))
}

func TestCaptchaPixelCutoff(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) {
		staticCooldown(time.Second)(c)
		c.CaptchaEnabled = true
		c.CaptchaMaxPixels = 1
		c.CaptchaAllTime = true
	}, Options{})
	u, sess, _ := env.connect("veteran", RoleUser)
	u.addPixelCount(5)

	env.server.handleMessage(sess, &protocol.Place{X: 1, Y: 1, Color: 1})
	assert.Equal(t, 1, env.board.Pixel(1, 1), "users past the cut-off skip the captcha")
}

func TestCaptchaRollFlagsUser(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) {
		staticCooldown(time.Second)(c)
		c.CaptchaEnabled = true
		c.CaptchaThreshold = 4
	}, Options{})
	u, sess, conn := env.connect("alice", RoleUser)
	u.validateCaptcha()

	env.server.roll = func() float64 { return 0.3 }
	env.server.handleMessage(sess, &protocol.Place{X: 1, Y: 1, Color: 1})
	assert.Equal(t, 1, env.board.Pixel(1, 1), "0.3 is above 1/4")

	env.clock.Advance(2 * time.Second)
	env.server.roll = func() float64 { return 0.2 }
	conn.reset()
	env.server.handleMessage(sess, &protocol.Place{X: 2, Y: 2, Color: 1})
	assert.Equal(t, 0, env.board.Pixel(2, 2))
	assert.Len(t, conn.ofType("captcha_required"), 1)
	assert.True(t, u.IsFlaggedForCaptcha())
}

func TestBackgroundPixelInflatesCooldown(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) {
		staticCooldown(10 * time.Second)(c)
		c.BackgroundPixelEnabled = true
		c.BackgroundPixelMultiplier = 2
		c.BackgroundPixelMaxAge = 0
	}, Options{})
	u, sess, _ := env.connect("alice", RoleUser)

	// The cell has never been placed on, so it is background
	env.server.handleMessage(sess, &protocol.Place{X: 1, Y: 1, Color: 1})
	assert.Equal(t, 20*time.Second, u.RemainingCooldown(env.clock.Now()))

	bob, bobSess, _ := env.connect("bob", RoleUser)
	env.server.handleMessage(bobSess, &protocol.Place{X: 1, Y: 1, Color: 2})
	assert.Equal(t, 10*time.Second, bob.RemainingCooldown(env.clock.Now()), "overwriting a fresh placement is not background")
}

func TestReplayBoard(t *testing.T) {
	env := newTestEnv(t, staticCooldown(time.Second), Options{})
	_, sess, _ := env.connect("alice", RoleUser)
	env.server.handleMessage(sess, &protocol.Place{X: 1, Y: 2, Color: 3})
	env.clock.Advance(2 * time.Second)
	env.server.handleMessage(sess, &protocol.Place{X: 4, Y: 5, Color: 6})

	fresh := canvas.NewBoard(10, 10, 16, 0)
	n, err := ReplayBoard(env.db, fresh)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, fresh.Pixel(1, 2))
	assert.Equal(t, 6, fresh.Pixel(4, 5))
}

func TestPlaceNotBlockedByStalledObserver(t *testing.T) {
	env := newTestEnv(t, staticCooldown(10*time.Second), Options{})
	u, sess, conn := env.connect("alice", RoleUser)

	stalled := newStalledConn()
	observer := env.server.sessions.CreateSession(nil, stalled, "10.0.0.9")
	observer.Conn.writeWait = 50 * time.Millisecond

	done := make(chan struct{})
	go func() {
		env.server.handleMessage(sess, &protocol.Place{X: 1, Y: 1, Color: 3})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("placement still blocked by a client that stopped reading")
	}

	assert.Equal(t, 3, env.board.Pixel(1, 1))
	assert.Len(t, conn.ofType("ACK"), 1)

	_, ok := env.server.sessions.GetSession(observer.ID)
	assert.False(t, ok, "the stalled session is disconnected")
	assert.True(t, stalled.isClosed())

	require.True(t, u.tryGetPlacingLock(), "the placing lock is released")
	u.releasePlacingLock()

	// Later broadcasts skip the dropped session entirely
	others, otherConn := env.observe()
	env.clock.Advance(11 * time.Second)
	env.server.handleMessage(sess, &protocol.Place{X: 2, Y: 2, Color: 3})
	assert.Len(t, otherConn.ofType("pixel"), 1)
	_, ok = env.server.sessions.GetSession(others.ID)
	assert.True(t, ok)
	stalled.mu.Lock()
	assert.Equal(t, 1, stalled.writes)
	stalled.mu.Unlock()
}
