package server

import (
	"math"
	"time"
)

// Activity curve a*exp(-b*(x-d)) + c. It starts near 17s for a single user
// and approaches c seconds as the crowd grows.
const (
	cooldownA = -8.04044740e+01
	cooldownB = 2.73880499e-03
	cooldownC = 9.63956320e+01
	cooldownD = -2.14065886e+00
)

// CooldownSeconds returns the wait after a placement when authed users are
// connected. The ceiling is taken before the multiplier and the product is
// truncated.
func CooldownSeconds(cfg ServerConfig, authed int) int {
	if cfg.StaticCooldown {
		return int(cfg.Cooldown / time.Second)
	}
	x := 1.0
	if cfg.ActivityCooldown {
		x = float64(authed)
	}
	return int(math.Ceil(cooldownA*math.Exp(-cooldownB*(x-cooldownD))+cooldownC) * cfg.ActivityMultiplier)
}

func (s *Server) cooldown() int {
	return CooldownSeconds(s.config, s.sessions.AuthedCount())
}
