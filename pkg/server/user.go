package server

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/pixelcanvas/pkg/database"
	"github.com/aeolun/pixelcanvas/pkg/protocol"
)

// Role is a user's privilege level. Roles are ordered, so a check for
// "at least moderator" is a plain comparison.
type Role int

const (
	RoleGuest Role = iota
	RoleUser
	RoleTrialMod
	RoleModerator
	RoleDeveloper
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleGuest:     "GUEST",
	RoleUser:      "USER",
	RoleTrialMod:  "TRIALMOD",
	RoleModerator: "MODERATOR",
	RoleDeveloper: "DEVELOPER",
	RoleAdmin:     "ADMIN",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("ROLE(%d)", int(r))
}

// ParseRole maps a config role name to a Role
func ParseRole(name string) (Role, bool) {
	if strings.TrimSpace(name) == "" {
		return RoleUser, true
	}
	for role, n := range roleNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return role, true
		}
	}
	return RoleGuest, false
}

// User is the live state of one account, shared by all of its connections.
// mu protects every field except placing and the connection set, which has
// its own lock so fan-out never waits on engine work.
type User struct {
	ID    int64
	Name  string
	Login string

	mu                sync.Mutex
	role              Role
	ban               database.Penalty
	chatban           database.Penalty
	shadowban         database.Penalty
	renameRequested   bool
	cooldownExpiry    time.Time
	stacked           int
	lastPlaceWasStack bool
	lastPixelTime     time.Time
	lastUndoTime      time.Time
	flaggedForCaptcha bool
	overrideCooldown  bool
	pixelCount        int
	pixelCountAllTime int
	badges            []protocol.Badge

	placing atomic.Bool

	connMu sync.RWMutex
	conns  map[uint64]*Session
}

func newUser(u *database.User, initialStack int) *User {
	user := &User{
		ID:                u.ID,
		Name:              u.Name,
		Login:             u.Login,
		role:              Role(u.Role),
		ban:               u.Ban,
		chatban:           u.Chatban,
		shadowban:         u.Shadowban,
		renameRequested:   u.RenameRequested,
		stacked:           initialStack,
		pixelCount:        u.PixelCount,
		pixelCountAllTime: u.PixelCountAllTime,
		conns:             make(map[uint64]*Session),
	}
	if u.CooldownExpiry > 0 {
		user.cooldownExpiry = time.UnixMilli(u.CooldownExpiry)
	}
	if u.LastPixelTime > 0 {
		user.lastPixelTime = time.UnixMilli(u.LastPixelTime)
	}
	return user
}

// tryGetPlacingLock claims the per-user placing lock without blocking
func (u *User) tryGetPlacingLock() bool {
	return u.placing.CompareAndSwap(false, true)
}

func (u *User) releasePlacingLock() {
	u.placing.Store(false)
}

// penaltyActive reports whether p applies at now. Expiry 0 is permanent.
func penaltyActive(p database.Penalty, now time.Time) bool {
	if !p.Active {
		return false
	}
	return p.Expiry == 0 || now.UnixMilli() < p.Expiry
}

func (u *User) Role() Role {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.role
}

func (u *User) IsBanned(now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return penaltyActive(u.ban, now)
}

func (u *User) IsShadowbanned(now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return penaltyActive(u.shadowban, now)
}

func (u *User) IsChatbanned(now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return penaltyActive(u.chatban, now)
}

func (u *User) IsOverridingCooldown() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.overrideCooldown
}

func (u *User) SetOverrideCooldown(override bool) {
	u.mu.Lock()
	u.overrideCooldown = override
	u.mu.Unlock()
}

func (u *User) IsRenameRequested() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.renameRequested
}

// Badges returns a copy of the user's chat badges
func (u *User) Badges() []protocol.Badge {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]protocol.Badge(nil), u.badges...)
}

func (u *User) SetBadges(badges []protocol.Badge) {
	u.mu.Lock()
	u.badges = append([]protocol.Badge(nil), badges...)
	u.mu.Unlock()
}

// RemainingCooldown is zero once the cooldown timer has run out
func (u *User) RemainingCooldown(now time.Time) time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.remainingCooldownLocked(now)
}

func (u *User) remainingCooldownLocked(now time.Time) time.Duration {
	if u.cooldownExpiry.After(now) {
		return u.cooldownExpiry.Sub(now)
	}
	return 0
}

// CanPlace reports whether a placement may proceed: the cooldown has passed,
// a stack credit is available, or the user overrides cooldown.
func (u *User) CanPlace(now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.overrideCooldown || u.stacked > 0 || u.remainingCooldownLocked(now) == 0
}

// AvailablePixels is the stack plus one when the cooldown is over
func (u *User) AvailablePixels(now time.Time) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := u.stacked
	if u.remainingCooldownLocked(now) == 0 {
		n++
	}
	return n
}

// CanUndo reports whether the latest placement is still undoable: it has not
// been undone yet and falls inside the undo window.
func (u *User) CanUndo(now time.Time, window time.Duration) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if window <= 0 || u.lastPixelTime.IsZero() {
		return false
	}
	if !u.lastUndoTime.Before(u.lastPixelTime) {
		return false
	}
	return now.Sub(u.lastPixelTime) < window
}

func (u *User) UndoWindowPassed(now time.Time, window time.Duration) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return now.Sub(u.lastPixelTime) >= window
}

// recordPlacement applies cooldown or stack bookkeeping for one placement and
// reports whether a stack credit paid for it.
func (u *User) recordPlacement(now time.Time, cooldown time.Duration) (fromStack bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastPixelTime = now
	if u.stacked > 0 {
		u.stacked--
		u.lastPlaceWasStack = true
		return true
	}
	u.lastPlaceWasStack = false
	u.cooldownExpiry = now.Add(cooldown)
	return false
}

// recordUndo resets the undo timer and clears the active cooldown
func (u *User) recordUndo(now time.Time) {
	u.mu.Lock()
	u.lastUndoTime = now
	u.cooldownExpiry = now
	u.mu.Unlock()
}

// refundStack returns a stack credit if the last placement consumed one.
func (u *User) refundStack(maxStacked int) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.lastPlaceWasStack {
		return false
	}
	u.stacked = min(u.stacked+1, maxStacked)
	return true
}

func (u *User) Stacked() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stacked
}

// PixelCounts returns the current and all-time placement totals
func (u *User) PixelCounts() (current, allTime int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pixelCount, u.pixelCountAllTime
}

func (u *User) addPixelCount(delta int) {
	u.mu.Lock()
	u.pixelCount = max(u.pixelCount+delta, 0)
	u.pixelCountAllTime = max(u.pixelCountAllTime+delta, 0)
	u.mu.Unlock()
}

func (u *User) IsFlaggedForCaptcha() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.flaggedForCaptcha
}

func (u *User) flagForCaptcha() {
	u.mu.Lock()
	u.flaggedForCaptcha = true
	u.mu.Unlock()
}

func (u *User) validateCaptcha() {
	u.mu.Lock()
	u.flaggedForCaptcha = false
	u.mu.Unlock()
}

// updateCaptchaFlagPrePlace rolls the per-placement captcha draw and returns
// whether the user is flagged. Overriding cooldown clears the flag.
func (u *User) updateCaptchaFlagPrePlace(threshold int, roll func() float64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.overrideCooldown {
		u.flaggedForCaptcha = false
		return false
	}
	if u.flaggedForCaptcha {
		return true
	}
	if threshold > 0 && roll() < 1/float64(threshold) {
		u.flaggedForCaptcha = true
	}
	return u.flaggedForCaptcha
}

func (u *User) setPenalty(kind database.PenaltyKind, p database.Penalty) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch kind {
	case database.PenaltyBan:
		u.ban = p
	case database.PenaltyChatban:
		u.chatban = p
	case database.PenaltyShadowban:
		u.shadowban = p
	}
}

// userInfo builds the user-info notice. The shadowban state is never included.
func (u *User) userInfo(now time.Time) *protocol.UserInfo {
	u.mu.Lock()
	defer u.mu.Unlock()
	method, _, _ := strings.Cut(u.Login, ":")
	info := &protocol.UserInfo{
		Username:         u.Name,
		Role:             u.role.String(),
		Method:           method,
		CooldownOverride: u.overrideCooldown,
		RenameRequested:  u.renameRequested,
	}
	if penaltyActive(u.ban, now) {
		info.Banned = true
		info.BanExpiry = u.ban.Expiry
		info.BanReason = u.ban.Reason
	}
	if penaltyActive(u.chatban, now) {
		info.Chatbanned = true
		info.ChatbanReason = u.chatban.Reason
		info.ChatbanIsPerma = u.chatban.Expiry == 0
		info.ChatbanExpiry = u.chatban.Expiry
	}
	return info
}

// chatbanState returns whether the chatban is permanent and its expiry
func (u *User) chatbanState(now time.Time) (perma bool, expiry int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !penaltyActive(u.chatban, now) {
		return false, 0
	}
	return u.chatban.Expiry == 0, u.chatban.Expiry
}

func (u *User) addConn(sess *Session) {
	u.connMu.Lock()
	u.conns[sess.ID] = sess
	u.connMu.Unlock()
}

// removeConn drops a connection and returns how many remain
func (u *User) removeConn(sess *Session) int {
	u.connMu.Lock()
	defer u.connMu.Unlock()
	delete(u.conns, sess.ID)
	return len(u.conns)
}

// Connections returns a snapshot of the user's live connections
func (u *User) Connections() []*Session {
	u.connMu.RLock()
	defer u.connMu.RUnlock()
	out := make([]*Session, 0, len(u.conns))
	for _, sess := range u.conns {
		out = append(out, sess)
	}
	return out
}

// UserStore is the persistence a UserManager loads accounts from
type UserStore interface {
	GetUserByLogin(login string) (*database.User, error)
}

// UserManager caches live User state by account ID so every connection of
// one account shares the same cooldown, stack and placing lock.
type UserManager struct {
	db           UserStore
	initialStack int

	mu     sync.Mutex
	byID   map[int64]*User
	byName map[string]*User
}

// NewUserManager creates a user manager
func NewUserManager(db UserStore, initialStack int) *UserManager {
	return &UserManager{
		db:           db,
		initialStack: initialStack,
		byID:         make(map[int64]*User),
		byName:       make(map[string]*User),
	}
}

// ErrUnknownLogin is returned when no account matches a login token
var ErrUnknownLogin = errors.New("unknown login")

// GetByLogin returns the live state for a login, loading it on first use
func (um *UserManager) GetByLogin(login string) (*User, error) {
	dbUser, err := um.db.GetUserByLogin(login)
	if errors.Is(err, database.ErrUserNotFound) {
		return nil, ErrUnknownLogin
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	um.mu.Lock()
	defer um.mu.Unlock()
	if u, ok := um.byID[dbUser.ID]; ok {
		return u, nil
	}
	u := newUser(dbUser, um.initialStack)
	um.byID[u.ID] = u
	um.byName[strings.ToLower(u.Name)] = u
	return u, nil
}

// GetByName returns a loaded user by display name, case-insensitively
func (um *UserManager) GetByName(name string) (*User, bool) {
	um.mu.Lock()
	defer um.mu.Unlock()
	u, ok := um.byName[strings.ToLower(name)]
	return u, ok
}
