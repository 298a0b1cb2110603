package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/aeolun/pixelcanvas/pkg/captcha"
	"github.com/aeolun/pixelcanvas/pkg/chatfilter"
	"github.com/aeolun/pixelcanvas/pkg/database"
	"github.com/aeolun/pixelcanvas/pkg/protocol"
	"github.com/aeolun/pixelcanvas/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// limiterIdleTimeout is how long a user's chat limiter survives without use
const limiterIdleTimeout = 10 * time.Minute

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	// pixelLog records placements faked for shadowbanned users
	pixelLog = log.New(io.Discard, "SHADOWBAN: ", log.LstdFlags)
)

// Canvas is the pixel grid the engines read and paint
type Canvas interface {
	Width() int
	Height() int
	PaletteSize() int
	Pixel(x, y int) int
	DefaultColor(x, y int) int
	Placemap(x, y int) (kind int, ok bool)
	SetPixel(x, y, color int)
}

// Store is the persistence the engines write placements, chat and audit
// entries to. *database.DB satisfies it.
type Store interface {
	UserStore
	GetUserByName(name string) (*database.User, error)
	UpdateUserPenalty(userID int64, kind database.PenaltyKind, p database.Penalty) error
	UpdateUserTime(userID int64, cooldownSeconds int) error
	AdminLog(message string, userID int64) error

	PutPixel(w database.PixelWrite) (int64, error)
	PixelAt(x, y int) (*database.Pixel, error)
	PixelByID(id int64) (*database.Pixel, error)
	UserUndoPixel(userID int64) (*database.Pixel, error)
	PutUserUndoPixel(w database.UndoWrite) (int64, error)
	ShouldPixelTimeIncrease(x, y int, userID int64, maxAge time.Duration) (bool, error)

	InsertChatMessage(authorID, sentMillis int64, content, filtered string) (string, error)
	RecentChatMessages(limit int, includePurged bool) ([]*database.ChatMessage, error)
	PurgeChatMessages(authorID int64, amount int, purgedBy int64, reason string) (int64, error)
	PurgeChatMessage(nonce string, purgedBy int64, reason string) error
}

// Verifier checks captcha tokens without blocking the caller. done runs
// once, on another goroutine.
type Verifier interface {
	Verify(ctx context.Context, token string, done func(captcha.Result, error))
}

// RateLimiter reports how long a keyed action must wait. A zero result means
// the action is allowed and has been counted.
type RateLimiter interface {
	Remaining(purpose, key string) time.Duration
}

// ChatFilter rewrites chat text that matches moderation patterns
type ChatFilter interface {
	Filter(text string) chatfilter.Result
}

// Options carries the optional collaborators of a Server. Nil fields get
// defaults built from the config.
type Options struct {
	Verifier   Verifier
	Limiter    RateLimiter
	Filter     ChatFilter
	Registerer prometheus.Registerer
	// Gatherer backs /metrics. When nil it is the Registerer if that is
	// also a Gatherer, otherwise the default gatherer.
	Gatherer prometheus.Gatherer
}

// Server is the pixel canvas real-time server
type Server struct {
	config   ServerConfig
	canvas   Canvas
	db       Store
	users    *UserManager
	sessions *SessionManager
	limiter  RateLimiter
	filter   ChatFilter
	captcha  Verifier
	metrics  *Metrics
	gatherer prometheus.Gatherer

	onlineCount *throttle
	now         func() time.Time
	roll        func() float64

	ctx    context.Context
	cancel context.CancelFunc

	httpServer    *http.Server
	metricsServer *http.Server
	wg            sync.WaitGroup
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, db Store, board Canvas, opts Options) (*Server, error) {
	if board.PaletteSize() == 0 {
		return nil, errors.New("palette must not be empty")
	}

	s := &Server{
		config:   config,
		canvas:   board,
		db:       db,
		users:    NewUserManager(db, config.InitialStack),
		sessions: NewSessionManager(),
		limiter:  opts.Limiter,
		filter:   opts.Filter,
		captcha:  opts.Verifier,
		now:      time.Now,
		roll:     rand.Float64,
	}

	if s.limiter == nil {
		s.limiter = ratelimit.New(map[string]ratelimit.Rule{
			chatRatePurpose: {Burst: config.ChatRateLimitBurst, Period: config.ChatRateLimitPeriod},
		})
	}
	if s.filter == nil && config.ChatFilterEnabled {
		f, err := chatfilter.New(config.ChatFilterPatterns)
		if err != nil {
			return nil, fmt.Errorf("failed to compile chat filter: %w", err)
		}
		s.filter = f
	}
	if s.captcha == nil {
		s.captcha = captcha.NewVerifier(config.CaptchaSecret, captcha.DefaultVerifyURL)
	}
	if opts.Registerer != nil {
		s.metrics = NewMetrics(opts.Registerer)
		s.sessions.SetMetrics(s.metrics)
	}
	s.gatherer = opts.Gatherer
	if s.gatherer == nil {
		if g, ok := opts.Registerer.(prometheus.Gatherer); ok {
			s.gatherer = g
		} else {
			s.gatherer = prometheus.DefaultGatherer
		}
	}

	interval := config.OnlineCountInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.onlineCount = newThrottle(interval, s.broadcastOnlineCount)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s, nil
}

// Sessions exposes the session manager
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Users exposes the user manager
func (s *Server) Users() *UserManager {
	return s.users
}

// InitLoggers sets up the error, debug and shadowban loggers under dataDir
func InitLoggers(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Error log goes to stderr and errors.log
	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Write startup marker to errors.log (for distinguishing between runs)
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	pixelFile, err := os.OpenFile(filepath.Join(dataDir, "shadowbanned.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	pixelLog = log.New(pixelFile, "", log.LstdFlags)

	// Redirect standard log (used by database package) to stdout and server.log
	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func EnableDebugLogging(dataDir string) {
	debugLogFile, err := os.OpenFile(filepath.Join(dataDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}
	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start starts the public websocket server and the internal metrics server
func (s *Server) Start() error {
	publicMux := http.NewServeMux()
	publicMux.HandleFunc("/ws", s.HandleWebSocket)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           publicMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.metricsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler:           s.metricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(4)
	go s.limiterCleanupLoop()
	go s.statsLoggingLoop()
	go func() {
		defer s.wg.Done()
		log.Printf("Public HTTP server listening on %s (/ws)", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("Public HTTP server error: %v", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsServer.Addr)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("Metrics server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	s.cancel()
	s.onlineCount.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if s.httpServer != nil {
		errs = append(errs, s.httpServer.Shutdown(ctx))
	}
	if s.metricsServer != nil {
		errs = append(errs, s.metricsServer.Shutdown(ctx))
	}

	log.Println("Closing all client sessions...")
	s.sessions.CloseAll()
	s.wg.Wait()

	log.Println("Graceful shutdown complete")
	return errors.Join(errs...)
}

// metricsMux serves /metrics from the server's gatherer and /health
func (s *Server) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

// sweeper is implemented by limiters that can drop idle keys
type sweeper interface {
	Sweep(maxIdle time.Duration) int
}

// limiterCleanupLoop periodically evicts rate limit state for idle users
func (s *Server) limiterCleanupLoop() {
	defer s.wg.Done()

	sw, ok := s.limiter.(sweeper)
	if !ok {
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := sw.Sweep(limiterIdleTimeout); n > 0 {
				debugLog.Printf("Evicted %d idle rate limit entries", n)
			}
		}
	}
}

// statsLoggingLoop periodically logs connection counts
func (s *Server) statsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			log.Printf("[STATS] connections: %d, online users: %d, goroutines: %d",
				s.sessions.Count(), s.sessions.AuthedCount(), runtime.NumGoroutine())
		}
	}
}

// HealthHandler reports liveness and the connection counts
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "ok connections=%d users=%d\n", s.sessions.Count(), s.sessions.AuthedCount())
}

// PixelHistory yields the current placement of every painted cell
type PixelHistory interface {
	ForEachCurrentPixel(fn func(x, y, color int)) error
}

// ReplayBoard paints every current placement from history onto the board
func ReplayBoard(db PixelHistory, board Canvas) (int, error) {
	n := 0
	err := db.ForEachCurrentPixel(func(x, y, color int) {
		board.SetPixel(x, y, color)
		n++
	})
	return n, err
}

// Connect announces a new connection. Authenticated users get their state and
// join the online set; every connection counts toward the online broadcast.
func (s *Server) Connect(sess *Session) {
	if u := sess.User; u != nil {
		s.sessions.attachUser(u, sess)
		s.sendUserInfo(sess, u)
		s.sendCooldown(sess, u)
		u.flagForCaptcha()
		s.sendAvailablePixels(sess, u, "connect")
	}
	s.onlineCount.Trigger()
}

// Disconnect removes a connection. It is safe to call more than once.
func (s *Server) Disconnect(sess *Session) {
	if _, ok := s.sessions.RemoveSession(sess.ID); !ok {
		return
	}
	if u := sess.User; u != nil {
		s.sessions.detachUser(u, sess)
	}
	debugLog.Printf("Session %d: disconnected", sess.ID)
	s.onlineCount.Trigger()
}

func (s *Server) broadcastOnlineCount() {
	if s.metrics != nil {
		s.metrics.RecordOnlineCount()
	}
	s.broadcast(&protocol.Users{Count: s.sessions.AuthedCount()})
}
