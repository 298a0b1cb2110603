package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrPixelNotFound indicates no placement record matches the query.
	ErrPixelNotFound = errors.New("pixel not found")
	// ErrUserNotFound indicates no user matches the query.
	ErrUserNotFound = errors.New("user not found")
	// ErrChatMessageNotFound indicates the nonce matches no chat message.
	ErrChatMessageNotFound = errors.New("chat message not found")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	now       func() time.Time
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// SQLite allows a single writer; serialize writes through one connection
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		now:       time.Now,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA foreign_keys = ON", "enable foreign keys"},
		{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
-- User table (accounts are provisioned externally or seeded from config)
CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	login TEXT NOT NULL UNIQUE,
	role INTEGER NOT NULL DEFAULT 1,
	pixel_count INTEGER NOT NULL DEFAULT 0,
	pixel_count_alltime INTEGER NOT NULL DEFAULT 0,
	banned INTEGER NOT NULL DEFAULT 0,
	ban_expiry INTEGER NOT NULL DEFAULT 0,
	ban_reason TEXT NOT NULL DEFAULT '',
	chatbanned INTEGER NOT NULL DEFAULT 0,
	chatban_expiry INTEGER NOT NULL DEFAULT 0,
	chatban_reason TEXT NOT NULL DEFAULT '',
	shadowbanned INTEGER NOT NULL DEFAULT 0,
	shadowban_expiry INTEGER NOT NULL DEFAULT 0,
	shadowban_reason TEXT NOT NULL DEFAULT '',
	rename_requested INTEGER NOT NULL DEFAULT 0,
	last_pixel_time INTEGER NOT NULL DEFAULT 0,
	cooldown_expiry INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

-- Pixel table: one row per applied placement or undo action
CREATE TABLE IF NOT EXISTS Pixel (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	color INTEGER NOT NULL,
	who INTEGER NOT NULL DEFAULT 0,
	secondary_id INTEGER,
	placed_at INTEGER NOT NULL,
	mod_action INTEGER NOT NULL DEFAULT 0,
	undone INTEGER NOT NULL DEFAULT 0,
	undo_action INTEGER NOT NULL DEFAULT 0,
	most_recent INTEGER NOT NULL DEFAULT 1,
	action TEXT NOT NULL DEFAULT ''
);

-- ChatMessage table (nonce is assigned at insert time)
CREATE TABLE IF NOT EXISTS ChatMessage (
	nonce TEXT PRIMARY KEY,
	author INTEGER NOT NULL DEFAULT 0,
	sent INTEGER NOT NULL,
	content TEXT NOT NULL,
	filtered TEXT NOT NULL DEFAULT '',
	purged INTEGER NOT NULL DEFAULT 0,
	purged_by INTEGER NOT NULL DEFAULT 0,
	purge_reason TEXT NOT NULL DEFAULT ''
);

-- AdminLog table
CREATE TABLE IF NOT EXISTS AdminLog (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL,
	logged_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pixel_position ON Pixel(x, y, most_recent);
CREATE INDEX IF NOT EXISTS idx_pixel_who ON Pixel(who, id);
CREATE INDEX IF NOT EXISTS idx_chat_sent ON ChatMessage(sent);
CREATE INDEX IF NOT EXISTS idx_chat_author ON ChatMessage(author, sent);
`
	_, err := db.writeConn.Exec(schema)
	return err
}

func (db *DB) nowMillis() int64 {
	return db.now().UnixMilli()
}

// Penalty is one ban-like state. Expiry is Unix milliseconds; 0 means permanent.
type Penalty struct {
	Active bool
	Expiry int64
	Reason string
}

// PenaltyKind selects which penalty columns UpdateUserPenalty writes.
type PenaltyKind int

const (
	PenaltyBan PenaltyKind = iota
	PenaltyChatban
	PenaltyShadowban
)

// User is a persisted account
type User struct {
	ID                int64
	Name              string
	Login             string // "<method>:<id>", e.g. "token:abc123"
	Role              int
	PixelCount        int
	PixelCountAllTime int
	Ban               Penalty
	Chatban           Penalty
	Shadowban         Penalty
	RenameRequested   bool
	LastPixelTime     int64 // Unix milliseconds
	CooldownExpiry    int64 // Unix milliseconds
	CreatedAt         int64
}

// Pixel is one row of placement history
type Pixel struct {
	ID          int64
	X           int
	Y           int
	Color       int
	Who         int64
	SecondaryID int64 // 0 when the placement has no predecessor at its cell
	PlacedAt    int64 // Unix milliseconds
	ModAction   bool
	Undone      bool
	UndoAction  bool
	MostRecent  bool
	Action      string
}

// ChatMessage is one persisted chat line
type ChatMessage struct {
	Nonce      string
	AuthorID   int64 // 0 for console
	AuthorName string
	Sent       int64 // Unix milliseconds
	Content    string
	Filtered   string // empty when the filter did not change the message
	Purged     bool
}
