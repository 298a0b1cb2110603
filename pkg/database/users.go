package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
)

// SeedUser is an account provisioned from configuration
type SeedUser struct {
	Name  string
	Login string
	Role  int
}

const userColumns = `id, name, login, role, pixel_count, pixel_count_alltime,
	banned, ban_expiry, ban_reason, chatbanned, chatban_expiry, chatban_reason,
	shadowbanned, shadowban_expiry, shadowban_reason,
	rename_requested, last_pixel_time, cooldown_expiry, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Login, &u.Role, &u.PixelCount, &u.PixelCountAllTime,
		&u.Ban.Active, &u.Ban.Expiry, &u.Ban.Reason,
		&u.Chatban.Active, &u.Chatban.Expiry, &u.Chatban.Reason,
		&u.Shadowban.Active, &u.Shadowban.Expiry, &u.Shadowban.Reason,
		&u.RenameRequested, &u.LastPixelTime, &u.CooldownExpiry, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SeedUsers creates the given accounts if their names are not taken yet
func (db *DB) SeedUsers(users []SeedUser) error {
	created := 0
	for _, u := range users {
		result, err := db.writeConn.Exec(`
			INSERT OR IGNORE INTO User (name, login, role, created_at)
			VALUES (?, ?, ?, ?)
		`, u.Name, u.Login, u.Role, db.nowMillis())
		if err != nil {
			return fmt.Errorf("failed to seed user %s: %w", u.Name, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			created++
		}
	}
	if created > 0 {
		log.Printf("Seeded %d users", created)
	}
	return nil
}

// CreateUser inserts a new account and returns its ID
func (db *DB) CreateUser(name, login string, role int) (int64, error) {
	result, err := db.writeConn.Exec(`
		INSERT INTO User (name, login, role, created_at)
		VALUES (?, ?, ?, ?)
	`, name, login, role, db.nowMillis())
	if err != nil {
		return 0, err // UNIQUE constraint violation if name or login taken
	}
	return result.LastInsertId()
}

// GetUserByLogin retrieves a user by login string
func (db *DB) GetUserByLogin(login string) (*User, error) {
	return scanUser(db.conn.QueryRow(`SELECT `+userColumns+` FROM User WHERE login = ?`, login))
}

// GetUserByID retrieves a user by ID
func (db *DB) GetUserByID(userID int64) (*User, error) {
	return scanUser(db.conn.QueryRow(`SELECT `+userColumns+` FROM User WHERE id = ?`, userID))
}

// GetUserByName retrieves a user by display name
func (db *DB) GetUserByName(name string) (*User, error) {
	return scanUser(db.conn.QueryRow(`SELECT `+userColumns+` FROM User WHERE name = ?`, name))
}

// UpdateUserPenalty writes one penalty state
func (db *DB) UpdateUserPenalty(userID int64, kind PenaltyKind, p Penalty) error {
	var stmt string
	switch kind {
	case PenaltyBan:
		stmt = `UPDATE User SET banned = ?, ban_expiry = ?, ban_reason = ? WHERE id = ?`
	case PenaltyChatban:
		stmt = `UPDATE User SET chatbanned = ?, chatban_expiry = ?, chatban_reason = ? WHERE id = ?`
	case PenaltyShadowban:
		stmt = `UPDATE User SET shadowbanned = ?, shadowban_expiry = ?, shadowban_reason = ? WHERE id = ?`
	default:
		return fmt.Errorf("unknown penalty kind %d", kind)
	}
	result, err := db.writeConn.Exec(stmt, p.Active, p.Expiry, p.Reason, userID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdateUserTime records a placement's cooldown so it survives reconnects
func (db *DB) UpdateUserTime(userID int64, cooldownSeconds int) error {
	now := db.nowMillis()
	_, err := db.writeConn.Exec(`
		UPDATE User SET last_pixel_time = ?, cooldown_expiry = ?
		WHERE id = ?
	`, now, now+int64(cooldownSeconds)*1000, userID)
	return err
}

// AdminLog appends one line to the admin log
func (db *DB) AdminLog(message string, userID int64) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO AdminLog (user_id, message, logged_at)
		VALUES (?, ?, ?)
	`, userID, message, db.nowMillis())
	return err
}

// AdminLogEntries returns the most recent admin log lines, newest first
func (db *DB) AdminLogEntries(limit int) ([]string, error) {
	rows, err := db.conn.Query(`SELECT message FROM AdminLog ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
