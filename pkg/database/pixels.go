package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PixelWrite describes an applied placement
type PixelWrite struct {
	X         int
	Y         int
	Color     int
	UserID    int64
	ModAction bool
	Action    string
}

// UndoWrite describes the reversal of FromID. BackID is the record being
// restored, or 0 when the cell returns to its default color.
type UndoWrite struct {
	X      int
	Y      int
	Color  int
	UserID int64
	FromID int64
	BackID int64
}

const pixelColumns = `id, x, y, color, who, secondary_id, placed_at, mod_action, undone, undo_action, most_recent, action`

func scanPixel(row interface{ Scan(...any) error }) (*Pixel, error) {
	var p Pixel
	var secondary sql.NullInt64
	err := row.Scan(&p.ID, &p.X, &p.Y, &p.Color, &p.Who, &secondary, &p.PlacedAt,
		&p.ModAction, &p.Undone, &p.UndoAction, &p.MostRecent, &p.Action)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPixelNotFound
	}
	if err != nil {
		return nil, err
	}
	if secondary.Valid {
		p.SecondaryID = secondary.Int64
	}
	return &p, nil
}

// PutPixel records a placement. The new row becomes the most recent placement at
// its cell and links to the previous one through secondary_id. Non-mod placements
// count toward the user's pixel totals.
func (db *DB) PutPixel(w PixelWrite) (int64, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var previous sql.NullInt64
	err = tx.QueryRow(`
		SELECT id FROM Pixel
		WHERE x = ? AND y = ? AND most_recent = 1
		ORDER BY id DESC LIMIT 1
	`, w.X, w.Y).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to find previous pixel: %w", err)
	}

	if _, err := tx.Exec(`UPDATE Pixel SET most_recent = 0 WHERE x = ? AND y = ? AND most_recent = 1`, w.X, w.Y); err != nil {
		return 0, fmt.Errorf("failed to clear most recent: %w", err)
	}

	result, err := tx.Exec(`
		INSERT INTO Pixel (x, y, color, who, secondary_id, placed_at, mod_action, most_recent, action)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, w.X, w.Y, w.Color, w.UserID, previous, db.nowMillis(), w.ModAction, w.Action)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pixel: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	if !w.ModAction && w.UserID != 0 {
		if _, err := tx.Exec(`
			UPDATE User SET pixel_count = pixel_count + 1, pixel_count_alltime = pixel_count_alltime + 1
			WHERE id = ?
		`, w.UserID); err != nil {
			return 0, fmt.Errorf("failed to update pixel counts: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// PixelAt returns the most recent applied placement at (x, y).
func (db *DB) PixelAt(x, y int) (*Pixel, error) {
	row := db.conn.QueryRow(`
		SELECT `+pixelColumns+` FROM Pixel
		WHERE x = ? AND y = ? AND most_recent = 1
		ORDER BY id DESC LIMIT 1
	`, x, y)
	return scanPixel(row)
}

// PixelByID returns one placement record.
func (db *DB) PixelByID(id int64) (*Pixel, error) {
	if id == 0 {
		return nil, ErrPixelNotFound
	}
	row := db.conn.QueryRow(`SELECT `+pixelColumns+` FROM Pixel WHERE id = ?`, id)
	return scanPixel(row)
}

// UserUndoPixel returns the user's latest placement that has not been undone.
func (db *DB) UserUndoPixel(userID int64) (*Pixel, error) {
	row := db.conn.QueryRow(`
		SELECT `+pixelColumns+` FROM Pixel
		WHERE who = ? AND undone = 0 AND undo_action = 0
		ORDER BY id DESC LIMIT 1
	`, userID)
	return scanPixel(row)
}

// PutUserUndoPixel records an undo. FromID is marked undone, BackID (if any)
// becomes the most recent placement at the cell again, and an undo_action row
// is appended for the audit trail. Returns the id of the undo_action row.
func (db *DB) PutUserUndoPixel(w UndoWrite) (int64, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE Pixel SET most_recent = 0 WHERE x = ? AND y = ?`, w.X, w.Y); err != nil {
		return 0, fmt.Errorf("failed to clear most recent: %w", err)
	}
	if w.BackID != 0 {
		if _, err := tx.Exec(`UPDATE Pixel SET most_recent = 1 WHERE id = ?`, w.BackID); err != nil {
			return 0, fmt.Errorf("failed to restore pixel %d: %w", w.BackID, err)
		}
	}

	var modAction bool
	err = tx.QueryRow(`SELECT mod_action FROM Pixel WHERE id = ?`, w.FromID).Scan(&modAction)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrPixelNotFound
	}
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`UPDATE Pixel SET undone = 1 WHERE id = ?`, w.FromID); err != nil {
		return 0, fmt.Errorf("failed to mark pixel %d undone: %w", w.FromID, err)
	}

	result, err := tx.Exec(`
		INSERT INTO Pixel (x, y, color, who, secondary_id, placed_at, undo_action, most_recent, action)
		VALUES (?, ?, ?, ?, ?, ?, 1, 0, 'user undo')
	`, w.X, w.Y, w.Color, w.UserID, w.FromID, db.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("failed to insert undo action: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	if !modAction && w.UserID != 0 {
		if _, err := tx.Exec(`
			UPDATE User SET pixel_count = MAX(pixel_count - 1, 0), pixel_count_alltime = MAX(pixel_count_alltime - 1, 0)
			WHERE id = ?
		`, w.UserID); err != nil {
			return 0, fmt.Errorf("failed to update pixel counts: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// ShouldPixelTimeIncrease reports whether overwriting (x, y) counts as
// overwriting background: the cell has no applied placement, or (when
// maxAge > 0) its last placement by someone else is older than maxAge.
func (db *DB) ShouldPixelTimeIncrease(x, y int, userID int64, maxAge time.Duration) (bool, error) {
	p, err := db.PixelAt(x, y)
	if errors.Is(err, ErrPixelNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if maxAge <= 0 || p.Who == userID {
		return false, nil
	}
	return db.nowMillis()-p.PlacedAt > maxAge.Milliseconds(), nil
}

// ForEachCurrentPixel calls fn for every cell whose most recent placement is
// still applied, in insertion order.
func (db *DB) ForEachCurrentPixel(fn func(x, y, color int)) error {
	rows, err := db.conn.Query(`SELECT x, y, color FROM Pixel WHERE most_recent = 1 ORDER BY id ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var x, y, color int
		if err := rows.Scan(&x, &y, &color); err != nil {
			return err
		}
		fn(x, y, color)
	}
	return rows.Err()
}
