package database

import (
	"strings"

	"github.com/google/uuid"
)

// consoleAuthor is the display name stored for author 0
const consoleAuthor = "CONSOLE"

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// InsertChatMessage stores a chat line and returns its nonce. filtered is empty
// when the content filter did not change the message.
func (db *DB) InsertChatMessage(authorID, sentMillis int64, content, filtered string) (string, error) {
	nonce := newNonce()
	_, err := db.writeConn.Exec(`
		INSERT INTO ChatMessage (nonce, author, sent, content, filtered)
		VALUES (?, ?, ?, ?, ?)
	`, nonce, authorID, sentMillis, content, filtered)
	if err != nil {
		return "", err
	}
	return nonce, nil
}

// RecentChatMessages returns up to limit messages, oldest first.
func (db *DB) RecentChatMessages(limit int, includePurged bool) ([]*ChatMessage, error) {
	rows, err := db.conn.Query(`
		SELECT m.nonce, m.author, COALESCE(u.name, ''), m.sent, m.content, m.filtered, m.purged
		FROM (
			SELECT rowid AS rid, * FROM ChatMessage
			WHERE purged = 0 OR ?
			ORDER BY sent DESC, rowid DESC
			LIMIT ?
		) AS m
		LEFT JOIN User u ON u.id = m.author
		ORDER BY m.sent ASC, m.rid ASC
	`, includePurged, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		msg := &ChatMessage{}
		if err := rows.Scan(&msg.Nonce, &msg.AuthorID, &msg.AuthorName, &msg.Sent, &msg.Content, &msg.Filtered, &msg.Purged); err != nil {
			return nil, err
		}
		if msg.AuthorID == 0 {
			msg.AuthorName = consoleAuthor
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// PurgeChatMessages marks the author's latest amount messages as purged and
// returns how many rows changed.
func (db *DB) PurgeChatMessages(authorID int64, amount int, purgedBy int64, reason string) (int64, error) {
	result, err := db.writeConn.Exec(`
		UPDATE ChatMessage SET purged = 1, purged_by = ?, purge_reason = ?
		WHERE rowid IN (
			SELECT rowid FROM ChatMessage
			WHERE author = ? AND purged = 0
			ORDER BY sent DESC, rowid DESC
			LIMIT ?
		)
	`, purgedBy, reason, authorID, amount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PurgeChatMessage marks a single message as purged
func (db *DB) PurgeChatMessage(nonce string, purgedBy int64, reason string) error {
	result, err := db.writeConn.Exec(`
		UPDATE ChatMessage SET purged = 1, purged_by = ?, purge_reason = ?
		WHERE nonce = ?
	`, purgedBy, reason, nonce)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrChatMessageNotFound
	}
	return nil
}
