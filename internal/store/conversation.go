package store

import "time"

// UpsertConversation inserts or refreshes a conversation row. The name is
// only overwritten when the new value is non-empty, and last_message_at
// only moves forward.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (kind, peer_id, name, unread_count, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, peer_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE conversations.name END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.Kind, c.PeerID, c.Name, c.UnreadCount, formatTime(c.LastMessageAt), now)
	return err
}

// ListConversations returns all known conversations of a kind, most
// recently active first.
func (db *DB) ListConversations(kind string) ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, kind, peer_id, name, unread_count, last_message_at
		FROM conversations
		WHERE kind = ?
		ORDER BY last_message_at DESC`, kind)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var last string
		if err := rows.Scan(&c.ID, &c.Kind, &c.PeerID, &c.Name, &c.UnreadCount, &last); err != nil {
			return nil, err
		}
		c.LastMessageAt = parseTime(last)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// IncrementUnread bumps a conversation's unread counter, creating the row
// if the conversation is new. Returns the new count.
func (db *DB) IncrementUnread(kind string, peerID int64) (int, error) {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (kind, peer_id, unread_count, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(kind, peer_id) DO UPDATE SET
			unread_count = conversations.unread_count + 1,
			updated_at = excluded.updated_at`,
		kind, peerID, now)
	if err != nil {
		return 0, err
	}
	var count int
	err = db.QueryRow(`SELECT unread_count FROM conversations WHERE kind = ? AND peer_id = ?`, kind, peerID).Scan(&count)
	return count, err
}

// ClearUnread zeroes a conversation's unread counter.
func (db *DB) ClearUnread(kind string, peerID int64) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0 WHERE kind = ? AND peer_id = ?`, kind, peerID)
	return err
}
