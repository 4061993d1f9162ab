package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on kind + peer + server id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (kind, peer_id, server_id, sender_id, body, from_me, undecryptable, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, peer_id, server_id) DO UPDATE SET
			body = excluded.body,
			undecryptable = excluded.undecryptable`,
		m.Kind, m.PeerID, m.ServerID, m.SenderID, m.Body, m.FromMe, m.Undecryptable, formatTime(m.Timestamp), now)
	return err
}

// PromoteMessage swaps a local echo's placeholder server id for the real
// one after the server acknowledges the send. If catch-up sync already
// inserted the acknowledged copy, the echo row replaces it.
func (db *DB) PromoteMessage(kind string, peerID, placeholderID, serverID int64, timestamp time.Time) error {
	_, err := db.Exec(`
		UPDATE OR REPLACE messages
		SET server_id = ?, timestamp = ?
		WHERE kind = ? AND peer_id = ? AND server_id = ?`,
		serverID, formatTime(timestamp), kind, peerID, placeholderID)
	return err
}

// ListMessages returns messages for a conversation in timestamp order.
func (db *DB) ListMessages(kind string, peerID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, kind, peer_id, server_id, sender_id, body, from_me, undecryptable, timestamp
		FROM messages
		WHERE kind = ? AND peer_id = ?
		ORDER BY timestamp ASC
		LIMIT ?`, kind, peerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.Kind, &m.PeerID, &m.ServerID, &m.SenderID, &m.Body, &m.FromMe, &m.Undecryptable, &ts); err != nil {
			return nil, err
		}
		m.Timestamp = parseTime(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
