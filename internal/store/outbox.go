package store

import "time"

// InsertOutbox appends an entry to the outbound queue and fills in its
// generated row id.
func (db *DB) InsertOutbox(e *OutboxEntry) error {
	res, err := db.Exec(`
		INSERT INTO outbox (local_id, kind, target_id, encrypted_content, status, attempts, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.LocalID, e.Kind, e.TargetID, e.EncryptedContent, e.Status, e.Attempts, formatTime(e.QueuedAt))
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

// UpdateOutbox rewrites the mutable fields of an entry identified by local id.
// Returns the number of rows affected (0 when the id is unknown).
func (db *DB) UpdateOutbox(e *OutboxEntry) (int64, error) {
	res, err := db.Exec(`
		UPDATE outbox
		SET status = ?, attempts = ?, last_attempt = ?, sent_at = ?, failed_at = ?,
		    server_id = ?, server_timestamp = ?
		WHERE local_id = ?`,
		e.Status, e.Attempts, formatTime(e.LastAttempt), formatTime(e.SentAt), formatTime(e.FailedAt),
		e.ServerID, formatTime(e.ServerTimestamp), e.LocalID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetOutbox returns a single entry by local id, or nil if not found.
func (db *DB) GetOutbox(localID string) (*OutboxEntry, error) {
	rows, err := db.Query(outboxSelect+` WHERE local_id = ?`, localID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanOutbox(rows)
	if err != nil {
		return nil, err
	}
	return e, rows.Err()
}

// OutboxByStatus returns entries with the given status in insertion order.
func (db *DB) OutboxByStatus(status string) ([]OutboxEntry, error) {
	rows, err := db.Query(outboxSelect+` WHERE status = ? ORDER BY id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// AllOutbox returns every entry in insertion order.
func (db *DB) AllOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(outboxSelect + ` ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// DeleteOutbox removes an entry by local id. Returns true if a row was deleted.
func (db *DB) DeleteOutbox(localID string) (bool, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE local_id = ?`, localID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteOutboxSentBefore purges entries in any of the given statuses whose
// sent_at stamp is older than cutoff. Returns the number of rows removed.
func (db *DB) DeleteOutboxSentBefore(statuses []string, cutoff time.Time) (int64, error) {
	var total int64
	for _, status := range statuses {
		res, err := db.Exec(
			`DELETE FROM outbox WHERE status = ? AND sent_at != '' AND sent_at < ?`,
			status, formatTime(cutoff))
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// DropOldestOutboxHalf deletes the oldest half of the queue. This is the
// degrade-under-pressure policy for storage exhaustion: losing old entries
// is preferred over being unable to persist new ones.
func (db *DB) DropOldestOutboxHalf() error {
	_, err := db.Exec(`
		DELETE FROM outbox WHERE id IN (
			SELECT id FROM outbox ORDER BY id ASC
			LIMIT (SELECT COUNT(*) / 2 FROM outbox)
		)`)
	return err
}

const outboxSelect = `
	SELECT id, local_id, kind, target_id, encrypted_content, status, attempts,
	       queued_at, last_attempt, sent_at, failed_at, server_id, server_timestamp
	FROM outbox`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutbox(rows rowScanner) (*OutboxEntry, error) {
	var e OutboxEntry
	var queuedAt, lastAttempt, sentAt, failedAt, serverTS string
	if err := rows.Scan(&e.ID, &e.LocalID, &e.Kind, &e.TargetID, &e.EncryptedContent, &e.Status, &e.Attempts,
		&queuedAt, &lastAttempt, &sentAt, &failedAt, &e.ServerID, &serverTS); err != nil {
		return nil, err
	}
	e.QueuedAt = parseTime(queuedAt)
	e.LastAttempt = parseTime(lastAttempt)
	e.SentAt = parseTime(sentAt)
	e.FailedAt = parseTime(failedAt)
	e.ServerTimestamp = parseTime(serverTS)
	return &e, nil
}
