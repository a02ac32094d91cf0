package store

import "time"

// EnqueueOutbox parks a message in the offline outbox.
func (db *DB) EnqueueOutbox(messageSID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`INSERT INTO outbox (message_sid, created_at) VALUES (?, ?)`, messageSID, now)
	return err
}

// PendingOutbox returns parked messages strictly in enqueue order.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`SELECT id, message_sid, created_at FROM outbox ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.MessageSID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOutbox removes an entry after successful hand-off to the delivery
// pipeline.
func (db *DB) DeleteOutbox(id int64) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// PurgeOutbox drops a conversation's parked entries so a reset conversation
// never replays messages from the closed session.
func (db *DB) PurgeOutbox(waID string) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM outbox WHERE message_sid IN
			(SELECT sid FROM messages WHERE wa_id = ?)`, waID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// OutboxDepth returns the number of parked messages.
func (db *DB) OutboxDepth() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}
