package store

import (
	"database/sql"
	"time"
)

// InsertMessage stores a new message. A SID is generated when absent.
func (db *DB) InsertMessage(m *Message) error {
	if m.SID == "" {
		m.SID = NewSID()
	}
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	res, err := db.Exec(`
		INSERT INTO messages (sid, wa_id, direction, body, is_template, status, error_code, submitted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SID, m.WaID, m.Direction, m.Body, m.IsTemplate, m.Status, m.ErrorCode, m.Submitted, m.CreatedAt, now)
	if err != nil {
		return err
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// GetMessage returns a message by SID, or nil when absent.
func (db *DB) GetMessage(sid string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, sid, wa_id, direction, body, is_template, status, error_code, submitted, created_at, updated_at
		FROM messages WHERE sid = ?`, sid).
		Scan(&m.ID, &m.SID, &m.WaID, &m.Direction, &m.Body, &m.IsTemplate, &m.Status, &m.ErrorCode, &m.Submitted, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a conversation's messages in chronological order.
func (db *DB) ListMessages(waID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, sid, wa_id, direction, body, is_template, status, error_code, submitted, created_at, updated_at
		FROM messages WHERE wa_id = ? ORDER BY id ASC LIMIT ?`, waID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// Advanceable returns outbound messages eligible for one more status step:
// submitted, not terminal, and not in an archived conversation. Ordered by
// insertion so transitions for a single message stay strictly ordered.
func (db *DB) Advanceable() ([]Message, error) {
	rows, err := db.Query(`
		SELECT m.id, m.sid, m.wa_id, m.direction, m.body, m.is_template, m.status, m.error_code, m.submitted, m.created_at, m.updated_at
		FROM messages m
		JOIN conversations c ON c.wa_id = m.wa_id
		WHERE m.direction = 'outbound'
		  AND m.submitted = 1
		  AND m.status IN ('queued', 'sent', 'delivered')
		  AND c.archived = 0
		ORDER BY m.id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// AdvanceStatus moves a message from one status to the next. The guarded
// WHERE clause makes the advance atomic and forward-only: a row whose status
// already moved on (or reached a terminal state) is left untouched and the
// call reports false.
func (db *DB) AdvanceStatus(sid, from, to string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE messages SET status = ?, updated_at = ?
		WHERE sid = ? AND status = ? AND status NOT IN ('read', 'failed')`,
		to, now, sid, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkFailed moves a message to the terminal failed state with a provider
// error code. No-op once the message is read or failed.
func (db *DB) MarkFailed(sid string, errorCode int) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE messages SET status = 'failed', error_code = ?, updated_at = ?
		WHERE sid = ? AND status NOT IN ('read', 'failed')`,
		errorCode, now, sid)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RetireInFlight withdraws a conversation's in-flight outbound messages from
// the delivery pipeline by clearing submitted. Run at reset time so a later
// reopened session never replays stale status updates.
func (db *DB) RetireInFlight(waID string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE messages SET submitted = 0, updated_at = ?
		WHERE wa_id = ? AND direction = 'outbound' AND submitted = 1
		  AND status IN ('queued', 'sent', 'delivered')`,
		now, waID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkSubmitted flags a queued message as handed to the delivery pipeline.
func (db *DB) MarkSubmitted(sid string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE messages SET submitted = 1, updated_at = ? WHERE sid = ?`, now, sid)
	return err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SID, &m.WaID, &m.Direction, &m.Body, &m.IsTemplate, &m.Status, &m.ErrorCode, &m.Submitted, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
