package store

import "time"

// InsertWebhookEvent records one webhook delivery attempt. Rows are
// write-once; there is no update path.
func (db *DB) InsertWebhookEvent(e *WebhookEvent) error {
	now := time.Now().UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	res, err := db.Exec(`
		INSERT INTO webhook_events (type, message_sid, url, payload, status_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Type, e.MessageSID, e.URL, e.Payload, e.StatusCode, e.CreatedAt)
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListWebhookEvents returns recorded events in emission order, optionally
// filtered by type ("" = all).
func (db *DB) ListWebhookEvents(eventType string, limit int) ([]WebhookEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT id, type, message_sid, url, payload, status_code, created_at
		FROM webhook_events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []WebhookEvent
	for rows.Next() {
		var e WebhookEvent
		if err := rows.Scan(&e.ID, &e.Type, &e.MessageSID, &e.URL, &e.Payload, &e.StatusCode, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
