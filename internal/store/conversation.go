package store

import (
	"database/sql"
	"time"
)

// UpsertConversation writes the full conversation value (idempotent on
// wa_id). Callers construct a new value rather than mutating a shared one;
// the row is the single source of truth.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (wa_id, business_number, last_inbound_at, opt_in_state, blocked, archived,
			inbound_url, status_callback_url, fallback_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wa_id) DO UPDATE SET
			business_number = excluded.business_number,
			last_inbound_at = excluded.last_inbound_at,
			opt_in_state = excluded.opt_in_state,
			blocked = excluded.blocked,
			archived = excluded.archived,
			inbound_url = excluded.inbound_url,
			status_callback_url = excluded.status_callback_url,
			fallback_url = excluded.fallback_url,
			updated_at = excluded.updated_at`,
		c.WaID, c.BusinessNumber, c.LastInboundAt, c.OptInState, c.Blocked, c.Archived,
		c.InboundURL, c.StatusCallbackURL, c.FallbackURL, now, now)
	return err
}

// GetConversation returns a conversation by wa_id, or nil when absent.
func (db *DB) GetConversation(waID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT wa_id, business_number, last_inbound_at, opt_in_state, blocked, archived,
			inbound_url, status_callback_url, fallback_url, created_at, updated_at
		FROM conversations WHERE wa_id = ?`, waID).
		Scan(&c.WaID, &c.BusinessNumber, &c.LastInboundAt, &c.OptInState, &c.Blocked, &c.Archived,
			&c.InboundURL, &c.StatusCallbackURL, &c.FallbackURL, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations ordered by most recent activity.
// Archived conversations are included; they are history, not deletions.
func (db *DB) ListConversations(limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT wa_id, business_number, last_inbound_at, opt_in_state, blocked, archived,
			inbound_url, status_callback_url, fallback_url, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.WaID, &c.BusinessNumber, &c.LastInboundAt, &c.OptInState, &c.Blocked, &c.Archived,
			&c.InboundURL, &c.StatusCallbackURL, &c.FallbackURL, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ArchiveConversation marks a conversation archived. Its messages stop
// advancing through the status machine from the next tick on.
func (db *DB) ArchiveConversation(waID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET archived = 1, updated_at = ? WHERE wa_id = ?`, now, waID)
	return err
}
