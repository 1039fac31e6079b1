package storage

import "time"

// CallRecord is one finished call attempt.
type CallRecord struct {
	ID             int64
	ConversationID string
	RemoteUserID   string
	Direction      string // "outgoing" | "incoming"
	Outcome        string // "completed" | "rejected" | "failed" | "cancelled"
	StartedAt      time.Time
	EndedAt        time.Time
}

// RecordCall appends a finished call attempt to the call log.
func (d *DB) RecordCall(r CallRecord) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		INSERT INTO _call_log (conversation_id, remote_user_id, direction, outcome, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ConversationID, r.RemoteUserID, r.Direction, r.Outcome,
		r.StartedAt.UnixMilli(), r.EndedAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListCalls returns up to limit call records for a conversation, newest first.
// An empty conversationID lists all conversations.
func (d *DB) ListCalls(conversationID string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, conversation_id, remote_user_id, direction, outcome, started_at, ended_at
		FROM _call_log
		WHERE ? = '' OR conversation_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		conversationID, conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var r CallRecord
		var started, ended int64
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.RemoteUserID, &r.Direction, &r.Outcome, &started, &ended); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		r.EndedAt = time.UnixMilli(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}
