package storage

import (
	"database/sql"
	"errors"
	"time"
)

// Contact is the last known display name of a remote user, learned from
// signaling (offers carry fromUserName).
type Contact struct {
	UserID   string
	UserName string
	LastSeen time.Time
}

// UpsertContact stores the name for userID. An empty name never overwrites a
// known one.
func (d *DB) UpsertContact(userID, userName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _contacts (user_id, user_name, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			user_name = CASE WHEN excluded.user_name = '' THEN _contacts.user_name ELSE excluded.user_name END,
			last_seen = excluded.last_seen`,
		userID, userName, time.Now().UnixMilli(),
	)
	return err
}

// ContactName returns the stored name for userID, or "" if unknown.
func (d *DB) ContactName(userID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var name string
	err := d.db.QueryRow(`SELECT user_name FROM _contacts WHERE user_id = ?`, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return ""
	}
	return name
}

// ListContacts returns all known contacts, most recently seen first.
func (d *DB) ListContacts() ([]Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT user_id, user_name, last_seen FROM _contacts ORDER BY last_seen DESC, user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		var seen int64
		if err := rows.Scan(&c.UserID, &c.UserName, &seen); err != nil {
			return nil, err
		}
		c.LastSeen = time.UnixMilli(seen)
		out = append(out, c)
	}
	return out, rows.Err()
}
