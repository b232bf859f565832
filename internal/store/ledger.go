package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// LedgerEntry records one outbound broadcast and its per-channel delivery
// state. Undelivered entries are the retry surface on channel reconnect.
type LedgerEntry struct {
	ID            int64
	ChatJID       string
	Content       string
	Source        string
	Channels      []string        // intended channel names
	Delivered     map[string]bool // channel name → delivered
	Attempts      int
	CreatedAt     time.Time
	LastAttemptAt *time.Time
}

// RecordOutbound appends a ledger entry and returns its id.
func (s *Store) RecordOutbound(e LedgerEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Delivered == nil {
		e.Delivered = map[string]bool{}
	}
	channels, err := json.Marshal(e.Channels)
	if err != nil {
		return 0, fmt.Errorf("marshal channels: %w", err)
	}
	delivered, err := json.Marshal(e.Delivered)
	if err != nil {
		return 0, fmt.Errorf("marshal delivered: %w", err)
	}

	var id int64
	err = s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO outbound_ledger (chat_jid, content, source, channels, delivered, attempts, created_at, last_attempt_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ChatJID, e.Content, e.Source, string(channels), string(delivered),
			e.Attempts, FormatTime(e.CreatedAt), timePtr(e.LastAttemptAt),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// MarkDelivered flags one channel of a ledger entry as delivered and bumps
// the attempt counter.
func (s *Store) MarkDelivered(id int64, channel string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var raw string
		if err := tx.QueryRow(`SELECT delivered FROM outbound_ledger WHERE id = ?`, id).Scan(&raw); err != nil {
			return fmt.Errorf("ledger entry %d: %w", id, err)
		}
		delivered := map[string]bool{}
		_ = json.Unmarshal([]byte(raw), &delivered)
		delivered[channel] = true
		b, err := json.Marshal(delivered)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`UPDATE outbound_ledger SET delivered = ?, attempts = attempts + 1, last_attempt_at = ? WHERE id = ?`,
			string(b), FormatTime(time.Now()), id,
		)
		return err
	})
}

// BumpAttempt records a failed delivery attempt without marking delivered.
func (s *Store) BumpAttempt(id int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE outbound_ledger SET attempts = attempts + 1, last_attempt_at = ? WHERE id = ?`,
			FormatTime(time.Now()), id,
		)
		return err
	})
}

// UndeliveredFor returns entries that still owe a delivery to the named
// channel, bounded by maxAttempts, oldest first.
func (s *Store) UndeliveredFor(channel string, maxAttempts int) ([]LedgerEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_jid, content, source, channels, delivered, attempts, created_at, last_attempt_at
		 FROM outbound_ledger WHERE attempts < ? ORDER BY created_at ASC`,
		maxAttempts,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var (
			e           LedgerEntry
			channels    string
			delivered   string
			created     string
			lastAttempt sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ChatJID, &e.Content, &e.Source, &channels, &delivered, &e.Attempts, &created, &lastAttempt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(channels), &e.Channels)
		e.Delivered = map[string]bool{}
		_ = json.Unmarshal([]byte(delivered), &e.Delivered)
		if t, err := ParseTime(created); err == nil {
			e.CreatedAt = t
		}
		e.LastAttemptAt = nullTime(lastAttempt)

		intended := false
		for _, ch := range e.Channels {
			if ch == channel {
				intended = true
				break
			}
		}
		if intended && !e.Delivered[channel] {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}
