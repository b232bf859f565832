package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pynchy/pynchy/internal/bus"
)

// userOriginSQL matches the bus.Message.UserOrigin predicate in SQL so the
// cursor queries never return internal senders.
const userOriginSQL = "(instr(sender, '@') > 0 OR sender = 'tui_user' OR sender = 'deploy')"

// StoreMessage appends one message, creating the chat row if needed.
// Duplicate (id, chat_jid) pairs are ignored so channel history
// reconciliation can re-insert without conflict.
func (s *Store) StoreMessage(m bus.Message) error {
	var meta sql.NullString
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	if m.Type == "" {
		m.Type = bus.TypeUser
	}

	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO chats (jid, name) VALUES (?, ?) ON CONFLICT(jid) DO NOTHING`,
			m.ChatJID, m.SenderName,
		); err != nil {
			return fmt.Errorf("ensure chat: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO messages (id, chat_jid, sender, sender_name, content, timestamp, is_from_me, message_type, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id, chat_jid) DO NOTHING`,
			m.ID, m.ChatJID, m.Sender, m.SenderName, m.Content,
			FormatTime(m.Timestamp), boolInt(m.IsFromMe), m.Type, meta,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// GetNewMessages returns user-origin messages strictly newer than since,
// scoped to the given chat JIDs (canonical or alias), oldest first.
func (s *Store) GetNewMessages(since time.Time, jids []string) ([]bus.Message, error) {
	if len(jids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(jids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(jids)+1)
	args = append(args, FormatTime(since))
	for _, j := range jids {
		args = append(args, j)
	}

	rows, err := s.db.Query(
		`SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, message_type, metadata
		 FROM messages
		 WHERE timestamp > ? AND chat_jid IN (`+placeholders+`) AND `+userOriginSQL+`
		 ORDER BY timestamp ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query new messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetMessagesSince returns user-origin messages for one chat strictly newer
// than since, oldest first. Used to build the batch handed to the agent.
func (s *Store) GetMessagesSince(jid string, since time.Time) ([]bus.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, message_type, metadata
		 FROM messages
		 WHERE chat_jid = ? AND timestamp > ? AND `+userOriginSQL+`
		 ORDER BY timestamp ASC`,
		jid, FormatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetChatHistory returns the newest limit messages of a chat regardless of
// sender, oldest first, hiding anything at or before the cleared-at marker.
func (s *Store) GetChatHistory(jid string, limit int) ([]bus.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var cleared sql.NullString
	if err := s.db.QueryRow(`SELECT cleared_at FROM chats WHERE jid = ?`, jid).Scan(&cleared); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("query cleared_at: %w", err)
	}
	clearedAt := ""
	if cleared.Valid {
		clearedAt = cleared.String
	}

	rows, err := s.db.Query(
		`SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, message_type, metadata
		 FROM (
		   SELECT * FROM messages
		   WHERE chat_jid = ? AND (? = '' OR timestamp > ?)
		   ORDER BY timestamp DESC LIMIT ?
		 ) ORDER BY timestamp ASC`,
		jid, clearedAt, clearedAt, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkChatCleared sets the cleared-at marker; history views hide everything
// at or before it. Nothing is deleted.
func (s *Store) MarkChatCleared(jid string, at time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO chats (jid, cleared_at) VALUES (?, ?)
			 ON CONFLICT(jid) DO UPDATE SET cleared_at = excluded.cleared_at`,
			jid, FormatTime(at),
		)
		return err
	})
}

// LastUserMessage returns the newest user-origin message in a chat, or nil.
func (s *Store) LastUserMessage(jid string) (*bus.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, message_type, metadata
		 FROM messages
		 WHERE chat_jid = ? AND `+userOriginSQL+`
		 ORDER BY timestamp DESC LIMIT 1`,
		jid,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

func scanMessages(rows *sql.Rows) ([]bus.Message, error) {
	var out []bus.Message
	for rows.Next() {
		var (
			m        bus.Message
			ts       string
			isFromMe int
			meta     sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content, &ts, &isFromMe, &m.Type, &meta); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		m.Timestamp = t
		m.IsFromMe = isFromMe != 0
		if meta.Valid && meta.String != "" {
			// Tolerate unreadable metadata rather than dropping the row.
			_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
