package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Workspace is the identity of one chat-bound agent sandbox. One per
// canonical JID; never destroyed by the core.
type Workspace struct {
	JID            string
	Name           string
	Folder         string
	TriggerPattern string
	IsAdmin        bool
	AddedAt        time.Time
}

// Alias maps a per-channel JID to a canonical JID.
type Alias struct {
	Alias     string
	Canonical string
	Channel   string
}

// Router-state keys. Per-workspace agent cursors are stored under
// agentCursorPrefix + canonical JID.
const (
	keyLastTimestamp    = "last_timestamp"
	agentCursorPrefix   = "last_agent_timestamp:"
	channelCursorPrefix = "channel_cursor:"
)

// UpsertWorkspace registers or updates a workspace profile. Re-registering an
// existing JID updates name, folder and trigger without duplicating.
func (s *Store) UpsertWorkspace(w Workspace) error {
	if w.AddedAt.IsZero() {
		w.AddedAt = time.Now()
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO workspace_profiles (jid, name, folder, trigger_pattern, is_admin, added_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(jid) DO UPDATE SET
			   name = excluded.name,
			   folder = excluded.folder,
			   trigger_pattern = excluded.trigger_pattern,
			   is_admin = excluded.is_admin`,
			w.JID, w.Name, w.Folder, w.TriggerPattern, boolInt(w.IsAdmin), FormatTime(w.AddedAt),
		)
		return err
	})
}

// GetWorkspace looks up a profile by canonical JID.
func (s *Store) GetWorkspace(jid string) (*Workspace, error) {
	row := s.db.QueryRow(
		`SELECT jid, name, folder, trigger_pattern, is_admin, added_at FROM workspace_profiles WHERE jid = ?`,
		jid,
	)
	return scanWorkspace(row)
}

// GetWorkspaceByFolder looks up a profile by its on-disk folder name.
func (s *Store) GetWorkspaceByFolder(folder string) (*Workspace, error) {
	row := s.db.QueryRow(
		`SELECT jid, name, folder, trigger_pattern, is_admin, added_at FROM workspace_profiles WHERE folder = ?`,
		folder,
	)
	return scanWorkspace(row)
}

// ListWorkspaces returns all registered profiles ordered by added-at.
func (s *Store) ListWorkspaces() ([]Workspace, error) {
	rows, err := s.db.Query(
		`SELECT jid, name, folder, trigger_pattern, is_admin, added_at FROM workspace_profiles ORDER BY added_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var (
			w       Workspace
			isAdmin int
			added   string
		)
		if err := rows.Scan(&w.JID, &w.Name, &w.Folder, &w.TriggerPattern, &isAdmin, &added); err != nil {
			return nil, err
		}
		w.IsAdmin = isAdmin != 0
		if t, err := ParseTime(added); err == nil {
			w.AddedAt = t
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorkspace(row *sql.Row) (*Workspace, error) {
	var (
		w       Workspace
		isAdmin int
		added   string
	)
	err := row.Scan(&w.JID, &w.Name, &w.Folder, &w.TriggerPattern, &isAdmin, &added)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.IsAdmin = isAdmin != 0
	if t, err := ParseTime(added); err == nil {
		w.AddedAt = t
	}
	return &w, nil
}

// UpsertAlias maps a per-channel JID onto a canonical JID. Aliases form a
// function: re-inserting an alias repoints it.
func (s *Store) UpsertAlias(alias, canonical, channel string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO jid_aliases (alias, canonical, channel) VALUES (?, ?, ?)
			 ON CONFLICT(alias) DO UPDATE SET canonical = excluded.canonical, channel = excluded.channel`,
			alias, canonical, channel,
		)
		return err
	})
}

// ResolveJID maps an alias (or canonical) JID to its canonical JID. A JID
// with no alias row resolves to itself.
func (s *Store) ResolveJID(jid string) (string, error) {
	var canonical string
	err := s.db.QueryRow(`SELECT canonical FROM jid_aliases WHERE alias = ?`, jid).Scan(&canonical)
	if err == sql.ErrNoRows {
		return jid, nil
	}
	if err != nil {
		return "", err
	}
	return canonical, nil
}

// AliasesFor returns every alias pointing at a canonical JID, including the
// canonical itself as the first element.
func (s *Store) AliasesFor(canonical string) ([]string, error) {
	rows, err := s.db.Query(`SELECT alias FROM jid_aliases WHERE canonical = ?`, canonical)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{canonical}
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		if a != canonical {
			out = append(out, a)
		}
	}
	return out, rows.Err()
}

// GetSession returns the stored agent session id for a workspace folder.
func (s *Store) GetSession(folder string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// SetSession persists the agent session id for a workspace folder.
func (s *Store) SetSession(folder, sessionID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO sessions (folder, session_id, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
			folder, sessionID, FormatTime(time.Now()),
		)
		return err
	})
}

// ClearSession forgets the agent session for a workspace folder.
func (s *Store) ClearSession(folder string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM sessions WHERE folder = ?`, folder)
		return err
	})
}

// GetLastTimestamp returns the process-global polled cursor.
func (s *Store) GetLastTimestamp() (time.Time, error) {
	return s.getCursor(keyLastTimestamp)
}

// SetLastTimestamp persists the process-global polled cursor.
func (s *Store) SetLastTimestamp(t time.Time) error {
	return s.setCursor(keyLastTimestamp, t)
}

// GetAgentCursor returns the per-workspace dispatched cursor.
func (s *Store) GetAgentCursor(jid string) (time.Time, error) {
	return s.getCursor(agentCursorPrefix + jid)
}

// SetAgentCursor persists the per-workspace dispatched cursor.
func (s *Store) SetAgentCursor(jid string, t time.Time) error {
	return s.setCursor(agentCursorPrefix+jid, t)
}

// GetChannelCursor returns the history reconciliation cursor for a channel.
func (s *Store) GetChannelCursor(channel string) (time.Time, error) {
	return s.getCursor(channelCursorPrefix + channel)
}

// SetChannelCursor persists the history reconciliation cursor for a channel.
func (s *Store) SetChannelCursor(channel string, t time.Time) error {
	return s.setCursor(channelCursorPrefix+channel, t)
}

// GetState reads an arbitrary router-state value, "" when absent.
func (s *Store) GetState(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetState writes an arbitrary router-state value.
func (s *Store) SetState(key, value string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO router_state (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		)
		return err
	})
}

// DeleteState removes a router-state key.
func (s *Store) DeleteState(key string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM router_state WHERE key = ?`, key)
		return err
	})
}

func (s *Store) getCursor(key string) (time.Time, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows || (err == nil && v == "") {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := ParseTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cursor %q: %w", key, err)
	}
	return t, nil
}

func (s *Store) setCursor(key string, t time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO router_state (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, FormatTime(t),
		)
		return err
	})
}
