package recovery

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/1ureka/rtcall/internal/util"
)

const (
	keyRoomID       = "room_id"
	keyCaps         = "router_caps"
	keyConnectionID = "connection_id"
	keyAuth         = "auth"
	keyLog          = "log"
)

// Open returns a store persisted in the SQLite database at path, loading
// whatever a previous run left there. An empty path yields an in-memory
// store.
func Open(path string, flagTTL time.Duration) (*Store, error) {
	s := New(flagTTL)
	if path == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		CREATE TABLE IF NOT EXISTS recovery (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure store: %w", err)
	}

	s.db = db
	if err := s.load(); err != nil {
		util.LogWarning("[recovery] ignoring unreadable store %s: %v", path, err)
	}
	return s, nil
}

// Close releases the database, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT key, value FROM recovery`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var errs []error
	s.mu.Lock()
	defer s.mu.Unlock()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}

		switch key {
		case keyRoomID:
			s.roomID = value
		case keyConnectionID:
			s.connectionID = value
		case keyCaps:
			if err := json.Unmarshal([]byte(value), &s.caps); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		case keyAuth:
			if err := json.Unmarshal([]byte(value), &s.auth); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		case keyLog:
			var entries []Entry
			if err := json.Unmarshal([]byte(value), &entries); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			for _, e := range entries {
				s.log.Push(e)
			}
		}
	}
	errs = append(errs, rows.Err())
	return errors.Join(errs...)
}

func (s *Store) persist(key, value string) {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec(`
		INSERT INTO recovery (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value); err != nil {
		util.LogWarning("[recovery] persist %s: %v", key, err)
	}
}

func (s *Store) persistJSON(key string, v any) {
	if s.db == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		util.LogWarning("[recovery] encode %s: %v", key, err)
		return
	}
	s.persist(key, string(data))
}
