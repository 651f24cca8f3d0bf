package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/DoyleJ11/gpose-together/internal/config"
)

const (
	keyLastLobby = "last_lobby_id"
	keyNearby    = "nearby_settings"
)

// Store is the client's local SQLite state: the last lobby hint, nearby
// settings and private user notes.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open prepares a SQLite database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS user_notes (
			uid TEXT PRIMARY KEY,
			note TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) get(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) put(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UTC())
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

// SaveLastLobbyID remembers the lobby to offer for rejoin.
func (s *Store) SaveLastLobbyID(id string) error {
	return s.put(keyLastLobby, id)
}

func (s *Store) LastLobbyID() (string, error) {
	v, _, err := s.get(keyLastLobby)
	return v, err
}

// NearbySettings returns the saved settings, or def when none were saved.
func (s *Store) NearbySettings(def config.Nearby) (config.Nearby, error) {
	v, ok, err := s.get(keyNearby)
	if err != nil || !ok {
		return def.Clamped(), err
	}
	n := def
	if err := json.Unmarshal([]byte(v), &n); err != nil {
		return def.Clamped(), fmt.Errorf("decode nearby settings: %w", err)
	}
	return n.Clamped(), nil
}

func (s *Store) SaveNearbySettings(n config.Nearby) error {
	b, err := json.Marshal(n.Clamped())
	if err != nil {
		return err
	}
	return s.put(keyNearby, string(b))
}

// SetNote stores a private note about a user. An empty note removes it.
func (s *Store) SetNote(uid, note string) error {
	note = strings.TrimSpace(note)
	var err error
	if note == "" {
		_, err = s.db.Exec(`DELETE FROM user_notes WHERE uid = ?`, uid)
	} else {
		_, err = s.db.Exec(`INSERT INTO user_notes (uid, note, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(uid) DO UPDATE SET note = excluded.note, updated_at = excluded.updated_at`,
			uid, note, s.now().UTC())
	}
	if err != nil {
		return fmt.Errorf("write note for %s: %w", uid, err)
	}
	return nil
}

// NoteFor implements the note lookup used by lobby and nearby views. Read
// errors count as "no note".
func (s *Store) NoteFor(uid string) (string, bool) {
	var note string
	if err := s.db.QueryRow(`SELECT note FROM user_notes WHERE uid = ?`, uid).Scan(&note); err != nil {
		return "", false
	}
	return note, true
}
