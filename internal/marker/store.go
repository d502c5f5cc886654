// Package marker persists the engine's small set of durable session markers:
// the last-selected conversation, the last successful list-refresh timestamp
// and per-target-user "recently created conversation" stamps. It is a
// key/value table, not a message database.
package marker

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/campuskit/unichat/internal/marker/migrations"
)

const (
	keyLastSelected = "last_selected_conversation"
	keyLastRefresh  = "last_list_refresh"
	prefixCreated   = "direct_created:"
)

// Store is the sqlite-backed marker store.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the marker database at path and runs
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open marker db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping marker db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) set(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO markers (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

func (s *Store) get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM markers WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetLastSelected records the last-selected conversation id.
func (s *Store) SetLastSelected(conversationID string) error {
	return s.set(keyLastSelected, conversationID)
}

// LastSelected returns the last-selected conversation id, or empty.
func (s *Store) LastSelected() (string, error) {
	v, _, err := s.get(keyLastSelected)
	return v, err
}

// SetLastRefresh records the last successful list-refresh timestamp.
func (s *Store) SetLastRefresh(t time.Time) error {
	return s.set(keyLastRefresh, strconv.FormatInt(t.UnixMilli(), 10))
}

// LastRefresh returns the last successful list-refresh timestamp, or the
// zero time if no refresh has succeeded in this session.
func (s *Store) LastRefresh() (time.Time, error) {
	v, ok, err := s.get(keyLastRefresh)
	if err != nil || !ok {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse refresh marker: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// MarkDirectCreated stamps a conversation creation for the target user, used
// to short-circuit duplicate creation on rapid repeated navigation.
func (s *Store) MarkDirectCreated(targetUserID string) error {
	return s.set(prefixCreated+targetUserID, strconv.FormatInt(time.Now().UnixMilli(), 10))
}

// RecentlyCreatedDirect reports whether a conversation with the target user
// was created within the given window.
func (s *Store) RecentlyCreatedDirect(targetUserID string, window time.Duration) (bool, error) {
	v, ok, err := s.get(prefixCreated + targetUserID)
	if err != nil || !ok {
		return false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse creation marker: %w", err)
	}
	return time.Since(time.UnixMilli(ms)) < window, nil
}

// Reset removes every marker. Called on logout: the markers are session
// scoped, not a database.
func (s *Store) Reset() error {
	_, err := s.db.Exec(`DELETE FROM markers`)
	return err
}
