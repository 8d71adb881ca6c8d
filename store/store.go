// Package store persists the relay engine's collaborators in sqlite: the
// settings keyspace, the contact list with its designated-relay slot, and the
// announce directory. Every write notifies in-process subscribers so the
// engine reacts to changes without polling.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS contacts (
	hash         TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	public_key   BLOB,
	node_type    INTEGER NOT NULL DEFAULT 0,
	hops         INTEGER NOT NULL DEFAULT -1,
	last_seen    INTEGER NOT NULL DEFAULT 0,
	added_at     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS relay_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	relay_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS announces (
	hash         TEXT PRIMARY KEY,
	aspect       TEXT NOT NULL,
	node_type    INTEGER NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	public_key   BLOB,
	hops         INTEGER NOT NULL DEFAULT -1,
	last_seen    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_announces_node_type ON announces (node_type);
`

// Store owns the sqlite handle shared by the settings, contacts and announce
// collaborators.
type Store struct {
	db  *sql.DB
	log *logrus.Entry

	settings  *Settings
	contacts  *Contacts
	announces *Announces
}

// Open creates or opens the database at path and prepares the schema. The
// pool is capped at one connection; sqlite allows a single writer and the
// engine's writes are small.
func Open(path string, logger *logrus.Entry) (*Store, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, log: logger.WithField("component", "store")}
	s.settings = &Settings{store: s, hub: newHub()}
	s.contacts = &Contacts{store: s, hub: newHub()}
	s.announces = &Announces{store: s, hub: newHub()}
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Settings returns the settings collaborator.
func (s *Store) Settings() *Settings {
	return s.settings
}

// Contacts returns the contact-list collaborator.
func (s *Store) Contacts() *Contacts {
	return s.contacts
}

// Announces returns the announce-directory collaborator.
func (s *Store) Announces() *Announces {
	return s.announces
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// hub fans out change notifications to subscribers. Sends never block; a
// subscriber that has not drained its channel already holds a pending tick.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan struct{})}
}

// subscribe returns a channel receiving a tick after every write. The channel
// is closed once ctx ends.
func (h *hub) subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (h *hub) notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
