// Package store persists the client side message history: threads, messages and their failure markers,
// identity mismatches, groups, receipts, menus, attachments and inbound envelopes waiting for decrypt.
//
// Every method other than Run and RunReadOnly works on the open transaction and must be called from inside one.
package store

import (
	"database/sql"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
	"go.uber.org/zap"
)

type Store struct {
	db    *db.Database
	log   *zap.SugaredLogger
	clock clock.Clock
}

func New(c *config.Config, d *db.Database, cl clock.Clock) (*Store, error) {
	if err := d.Migrate("_store", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _threads (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						recipients TEXT NOT NULL UNIQUE,
						group_id BLOB,
						unread_count INTEGER NOT NULL DEFAULT 0,
						mtime_ms INTEGER NOT NULL
					);
					CREATE TABLE _messages (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						thread_id INTEGER NOT NULL REFERENCES _threads(id) ON DELETE CASCADE,
						address TEXT NOT NULL,
						device_id INTEGER NOT NULL,
						type INTEGER NOT NULL,
						body TEXT NOT NULL,
						sealed BLOB,
						group_context BLOB,
						sent_ms INTEGER NOT NULL,
						received_ms INTEGER NOT NULL,
						expires_in_sec INTEGER NOT NULL DEFAULT 0,
						delivery_receipts INTEGER NOT NULL DEFAULT 0,
						read_receipts INTEGER NOT NULL DEFAULT 0,
						read BOOLEAN NOT NULL DEFAULT FALSE
					);
					CREATE INDEX _messages_thread ON _messages (thread_id);
					CREATE INDEX _messages_sent ON _messages (sent_ms);
					CREATE TABLE _identity_mismatches (
						message_id INTEGER NOT NULL REFERENCES _messages(id) ON DELETE CASCADE,
						name TEXT NOT NULL,
						device_id INTEGER NOT NULL,
						identity_key BLOB NOT NULL,
						PRIMARY KEY (message_id, name, device_id)
					);
					CREATE TABLE _network_failures (
						message_id INTEGER NOT NULL REFERENCES _messages(id) ON DELETE CASCADE,
						name TEXT NOT NULL,
						PRIMARY KEY (message_id, name)
					);
					CREATE TABLE _attachments (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						message_id INTEGER NOT NULL REFERENCES _messages(id) ON DELETE CASCADE,
						content_type TEXT NOT NULL,
						file_name TEXT NOT NULL,
						pointer BLOB,
						data BLOB,
						state INTEGER NOT NULL
					);
					CREATE TABLE _groups (
						id BLOB PRIMARY KEY,
						version INTEGER NOT NULL,
						admin TEXT NOT NULL,
						title TEXT NOT NULL,
						avatar BLOB,
						avatar_data BLOB,
						active BOOLEAN NOT NULL
					);
					CREATE TABLE _group_members (
						group_id BLOB NOT NULL REFERENCES _groups(id) ON DELETE CASCADE,
						name TEXT NOT NULL,
						PRIMARY KEY (group_id, name)
					);
					CREATE TABLE _pending_envelopes (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						body BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL
					);
					CREATE TABLE _receipts (
						message_id INTEGER NOT NULL REFERENCES _messages(id) ON DELETE CASCADE,
						name TEXT NOT NULL,
						delivered_ms INTEGER NOT NULL DEFAULT 0,
						read_ms INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (message_id, name)
					);
					CREATE TABLE _menus (
						thread_id INTEGER PRIMARY KEY REFERENCES _threads(id) ON DELETE CASCADE,
						data TEXT NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &Store{db: d, log: c.Logger("store"), clock: cl}, nil
}

func (s *Store) Run(label string, fn func() error) error {
	return s.db.Run(label, fn)
}

func (s *Store) RunReadOnly(label string, fn func() error) error {
	return s.db.RunReadOnly(label, fn)
}

// AfterCommit runs f on its own goroutine once the open transaction commits.
func (s *Store) AfterCommit(f func()) {
	s.db.AfterCommit(f)
}
