package db

import (
	"fmt"

	"github.com/meow-io/go-courier/migration"
	"go.uber.org/zap"
)

// migrator applies the migrations of one package in order, one transaction each. Applied names are kept in
// a per-package table and must match the start of the defined list.
type migrator struct {
	db         *Database
	name       string
	table      string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
}

func newMigrator(db *Database, name string, migrations []*migration.Migration) *migrator {
	return &migrator{
		db:         db,
		name:       name,
		table:      fmt.Sprintf("_migrations_%s", name),
		log:        db.config.Logger("migrate" + name),
		migrations: migrations,
	}
}

func (m *migrator) migrate() error {
	var applied []string
	if err := m.db.Run(fmt.Sprintf("prepare %s migrations", m.name), func() error {
		if _, err := m.db.Tx.Exec(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY, name TEXT NOT NULL)", m.table)); err != nil {
			return err
		}
		return m.db.Tx.Select(&applied, fmt.Sprintf("SELECT name FROM %s ORDER BY id", m.table))
	}); err != nil {
		return fmt.Errorf("db: error reading %s migrations: %w", m.name, err)
	}

	if len(applied) > len(m.migrations) {
		return fmt.Errorf("db: %s has %d migrations applied but only %d defined", m.name, len(applied), len(m.migrations))
	}
	for i, name := range applied {
		if m.migrations[i].Name != name {
			return fmt.Errorf("db: %s migration %d is %q in the database but %q in code", m.name, i, name, m.migrations[i].Name)
		}
	}

	for i := len(applied); i != len(m.migrations); i++ {
		mig := m.migrations[i]
		if err := m.db.Run(fmt.Sprintf("%s migration %q", m.name, mig.Name), func() error {
			if err := mig.Func(m.db.Tx.Tx); err != nil {
				return err
			}
			_, err := m.db.Tx.Exec(fmt.Sprintf("INSERT INTO %s (id, name) VALUES (?, ?)", m.table), i, mig.Name)
			return err
		}); err != nil {
			return fmt.Errorf("db: error applying %s migration %q: %w", m.name, mig.Name, err)
		}
		m.log.Debugf("applied %q", mig.Name)
	}
	return nil
}
