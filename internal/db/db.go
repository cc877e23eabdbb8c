// Package db is the encrypted SQLCipher database shared by the session, store and job packages. All access
// goes through Run and RunReadOnly, which hold a single lock, so at most one transaction is open at a time
// and Tx is only valid inside a runner. Neither is re-entrant.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/migration"
	sqlite3 "github.com/meow-io/go-sqlcipher"
	"go.uber.org/zap"
)

const (
	driverName = "sqlite3_courier"
	keyLength  = 32
)

type state int

const (
	stateNew state = iota
	stateInitialized
	stateRunning
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateInitialized:
		return "initialized"
	case stateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrKeyLength = fmt.Errorf("db: key must be %d bytes", keyLength)

// StateError is returned when the database is asked to do something its lifecycle does not allow yet.
type StateError struct {
	Op       string
	Expected string
	Actual   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("db: cannot %s while %s, must be %s", e.Op, e.Actual, e.Expected)
}

type RunnerFunc func() error

type Database struct {
	Log *zap.SugaredLogger
	Tx  *sqlx.Tx

	config    *config.Config
	conn      *sqlx.DB
	state     state
	lock      sync.Mutex
	path      string
	afterHook []func()
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewDatabase prepares the database file at path. Nothing is opened until Initialize or Open.
func NewDatabase(c *config.Config, path string) (*Database, error) {
	log := c.Logger("db")
	st := stateInitialized
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		st = stateNew
	} else if err != nil {
		return nil, fmt.Errorf("db: error checking %s: %w", path, err)
	}
	log.Debugf("database at %s is %s", path, st)

	d := &Database{
		Log:    log,
		config: c,
		path:   path,
		state:  st,
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	registerDriver()
	return d, nil
}

func (db *Database) expect(op string, want state) error {
	if db.state != want {
		return &StateError{Op: op, Expected: want.String(), Actual: db.state.String()}
	}
	return nil
}

// Initialize creates the database file encrypted under key.
func (db *Database) Initialize(key []byte) error {
	if err := db.expect("initialize", stateNew); err != nil {
		return err
	}
	conn, err := db.connect(key)
	if err != nil {
		return err
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("db: error closing after initialize: %w", err)
	}
	db.state = stateInitialized
	return nil
}

func (db *Database) Initialized() bool {
	return db.state == stateInitialized
}

// Open unlocks an initialized database. A wrong key fails here.
func (db *Database) Open(key []byte) error {
	if err := db.expect("open", stateInitialized); err != nil {
		return err
	}
	conn, err := db.connect(key)
	if err != nil {
		return err
	}
	db.conn = conn
	db.state = stateRunning
	return nil
}

// Shutdown closes the connection. The database can be opened again afterwards.
func (db *Database) Shutdown() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.cancel()
	db.ctx, db.cancel = context.WithCancel(context.Background())
	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	db.state = stateInitialized
	if err != nil {
		return fmt.Errorf("db: error closing: %w", err)
	}
	return nil
}

// Migrate brings the tables owned by name up to date with migrations.
func (db *Database) Migrate(name string, migrations []*migration.Migration) error {
	return newMigrator(db, name, migrations).migrate()
}

// AfterCommit runs f in its own goroutine once the current transaction commits. It is dropped on rollback.
func (db *Database) AfterCommit(f func()) {
	if db.Tx == nil {
		panic("db: AfterCommit outside a transaction")
	}
	db.afterHook = append(db.afterHook, f)
}

func (db *Database) Run(label string, runner RunnerFunc) error {
	return db.transact(label, false, runner)
}

func (db *Database) RunReadOnly(label string, runner RunnerFunc) error {
	return db.transact(label, true, runner)
}

func (db *Database) transact(label string, readOnly bool, runner RunnerFunc) error {
	start := time.Now()
	db.lock.Lock()
	waited := time.Since(start)
	defer func() {
		db.Log.Debugf("%s done wait=%s exec=%s", label, waited, time.Since(start)-waited)
		db.lock.Unlock()
	}()
	if db.Tx != nil {
		panic(fmt.Sprintf("db: %s started inside another transaction", label))
	}
	if err := db.expect(label, stateRunning); err != nil {
		return err
	}

	tx, err := db.conn.BeginTxx(db.ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("db: error starting transaction for %s: %w", label, err)
	}
	if _, err := tx.Exec("PRAGMA defer_foreign_keys = ON"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("db: error deferring foreign keys for %s: %w", label, err)
	}
	db.Tx = tx
	db.afterHook = nil
	defer func() {
		db.Tx = nil
		db.afterHook = nil
	}()

	if err := runner(); err != nil {
		db.Log.Debugf("rolling back %s: %v", label, err)
		if rbErr := tx.Rollback(); rbErr != nil {
			db.Log.Warnf("error rolling back %s: %v", label, rbErr)
		}
		return fmt.Errorf("error during %s: %w", label, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db: error committing %s: %w", label, err)
	}
	for _, f := range db.afterHook {
		go f()
	}
	return nil
}

func (db *Database) connect(key []byte) (*sqlx.DB, error) {
	if len(key) != keyLength {
		return nil, ErrKeyLength
	}
	dsn := fmt.Sprintf("file:%s?_locking_mode=EXCLUSIVE&_busy_timeout=5000&_secure_delete=on&_journal_mode=WAL&_auto_vacuum=2&_synchronous=3&_foreign_keys=1&cache=private&mode=rwc&_pragma_key=x'%x'", url.PathEscape(db.path), key)
	conn, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: error opening %s: %w", db.path, err)
	}
	conn.SetMaxOpenConns(1)

	for _, stmt := range []string{
		// fails when the key is wrong
		"SELECT count(*) FROM sqlite_master",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = 2",
	} {
		if _, err := conn.Exec(stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("db: error preparing %s (%s): %w", db.path, stmt, err)
		}
	}
	return conn, nil
}

func registerDriver() {
	for _, d := range sql.Drivers() {
		if d == driverName {
			return
		}
	}
	sql.Register(driverName, &sqlite3.SQLiteDriver{})
}
