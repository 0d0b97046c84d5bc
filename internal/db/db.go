// This package defines a SQLCipher database. It provides some default setup options and provides an interface
// for running functions before and after a transaction.
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

const driverName = "sqlite3_courier"

const (
	stateNew = iota
	stateInitialized
	stateRunning
)

type RunnerFunc func() error

type Database struct {
	Log  *zap.SugaredLogger
	Conn *sqlx.DB
	Tx   *sqlx.Tx

	config                *config.Config
	state                 int
	lock                  *sync.Mutex
	path                  string
	callbacks             []func()
	rollbackCallbacks     []func()
	beforeCommitCallbacks []func() error
	ctx                   context.Context
	cancelFn              context.CancelFunc
}

func NewDatabase(c *config.Config, path string) (*Database, error) {
	log := c.Logger("db")
	log.Debugf("making database at %s", path)

	var state int

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			state = stateNew
		} else {
			return nil, err
		}
	} else {
		state = stateInitialized
	}

	registerDriver()
	ctx, cancelFn := context.WithCancel(context.TODO())
	return &Database{
		Log:      log,
		lock:     &sync.Mutex{},
		config:   c,
		path:     path,
		state:    state,
		ctx:      ctx,
		cancelFn: cancelFn,
	}, nil
}

func (db *Database) Initialize(key []byte) error {
	if db.state != stateNew {
		return fmt.Errorf("wrong state, expected %d got %d", stateNew, db.state)
	}
	if len(key) != 32 {
		return fmt.Errorf("expected key of length 32, got %d", len(key))
	}

	conn, err := db.setupConnection(key)
	if err != nil {
		return err
	}
	if err := conn.Close(); err != nil {
		return err
	}
	db.state = stateInitialized
	return nil
}

func (db *Database) Initialized() bool {
	return db.state == stateInitialized
}

func (db *Database) Running() bool {
	return db.state == stateRunning
}

func (db *Database) Open(key []byte) error {
	if db.state != stateInitialized {
		return fmt.Errorf("wrong state, expected %d got %d", stateInitialized, db.state)
	}
	if len(key) != 32 {
		return fmt.Errorf("expected key of length 32, got %d", len(key))
	}

	conn, err := db.setupConnection(key)
	if err != nil {
		return err
	}
	db.Conn = conn
	db.state = stateRunning
	return nil
}

func (db *Database) Shutdown() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.cancelFn()
	if db.Conn == nil {
		return nil
	}
	if err := db.Conn.Close(); err != nil {
		return err
	}
	db.Conn = nil
	ctx, cancelFn := context.WithCancel(context.TODO())
	db.ctx = ctx
	db.cancelFn = cancelFn
	db.state = stateInitialized
	return nil
}

func (db *Database) Migrate(name string, migrations []*migration.Migration) error {
	m := newMigrator(db.config, db, name, migrations, true)
	return m.migrate()
}

func (db *Database) MigrateNoLock(name string, migrations []*migration.Migration) error {
	m := newMigrator(db.config, db, name, migrations, false)
	return m.migrate()
}

// Registers f to run once the current transaction has committed. Callbacks run in registration order on the
// committing goroutine after the lock protecting the transaction is released; they never run on rollback.
func (db *Database) AfterCommit(f func()) {
	if db.Tx == nil {
		panic("db: expected tx to be not nil")
	}

	db.callbacks = append(db.callbacks, f)
}

// Registers f to run if the current transaction is rolled back or fails to commit. Callbacks run in registration
// order after the lock protecting the transaction is released.
func (db *Database) AfterRollback(f func()) {
	if db.Tx == nil {
		panic("db: expected tx to be not nil")
	}

	db.rollbackCallbacks = append(db.rollbackCallbacks, f)
}

func (db *Database) BeforeCommit(f RunnerFunc) {
	if db.Tx == nil {
		panic("db: expected tx to be not nil")
	}

	db.beforeCommitCallbacks = append(db.beforeCommitCallbacks, f)
}

func (db *Database) Lock(label string, runner RunnerFunc) error {
	start := time.Now()
	db.Log.Debugf("Starting %s", label)
	db.lock.Lock()
	obtained := time.Now()
	db.Log.Debugf("Obtained lock %s", label)
	defer func() {
		db.Log.Debugf("Completed lock %s wait=%s exec=%s", label, obtained.Sub(start), time.Since(obtained))
		db.lock.Unlock()
	}()
	return runner()
}

func (db *Database) runTx(label string, txOptions *sql.TxOptions, runner RunnerFunc) ([]func(), []func(), error) {
	if db.Tx != nil {
		panic("db: expected tx to be nil")
	}
	if db.Conn == nil {
		return nil, nil, fmt.Errorf("db: %s: database is not open", label)
	}

	defer func() {
		db.Tx = nil
	}()

	var err error
	db.Tx, err = db.Conn.BeginTxx(db.ctx, txOptions)
	if err != nil {
		db.Tx = nil
		return nil, nil, fmt.Errorf("db: error starting transaction for %s: %w", label, err)
	}

	db.callbacks = make([]func(), 0)
	db.rollbackCallbacks = make([]func(), 0)
	db.beforeCommitCallbacks = make([]func() error, 0)
	runerr := runner()
	if runerr == nil {
		for _, c := range db.beforeCommitCallbacks {
			runerr = c()
			if runerr != nil {
				break
			}
		}
	}

	if runerr != nil {
		db.Log.Warnf("rolling back %s due to %#v", label, runerr)
		if err := db.Tx.Rollback(); err != nil {
			db.Log.Debugf("error while rolling back %s with %#v", label, err)
		}
		rollbacks := db.rollbackCallbacks
		db.callbacks, db.rollbackCallbacks = nil, nil
		return nil, rollbacks, fmt.Errorf("error during %s: %w", label, runerr)
	}
	db.Log.Debugf("committing %s", label)
	if err := db.Tx.Commit(); err != nil {
		db.Log.Warnf("error while committing %s with %#v '%s'", label, err, err.Error())
		rollbacks := db.rollbackCallbacks
		db.callbacks, db.rollbackCallbacks = nil, nil
		return nil, rollbacks, fmt.Errorf("db: error committing %s: %w", label, err)
	}
	callbacks := db.callbacks
	db.callbacks, db.rollbackCallbacks = nil, nil
	return callbacks, nil, nil
}

func (db *Database) run(label string, opts *sql.TxOptions, runner RunnerFunc) error {
	var callbacks, rollbacks []func()
	if err := db.Lock(label, func() error {
		var err error
		callbacks, rollbacks, err = db.runTx(label, opts, runner)
		return err
	}); err != nil {
		for _, f := range rollbacks {
			f()
		}
		return err
	}
	for _, f := range callbacks {
		f()
	}
	return nil
}

// Runs runner inside a write transaction. Nested calls are not supported.
func (db *Database) Run(label string, runner RunnerFunc) error {
	return db.run(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, runner)
}

func (db *Database) RunReadOnly(label string, runner RunnerFunc) error {
	return db.run(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: true}, runner)
}

func (db *Database) setupConnection(key []byte) (*sqlx.DB, error) {
	formattedPath := fmt.Sprintf("file:%s?_locking_mode=EXCLUSIVE&_busy_timeout=100&_secure_delete=on&_journal_mode=WAL&_auto_vacuum=2&_synchronous=3&cache=private&mode=rwc&_pragma_key=x'%x'", url.PathEscape(db.path), key)
	conn, err := sqlx.Open(driverName, formattedPath)
	if err != nil {
		return nil, fmt.Errorf("db: error opening %s %w", db.path, err)
	}

	conn.DB.SetMaxOpenConns(1)

	if _, err := conn.Exec("SELECT name FROM sqlite_master limit 1"); err != nil {
		return nil, fmt.Errorf("db: unable to read from database: %w", err)
	}
	if _, err := conn.Exec("pragma busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("db: error setting busy_timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("db: error setting foreign_keys to ON: %w", err)
	}
	if _, err := conn.Exec("PRAGMA temp_store = 2"); err != nil {
		return nil, fmt.Errorf("db: error setting temp_store: %w", err)
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
