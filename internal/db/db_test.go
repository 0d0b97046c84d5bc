package db_test

import (
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/migration"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

var testMigrations = []*migration.Migration{
	{
		Name: "create items",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name STRING NOT NULL);`)
			return err
		},
	},
}

func TestAfterCommitRunsAfterCommit(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.Config("db"))
	defer func() { _ = d.Shutdown() }()
	require.Nil(d.Migrate("_test", testMigrations))

	var seen int
	require.Nil(d.Run("insert", func() error {
		if _, err := d.Tx.Exec("INSERT INTO items (id, name) VALUES (1, 'a')"); err != nil {
			return err
		}
		d.AfterCommit(func() {
			require.Nil(d.RunReadOnly("count", func() error {
				return d.Tx.Get(&seen, "SELECT count(*) FROM items")
			}))
		})
		return nil
	}))
	require.Equal(1, seen)
}

func TestAfterCommitSkippedOnRollback(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.Config("db"))
	defer func() { _ = d.Shutdown() }()
	require.Nil(d.Migrate("_test", testMigrations))

	called := false
	err := d.Run("failing insert", func() error {
		d.AfterCommit(func() { called = true })
		return errors.New("boom")
	})
	require.ErrorContains(err, "boom")
	require.False(called)
}

func TestAfterRollbackRunsOnFailure(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.Config("db"))
	defer func() { _ = d.Shutdown() }()
	require.Nil(d.Migrate("_test", testMigrations))

	rolledBack := 0
	require.Nil(d.Run("insert", func() error {
		d.AfterRollback(func() { rolledBack++ })
		_, err := d.Tx.Exec("INSERT INTO items (id, name) VALUES (1, 'a')")
		return err
	}))
	require.Equal(0, rolledBack)

	err := d.Run("failing insert", func() error {
		d.AfterRollback(func() { rolledBack++ })
		return errors.New("boom")
	})
	require.ErrorContains(err, "boom")
	require.Equal(1, rolledBack)

	err = d.Run("failing before commit", func() error {
		d.AfterRollback(func() {
			rolledBack++
			require.Nil(d.Tx)
		})
		d.BeforeCommit(func() error { return errors.New("late boom") })
		return nil
	})
	require.ErrorContains(err, "late boom")
	require.Equal(2, rolledBack)
}

func TestMigrationsApplyOnce(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.Config("db"))
	defer func() { _ = d.Shutdown() }()

	require.Nil(d.Migrate("_test", testMigrations))
	require.Nil(d.Migrate("_test", testMigrations))

	var count int
	require.Nil(d.RunReadOnly("count migrations", func() error {
		return d.Tx.Get(&count, "SELECT count(*) FROM _migrations_test")
	}))
	require.Equal(1, count)
}

func TestBeforeCommitErrorRollsBack(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.Config("db"))
	defer func() { _ = d.Shutdown() }()
	require.Nil(d.Migrate("_test", testMigrations))

	err := d.Run("insert then veto", func() error {
		if _, err := d.Tx.Exec("INSERT INTO items (id, name) VALUES (1, 'a')"); err != nil {
			return err
		}
		d.BeforeCommit(func() error { return errors.New("veto") })
		return nil
	})
	require.ErrorContains(err, "veto")

	var count int
	require.Nil(d.RunReadOnly("count", func() error {
		return d.Tx.Get(&count, "SELECT count(*) FROM items")
	}))
	require.Equal(0, count)
}
