// Package sqlstore keeps blobs in a single SQL table, on SQLite
// (sqlite:///path/store.db) or PostgreSQL (postgres://user:pw@host/db).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/git-pkgs/gemserver/internal/objectstore"
)

func init() {
	objectstore.Register("sqlite", func(ctx context.Context, u *url.URL) (objectstore.Store, error) {
		path := objectstore.FilePath(u)
		if path == "" {
			return nil, fmt.Errorf("sqlite store needs a path")
		}
		return OpenSQLite(ctx, path)
	})
	openPG := func(ctx context.Context, u *url.URL) (objectstore.Store, error) {
		return OpenPostgres(ctx, u.String())
	}
	objectstore.Register("postgres", openPG)
	objectstore.Register("postgresql", openPG)
}

type dialect struct {
	driver   string
	keyType  string
	blobType string
	// bind returns the placeholder for the n-th argument, starting at 1.
	bind func(n int) string
}

var (
	sqlite = dialect{
		driver:   "sqlite",
		keyType:  "TEXT",
		blobType: "BLOB",
		bind:     func(int) string { return "?" },
	}
	postgres = dialect{
		driver:   "pgx",
		keyType:  `TEXT COLLATE "C"`,
		blobType: "BYTEA",
		bind:     func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

// Store is an object store on a database/sql connection pool.
type Store struct {
	db *sql.DB
	d  dialect

	getQ, putQ, deleteQ, listQ string
	insertQ, updateQ, deleteIfQ string
}

var _ objectstore.Swapper = (*Store)(nil)

// OpenSQLite opens or creates a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open(sqlite.driver, path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return newStore(ctx, db, sqlite)
}

// OpenPostgres connects to a PostgreSQL database.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open(postgres.driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newStore(ctx, db, postgres)
}

func newStore(ctx context.Context, db *sql.DB, d dialect) (*Store, error) {
	s := &Store{db: db, d: d}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	b := d.bind
	s.getQ = "SELECT value FROM objects WHERE key = " + b(1)
	s.putQ = "INSERT INTO objects (key, value) VALUES (" + b(1) + ", " + b(2) + ") " +
		"ON CONFLICT (key) DO UPDATE SET value = excluded.value"
	s.deleteQ = "DELETE FROM objects WHERE key = " + b(1)
	s.listQ = "SELECT key FROM objects WHERE key >= " + b(1) + " ORDER BY key"
	s.insertQ = "INSERT INTO objects (key, value) VALUES (" + b(1) + ", " + b(2) + ") ON CONFLICT (key) DO NOTHING"
	s.updateQ = "UPDATE objects SET value = " + b(1) + " WHERE key = " + b(2) + " AND value = " + b(3)
	s.deleteIfQ = "DELETE FROM objects WHERE key = " + b(1) + " AND value = " + b(2)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			key ` + s.d.keyType + ` PRIMARY KEY,
			value ` + s.d.blobType + ` NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, s.getQ, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, objectstore.NotFound(key)
	}
	if err != nil {
		return nil, objectstore.Fail("get", key, err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, s.putQ, key, nonNil(data))
	return objectstore.Fail("put", key, err)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.deleteQ, key)
	return objectstore.Fail("delete", key, err)
}

// List scans from prefix in key order and stops at the first key outside
// it, which avoids LIKE escaping rules that differ between dialects.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.listQ, prefix)
	if err != nil {
		return nil, objectstore.Fail("list", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, objectstore.Fail("list", prefix, err)
		}
		if !strings.HasPrefix(k, prefix) {
			break
		}
		keys = append(keys, k)
	}
	return keys, objectstore.Fail("list", prefix, rows.Err())
}

// CompareAndSwap issues a single conditional statement, so the check and
// the write are atomic in both dialects.
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	var (
		res sql.Result
		err error
	)
	switch {
	case old == nil && new == nil:
		var exists bool
		exists, err = s.exists(ctx, key)
		return !exists, objectstore.Fail("cas", key, err)
	case old == nil:
		res, err = s.db.ExecContext(ctx, s.insertQ, key, nonNil(new))
	case new == nil:
		res, err = s.db.ExecContext(ctx, s.deleteIfQ, key, nonNil(old))
	default:
		res, err = s.db.ExecContext(ctx, s.updateQ, nonNil(new), key, nonNil(old))
	}
	if err != nil {
		return false, objectstore.Fail("cas", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, objectstore.Fail("cas", key, err)
	}
	return n == 1, nil
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, s.getQ, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
