// Package sqlcursor serves keyset cursors over SQLite tables that carry an
// integer key column.
package sqlcursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"

	_ "modernc.org/sqlite"
)

// ErrTableNotFound is returned when a source names a missing table.
var ErrTableNotFound = errors.New("table not found")

// Store owns the database handle shared by every source and cursor.
type Store struct {
	db   *sql.DB
	path string
	log  pslog.Logger
}

// Open opens (creating when needed) the SQLite database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	log := pslog.Ctx(ctx).With("component", "sqlcursor", "path", path)
	log.Debug("sqlite store opened")
	return &Store{db: db, path: path, log: log}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Tables lists user tables in name order.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Source returns a cursor source over table ordered by the integer column
// key. The table must exist.
func (s *Store) Source(ctx context.Context, table, key string) (*Source, error) {
	if !schema.ValidateIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if !schema.ValidateIdentifier(key) {
		return nil, fmt.Errorf("invalid key column %q", key)
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return &Source{store: s, table: table, key: key}, nil
}

// Seed creates table with an integer primary key "id", a "name" and a "qty"
// column, and fills it with n demo rows when it is empty.
func (s *Store) Seed(ctx context.Context, table string, n int) (int, error) {
	if !schema.ValidateIdentifier(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	q := quote(table)
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+q+` (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		qty INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		return 0, fmt.Errorf("create %s: %w", table, err)
	}
	var existing int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+q).Scan(&existing); err != nil {
		return 0, err
	}
	if existing > 0 || n <= 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+q+` (name, qty) VALUES (?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	for i := 1; i <= n; i++ {
		if _, err := stmt.ExecContext(ctx, fmt.Sprintf("row %d", i), i%17); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("seed %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.log.Info("seeded table", "table", table, "rows", n)
	return n, nil
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
