package sqlcursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/schema"
)

// ErrNoCurrentRow is returned when an operation needs a current row and the
// cursor sits on a crack.
var ErrNoCurrentRow = errors.New("no current row")

// Source opens keyset cursors over one table.
type Source struct {
	store *Store
	table string
	key   string
}

// Table returns the table name.
func (s *Source) Table() string { return s.table }

// Key returns the key column name.
func (s *Source) Key() string { return s.key }

// OpenCursor opens a cursor positioned before the first row.
func (s *Source) OpenCursor(_ context.Context) (core.SessionCursor, error) {
	return s.Cursor(), nil
}

// Cursor returns a new cursor over the source.
func (s *Source) Cursor() *Cursor {
	return &Cursor{
		db:    s.store.db,
		table: quote(s.table),
		key:   s.key,
		qkey:  quote(s.key),
		pos:   atBOF,
		marks: make(map[schema.Bookmark]int64),
	}
}

type position int

const (
	atBOF position = iota
	atEOF
	onRow
	onGap
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Cursor walks a table in key order. Bookmarks are tokens mapped to keys and
// stay valid until disposed or the cursor is closed. A Cursor is not safe
// for concurrent use.
type Cursor struct {
	db    *sql.DB
	tx    *sql.Tx
	table string
	key   string
	qkey  string

	pos    position
	cur    int64
	marks  map[schema.Bookmark]int64
	nextBM uint64
	closed bool
	// ended is set when a failed Commit already finished the transaction.
	ended bool
}

func (c *Cursor) q() querier {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

func (c *Cursor) check() error {
	if c.closed {
		return errors.New("cursor closed")
	}
	return nil
}

// seek lands on the first key matching cond in the given order, or on the
// crack named by miss.
func (c *Cursor) seek(ctx context.Context, cond string, desc bool, miss position, args ...any) (bool, error) {
	query := "SELECT " + c.qkey + " FROM " + c.table
	if cond != "" {
		query += " WHERE " + c.qkey + " " + cond
	}
	query += " ORDER BY " + c.qkey
	if desc {
		query += " DESC"
	}
	query += " LIMIT 1"
	var k int64
	err := c.q().QueryRowContext(ctx, query, args...).Scan(&k)
	if errors.Is(err, sql.ErrNoRows) {
		c.pos = miss
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.cur, c.pos = k, onRow
	return true, nil
}

// Next steps to the following row.
func (c *Cursor) Next(ctx context.Context) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	switch c.pos {
	case atEOF:
		return false, nil
	case atBOF:
		return c.seek(ctx, "", false, atEOF)
	case onGap:
		return c.seek(ctx, ">= ?", false, atEOF, c.cur)
	default:
		return c.seek(ctx, "> ?", false, atEOF, c.cur)
	}
}

// Prior steps to the preceding row.
func (c *Cursor) Prior(ctx context.Context) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	switch c.pos {
	case atBOF:
		return false, nil
	case atEOF:
		return c.seek(ctx, "", true, atBOF)
	default:
		return c.seek(ctx, "< ?", true, atBOF, c.cur)
	}
}

// First moves onto the first row.
func (c *Cursor) First(ctx context.Context) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	return c.seek(ctx, "", false, atBOF)
}

// Last moves onto the last row.
func (c *Cursor) Last(ctx context.Context) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	return c.seek(ctx, "", true, atEOF)
}

// IsBOF reports whether the cursor is before the first row.
func (c *Cursor) IsBOF() bool { return c.pos == atBOF }

// IsEOF reports whether the cursor is after the last row.
func (c *Cursor) IsEOF() bool { return c.pos == atEOF }

func (c *Cursor) selectKey(ctx context.Context, k int64) (schema.Row, bool, error) {
	rows, err := c.q().QueryContext(ctx, "SELECT * FROM "+c.table+" WHERE "+c.qkey+" = ?", k)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, false, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, false, err
	}
	row := make(schema.Row, len(cols))
	for i, col := range cols {
		row[col] = values[i]
	}
	return row, true, rows.Err()
}

// Select returns the current row.
func (c *Cursor) Select(ctx context.Context) (schema.Row, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if c.pos != onRow {
		return nil, ErrNoCurrentRow
	}
	row, ok, err := c.selectKey(ctx, c.cur)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: key %d was deleted", ErrNoCurrentRow, c.cur)
	}
	return row, nil
}

// Bookmark issues a token for the current row.
func (c *Cursor) Bookmark(_ context.Context) (schema.Bookmark, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	if c.pos != onRow {
		return "", ErrNoCurrentRow
	}
	c.nextBM++
	bm := schema.Bookmark("k" + strconv.FormatInt(c.cur, 10) + "." + strconv.FormatUint(c.nextBM, 10))
	c.marks[bm] = c.cur
	return bm, nil
}

// GotoBookmark moves onto the bookmarked row. A deleted row leaves the
// cursor on the crack where it used to be.
func (c *Cursor) GotoBookmark(ctx context.Context, bm schema.Bookmark, _ bool) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	k, ok := c.marks[bm]
	if !ok {
		return false, fmt.Errorf("unknown bookmark %q", bm)
	}
	found, err := c.exists(ctx, k)
	if err != nil {
		return false, err
	}
	c.cur = k
	if !found {
		c.pos = onGap
		return false, nil
	}
	c.pos = onRow
	return true, nil
}

func (c *Cursor) exists(ctx context.Context, k int64) (bool, error) {
	var one int
	err := c.q().QueryRowContext(ctx, "SELECT 1 FROM "+c.table+" WHERE "+c.qkey+" = ?", k).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// DisposeBookmarks releases tokens.
func (c *Cursor) DisposeBookmarks(_ context.Context, bms []schema.Bookmark) error {
	var unknown int
	for _, bm := range bms {
		if _, ok := c.marks[bm]; !ok {
			unknown++
			continue
		}
		delete(c.marks, bm)
	}
	if unknown > 0 {
		return fmt.Errorf("dispose: %d unknown bookmarks", unknown)
	}
	return nil
}

// Outstanding returns the number of live bookmarks.
func (c *Cursor) Outstanding() int { return len(c.marks) }

func (c *Cursor) keyOf(row schema.Row) (int64, bool) {
	if row == nil {
		return 0, false
	}
	switch v := row[c.key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), float64(int64(v)) == v
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// FindKey moves onto the row whose key matches key. On a miss the cursor
// does not move.
func (c *Cursor) FindKey(ctx context.Context, key schema.Row) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	k, ok := c.keyOf(key)
	if !ok {
		return false, nil
	}
	found, err := c.exists(ctx, k)
	if err != nil || !found {
		return false, err
	}
	c.cur, c.pos = k, onRow
	return true, nil
}

// FindNearest moves onto the first row with a key at or after key, or onto
// EOF.
func (c *Cursor) FindNearest(ctx context.Context, key schema.Row) error {
	if err := c.check(); err != nil {
		return err
	}
	k, ok := c.keyOf(key)
	if !ok {
		return fmt.Errorf("find nearest: key column %q missing", c.key)
	}
	_, err := c.seek(ctx, ">= ?", false, atEOF, k)
	return err
}

// Refresh re-reads the current row. It reports false when the row is gone.
func (c *Cursor) Refresh(ctx context.Context, _ schema.Row) (schema.Row, bool, error) {
	if err := c.check(); err != nil {
		return nil, false, err
	}
	if c.pos != onRow {
		return nil, false, nil
	}
	return c.selectKey(ctx, c.cur)
}

// Insert adds row and moves onto it. A missing or zero key lets SQLite
// assign one.
func (c *Cursor) Insert(ctx context.Context, row schema.Row) error {
	if err := c.check(); err != nil {
		return err
	}
	values := row.Clone()
	if values == nil {
		values = schema.Row{}
	}
	if k, ok := c.keyOf(values); !ok || k == 0 {
		delete(values, c.key)
	}
	cols, args, err := c.columns(values)
	if err != nil {
		return err
	}
	var query string
	if len(cols) == 0 {
		query = "INSERT INTO " + c.table + " DEFAULT VALUES"
	} else {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		query = "INSERT INTO " + c.table + " (" + strings.Join(cols, ", ") + ") VALUES (" + marks + ")"
	}
	res, err := c.q().ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	k, ok := c.keyOf(values)
	if !ok {
		if k, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	c.cur, c.pos = k, onRow
	return nil
}

// Update replaces the current row's values. The key column is preserved.
func (c *Cursor) Update(ctx context.Context, row schema.Row) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.pos != onRow {
		return ErrNoCurrentRow
	}
	values := row.Clone()
	delete(values, c.key)
	cols, args, err := c.columns(values)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = col + " = ?"
	}
	args = append(args, c.cur)
	res, err := c.q().ExecContext(ctx,
		"UPDATE "+c.table+" SET "+strings.Join(sets, ", ")+" WHERE "+c.qkey+" = ?", args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: key %d was deleted", ErrNoCurrentRow, c.cur)
	}
	return nil
}

// Delete removes the current row and moves onto the following row.
func (c *Cursor) Delete(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.pos != onRow {
		return ErrNoCurrentRow
	}
	res, err := c.q().ExecContext(ctx, "DELETE FROM "+c.table+" WHERE "+c.qkey+" = ?", c.cur)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: key %d was deleted", ErrNoCurrentRow, c.cur)
	}
	c.pos = onGap
	_, err = c.seek(ctx, ">= ?", false, atEOF, c.cur)
	return err
}

// columns returns quoted column names in sorted order with their values.
func (c *Cursor) columns(row schema.Row) ([]string, []any, error) {
	names := row.Columns()
	slices.Sort(names)
	cols := make([]string, 0, len(names))
	args := make([]any, 0, len(names))
	for _, name := range names {
		if !schema.ValidateIdentifier(name) {
			return nil, nil, fmt.Errorf("invalid column name %q", name)
		}
		cols = append(cols, quote(name))
		args = append(args, row[name])
	}
	return cols, args, nil
}

// StartTransaction begins a database transaction used by every following
// call until Commit or Rollback.
func (c *Cursor) StartTransaction(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.tx != nil {
		return errors.New("transaction already active")
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	c.ended = false
	return nil
}

// Commit commits the active transaction.
func (c *Cursor) Commit(_ context.Context) error {
	if c.tx == nil {
		return errors.New("no active transaction")
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		c.ended = true
		return err
	}
	return nil
}

// Rollback aborts the active transaction. After a failed Commit there is
// nothing left to undo and Rollback succeeds.
func (c *Cursor) Rollback(_ context.Context) error {
	if c.tx == nil {
		if c.ended {
			c.ended = false
			return nil
		}
		return errors.New("no active transaction")
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// Close rolls back any open transaction and releases every bookmark.
func (c *Cursor) Close(_ context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	clear(c.marks)
	if c.tx != nil {
		tx := c.tx
		c.tx = nil
		return tx.Rollback()
	}
	return nil
}
