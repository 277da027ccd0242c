// Package memcursor provides an in-memory keyed result set with remote-cursor
// semantics. It backs tests and the demo source when no database is
// configured.
package memcursor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"pkt.systems/cursorwin/schema"
)

// ErrDuplicateKey is returned when an insert reuses an existing key.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrNoCurrentRow is returned when an operation needs a current row and the
// cursor sits on a crack.
var ErrNoCurrentRow = errors.New("no current row")

// Table is an ordered set of rows keyed by an integer column. Cursors opened
// on a table see each other's changes.
type Table struct {
	mu      sync.Mutex
	key     string
	rows    []schema.Row
	nextKey int64
}

// NewTable builds a table keyed by key. Rows without a key are numbered.
func NewTable(key string, rows ...schema.Row) (*Table, error) {
	if !schema.ValidateIdentifier(key) {
		return nil, fmt.Errorf("invalid key column %q", key)
	}
	t := &Table{key: key, nextKey: 1}
	for _, row := range rows {
		if _, err := t.insert(row.Clone()); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Seq builds a table of n rows keyed "id" from 1 to n with a "name" column.
func Seq(n int) *Table {
	t := &Table{key: "id", nextKey: 1}
	for i := 1; i <= n; i++ {
		_, _ = t.insert(schema.Row{"id": int64(i), "name": fmt.Sprintf("row %d", i)})
	}
	return t
}

// Key returns the key column name.
func (t *Table) Key() string { return t.key }

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// Rows returns a copy of every row in key order.
func (t *Table) Rows() []schema.Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]schema.Row, len(t.rows))
	for i, row := range t.rows {
		out[i] = row.Clone()
	}
	return out
}

// OpenCursor opens a cursor positioned before the first row.
func (t *Table) OpenCursor(_ context.Context) (*Cursor, error) {
	return NewCursor(t), nil
}

// KeyOf converts a key column value to an integer key.
func KeyOf(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), float64(int64(n)) == n
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func (t *Table) keyOf(row schema.Row) (int64, bool) {
	if row == nil {
		return 0, false
	}
	return KeyOf(row[t.key])
}

// search returns the index of the first row with key >= k.
func (t *Table) search(k int64) (int, bool) {
	return slices.BinarySearchFunc(t.rows, k, func(row schema.Row, target int64) int {
		key, _ := t.keyOf(row)
		switch {
		case key < target:
			return -1
		case key > target:
			return 1
		default:
			return 0
		}
	})
}

func (t *Table) insert(row schema.Row) (int64, error) {
	if row == nil {
		row = schema.Row{}
	}
	k, ok := t.keyOf(row)
	if !ok || k == 0 {
		k = t.nextKey
	}
	row[t.key] = k
	idx, found := t.search(k)
	if found {
		return 0, fmt.Errorf("%w: %d", ErrDuplicateKey, k)
	}
	t.rows = slices.Insert(t.rows, idx, row)
	if k >= t.nextKey {
		t.nextKey = k + 1
	}
	return k, nil
}

func (t *Table) snapshot() []schema.Row {
	out := make([]schema.Row, len(t.rows))
	for i, row := range t.rows {
		out[i] = row.Clone()
	}
	return out
}
