package memcursor

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"pkt.systems/cursorwin/schema"
)

type position int

const (
	atBOF position = iota
	atEOF
	onRow
	onGap
)

// Calls counts remote operations issued against a cursor.
type Calls struct {
	Next, Prior, First, Last int
	Select, Bookmark         int
	GotoBookmark             int
	DisposeCalls             int
	Disposed                 int
	FindKey, FindNearest     int
	Refresh                  int
	Insert, Update, Delete   int
	Start, Commit, Rollback  int
}

// Cursor is a remote cursor over a Table. It tracks every bookmark it hands
// out so tests can check for leaks and double disposal.
type Cursor struct {
	table *Table

	mu     sync.Mutex
	pos    position
	key    int64
	calls  Calls
	fail   map[string]error
	marks  map[schema.Bookmark]int64
	nextBM uint64

	doubleDisposed int
	txSnapshot     []schema.Row
	inTx           bool
	closed         bool
}

// NewCursor opens a cursor on t positioned before the first row.
func NewCursor(t *Table) *Cursor {
	return &Cursor{
		table: t,
		pos:   atBOF,
		fail:  make(map[string]error),
		marks: make(map[schema.Bookmark]int64),
	}
}

// FailNext makes the next call of op return err. Op names match the Calls
// fields in lower case, e.g. "next", "insert", "rollback".
func (c *Cursor) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[op] = err
}

// Calls returns a copy of the call counters.
func (c *Cursor) Calls() Calls {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// ResetCalls zeroes the call counters.
func (c *Cursor) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = Calls{}
}

// Outstanding returns the number of bookmarks issued and not yet disposed.
func (c *Cursor) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.marks)
}

// DoubleDisposed returns how many disposed tokens were unknown or already
// released.
func (c *Cursor) DoubleDisposed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doubleDisposed
}

func (c *Cursor) injected(op string) error {
	if err, ok := c.fail[op]; ok {
		delete(c.fail, op)
		return err
	}
	if c.closed {
		return fmt.Errorf("%s: cursor closed", op)
	}
	return nil
}

// Next steps to the following row.
func (c *Cursor) Next(_ context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Next++
	if err := c.injected("next"); err != nil {
		return false, err
	}
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	var idx int
	switch c.pos {
	case atEOF:
		return false, nil
	case atBOF:
		idx = 0
	case onRow:
		i, found := c.table.search(c.key)
		if found {
			i++
		}
		idx = i
	case onGap:
		idx, _ = c.table.search(c.key)
	}
	return c.land(idx, atEOF), nil
}

// Prior steps to the preceding row.
func (c *Cursor) Prior(_ context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Prior++
	if err := c.injected("prior"); err != nil {
		return false, err
	}
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	var idx int
	switch c.pos {
	case atBOF:
		return false, nil
	case atEOF:
		idx = len(c.table.rows) - 1
	default:
		i, _ := c.table.search(c.key)
		idx = i - 1
	}
	return c.land(idx, atBOF), nil
}

// land moves onto row idx, or onto the crack named by miss when idx is out
// of range. Callers hold the table lock.
func (c *Cursor) land(idx int, miss position) bool {
	if idx < 0 || idx >= len(c.table.rows) {
		c.pos = miss
		return false
	}
	c.key, _ = c.table.keyOf(c.table.rows[idx])
	c.pos = onRow
	return true
}

// First moves onto the first row.
func (c *Cursor) First(_ context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.First++
	if err := c.injected("first"); err != nil {
		return false, err
	}
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	return c.land(0, atBOF), nil
}

// Last moves onto the last row.
func (c *Cursor) Last(_ context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Last++
	if err := c.injected("last"); err != nil {
		return false, err
	}
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	return c.land(len(c.table.rows)-1, atEOF), nil
}

// IsBOF reports whether the cursor is before the first row.
func (c *Cursor) IsBOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos == atBOF || c.table.Len() == 0
}

// IsEOF reports whether the cursor is after the last row.
func (c *Cursor) IsEOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos == atEOF || c.table.Len() == 0
}

// current returns the row under the cursor. Callers hold the table lock.
func (c *Cursor) current() (int, error) {
	if c.pos != onRow {
		return -1, ErrNoCurrentRow
	}
	idx, found := c.table.search(c.key)
	if !found {
		return -1, fmt.Errorf("%w: row %d was deleted", ErrNoCurrentRow, c.key)
	}
	return idx, nil
}

// Select returns a copy of the current row.
func (c *Cursor) Select(_ context.Context) (schema.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Select++
	if err := c.injected("select"); err != nil {
		return nil, err
	}
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	idx, err := c.current()
	if err != nil {
		return nil, err
	}
	return c.table.rows[idx].Clone(), nil
}

// Bookmark issues a new token for the current row.
func (c *Cursor) Bookmark(_ context.Context) (schema.Bookmark, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Bookmark++
	if err := c.injected("bookmark"); err != nil {
		return "", err
	}
	if c.pos != onRow {
		return "", ErrNoCurrentRow
	}
	c.nextBM++
	bm := schema.Bookmark("bm-" + strconv.FormatUint(c.nextBM, 10))
	c.marks[bm] = c.key
	return bm, nil
}

// GotoBookmark moves onto the bookmarked row. When the row is gone the
// cursor is left on the crack where it used to be and false is returned.
func (c *Cursor) GotoBookmark(_ context.Context, bm schema.Bookmark, _ bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.GotoBookmark++
	if err := c.injected("gotobookmark"); err != nil {
		return false, err
	}
	key, ok := c.marks[bm]
	if !ok {
		return false, fmt.Errorf("unknown bookmark %q", bm)
	}
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	c.key = key
	if _, found := c.table.search(key); !found {
		c.pos = onGap
		return false, nil
	}
	c.pos = onRow
	return true, nil
}

// DisposeBookmarks releases tokens. Unknown tokens are counted and reported.
func (c *Cursor) DisposeBookmarks(_ context.Context, bms []schema.Bookmark) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.DisposeCalls++
	if err := c.injected("dispose"); err != nil {
		return err
	}
	var unknown int
	for _, bm := range bms {
		if _, ok := c.marks[bm]; !ok {
			unknown++
			continue
		}
		delete(c.marks, bm)
		c.calls.Disposed++
	}
	if unknown > 0 {
		c.doubleDisposed += unknown
		return fmt.Errorf("dispose: %d unknown bookmarks", unknown)
	}
	return nil
}

// FindKey moves onto the row whose key matches key. On a miss the cursor
// does not move.
func (c *Cursor) FindKey(_ context.Context, key schema.Row) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.FindKey++
	if err := c.injected("findkey"); err != nil {
		return false, err
	}
	k, ok := c.table.keyOf(key)
	if !ok {
		return false, nil
	}
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	if _, found := c.table.search(k); !found {
		return false, nil
	}
	c.key, c.pos = k, onRow
	return true, nil
}

// FindNearest moves onto the first row with a key at or after key, or onto
// EOF.
func (c *Cursor) FindNearest(_ context.Context, key schema.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.FindNearest++
	if err := c.injected("findnearest"); err != nil {
		return err
	}
	k, ok := c.table.keyOf(key)
	if !ok {
		return fmt.Errorf("find nearest: key column %q missing", c.table.key)
	}
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	idx, _ := c.table.search(k)
	c.land(idx, atEOF)
	return nil
}

// Refresh re-reads the current row.
func (c *Cursor) Refresh(_ context.Context, _ schema.Row) (schema.Row, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Refresh++
	if err := c.injected("refresh"); err != nil {
		return nil, false, err
	}
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	idx, err := c.current()
	if err != nil {
		return nil, false, nil
	}
	return c.table.rows[idx].Clone(), true, nil
}

// Insert adds row and moves onto it.
func (c *Cursor) Insert(_ context.Context, row schema.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Insert++
	if err := c.injected("insert"); err != nil {
		return err
	}
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	k, err := c.table.insert(row.Clone())
	if err != nil {
		return err
	}
	c.key, c.pos = k, onRow
	return nil
}

// Update replaces the current row's values. The key column is preserved.
func (c *Cursor) Update(_ context.Context, row schema.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Update++
	if err := c.injected("update"); err != nil {
		return err
	}
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	idx, err := c.current()
	if err != nil {
		return err
	}
	updated := row.Clone()
	if updated == nil {
		updated = schema.Row{}
	}
	updated[c.table.key] = c.key
	c.table.rows[idx] = updated
	return nil
}

// Delete removes the current row and moves onto the following row.
func (c *Cursor) Delete(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Delete++
	if err := c.injected("delete"); err != nil {
		return err
	}
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	idx, err := c.current()
	if err != nil {
		return err
	}
	c.table.rows = append(c.table.rows[:idx], c.table.rows[idx+1:]...)
	c.land(idx, atEOF)
	return nil
}

// StartTransaction snapshots the table for Rollback.
func (c *Cursor) StartTransaction(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Start++
	if err := c.injected("start"); err != nil {
		return err
	}
	if c.inTx {
		return fmt.Errorf("transaction already active")
	}
	c.table.mu.Lock()
	c.txSnapshot = c.table.snapshot()
	c.table.mu.Unlock()
	c.inTx = true
	return nil
}

// Commit keeps the changes made since StartTransaction.
func (c *Cursor) Commit(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Commit++
	if err := c.injected("commit"); err != nil {
		return err
	}
	if !c.inTx {
		return fmt.Errorf("no active transaction")
	}
	c.inTx, c.txSnapshot = false, nil
	return nil
}

// Rollback restores the table to its state at StartTransaction.
func (c *Cursor) Rollback(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Rollback++
	if err := c.injected("rollback"); err != nil {
		c.inTx, c.txSnapshot = false, nil
		return err
	}
	if !c.inTx {
		return fmt.Errorf("no active transaction")
	}
	c.table.mu.Lock()
	c.table.rows = c.txSnapshot
	c.table.mu.Unlock()
	c.inTx, c.txSnapshot = false, nil
	return nil
}

// Close releases every outstanding bookmark and reports how many were left.
func (c *Cursor) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	leaked := len(c.marks)
	clear(c.marks)
	if leaked > 0 {
		return fmt.Errorf("closed with %d outstanding bookmarks", leaked)
	}
	return nil
}
