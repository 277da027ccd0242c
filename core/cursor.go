package core

import (
	"context"

	"pkt.systems/cursorwin/schema"
)

// RemoteCursor is a sequential, bookmark-addressable row source.
//
// First and Last land on a row when the source is non-empty. Next and Prior
// report false when they step past an end and leave the cursor on the EOF or
// BOF crack. Insert leaves the cursor on the new row; Delete leaves it on the
// following row or on the EOF crack.
type RemoteCursor interface {
	Next(ctx context.Context) (bool, error)
	Prior(ctx context.Context) (bool, error)
	First(ctx context.Context) (bool, error)
	Last(ctx context.Context) (bool, error)
	IsBOF() bool
	IsEOF() bool

	Select(ctx context.Context) (schema.Row, error)
	Bookmark(ctx context.Context) (schema.Bookmark, error)
	GotoBookmark(ctx context.Context, bm schema.Bookmark, forward bool) (bool, error)
	DisposeBookmarks(ctx context.Context, bms []schema.Bookmark) error

	FindKey(ctx context.Context, key schema.Row) (bool, error)
	FindNearest(ctx context.Context, key schema.Row) error
	Refresh(ctx context.Context, row schema.Row) (schema.Row, bool, error)

	Insert(ctx context.Context, row schema.Row) error
	Update(ctx context.Context, row schema.Row) error
	Delete(ctx context.Context) error
}

// Transactor scopes remote mutations.
type Transactor interface {
	StartTransaction(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SessionCursor is a cursor handed out by a source; the opener closes it.
type SessionCursor interface {
	RemoteCursor
	Close(ctx context.Context) error
}

// CursorSource opens cursors over one named result set.
type CursorSource interface {
	OpenCursor(ctx context.Context) (SessionCursor, error)
}

// CursorSourceFunc adapts a function to CursorSource.
type CursorSourceFunc func(ctx context.Context) (SessionCursor, error)

// OpenCursor calls f.
func (f CursorSourceFunc) OpenCursor(ctx context.Context) (SessionCursor, error) {
	return f(ctx)
}

// RowValidator checks staged values before they are posted.
type RowValidator interface {
	ValidateRow(ctx context.Context, mode schema.EditMode, row schema.Row) error
}

// RowValidatorFunc adapts a function to RowValidator.
type RowValidatorFunc func(ctx context.Context, mode schema.EditMode, row schema.Row) error

// ValidateRow calls f.
func (f RowValidatorFunc) ValidateRow(ctx context.Context, mode schema.EditMode, row schema.Row) error {
	return f(ctx, mode, row)
}
