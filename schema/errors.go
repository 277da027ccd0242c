package schema

import "errors"

var (
	// ErrBookmarkNotFound indicates a strict reposition could not find a slot's remote row.
	ErrBookmarkNotFound = errors.New("bookmark not found")
	// ErrRecordNotFound indicates an exact resync found no current remote row.
	ErrRecordNotFound = errors.New("record not found")
	// ErrNotOpen indicates the manager is closed.
	ErrNotOpen = errors.New("window manager not open")
	// ErrEmpty indicates the operation needs a current row and the buffer is empty.
	ErrEmpty = errors.New("no current row")
	// ErrNotEditing indicates a staging call outside insert or edit mode.
	ErrNotEditing = errors.New("not in insert or edit mode")
	// ErrInvalidWindow indicates an unknown window handle or a size below one.
	ErrInvalidWindow = errors.New("invalid window")
	// ErrRollbackFailed indicates a failed operation could not be rolled back.
	ErrRollbackFailed = errors.New("transaction rollback failed")
	// ErrSourceNotFound indicates a registry lookup for an unknown source.
	ErrSourceNotFound = errors.New("source not found")
	// ErrInvalidSource indicates a malformed source name.
	ErrInvalidSource = errors.New("invalid source name")
	// ErrSessionNotFound indicates an unknown remote cursor session.
	ErrSessionNotFound = errors.New("session not found")
)
