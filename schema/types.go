package schema

import "maps"

// SessionID identifies one manager/cursor session.
type SessionID string

// WindowID identifies a consumer window registered on a manager.
type WindowID uint64

// SourceName identifies a named cursor source in a registry.
type SourceName string

// Bookmark is an opaque cursor-issued token addressing one remote row.
// The zero value means no bookmark is held.
type Bookmark string

// Row is one buffered row keyed by column name.
type Row map[string]any

// Clone returns a copy of the row that shares no maps or byte slices with r.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := maps.Clone(r)
	for k, v := range out {
		if b, ok := v.([]byte); ok {
			out[k] = append([]byte(nil), b...)
		}
	}
	return out
}

// Columns returns the column names of the row in no particular order.
func (r Row) Columns() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	return out
}

// EditMode is the state of a manager's edit session.
type EditMode string

const (
	// ModeBrowse means no edit is pending.
	ModeBrowse EditMode = "browse"
	// ModeInsert means a staged row is spliced into the buffer.
	ModeInsert EditMode = "insert"
	// ModeEdit means the active row is being modified in place.
	ModeEdit EditMode = "edit"
)

// PostMode selects how the buffer is reconciled after a successful post.
type PostMode string

const (
	// PostModeRefresh rebuilds the buffer around the posted row.
	PostModeRefresh PostMode = "refresh"
	// PostModeInPlace only clears the staged flag on the posted slot.
	PostModeInPlace PostMode = "in_place"
)
