package schema

// ChangeType describes what a manager mutation changed.
type ChangeType string

const (
	// ChangeDataChanged indicates buffered rows changed (fetch, eviction, staging).
	ChangeDataChanged ChangeType = "data"
	// ChangeActiveChanged indicates the active row moved.
	ChangeActiveChanged ChangeType = "active"
	// ChangeStateChanged indicates the edit mode or open state changed.
	ChangeStateChanged ChangeType = "state"
)

// ChangeEvent is published after every buffer mutation.
type ChangeEvent struct {
	SessionID SessionID
	Type      ChangeType
	// Moved is the number of rows the active row moved, for active changes.
	Moved int
	Mode  EditMode
	BOF   bool
	EOF   bool
}
