package core

import (
	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"
)

// ManagerDeps captures optional dependencies for a window manager.
type ManagerDeps struct {
	// Transactor scopes Post and Delete. When nil and the cursor implements
	// Transactor, the cursor is used.
	Transactor Transactor
	Validator  RowValidator
	EventSink  EventSink
	Logger     pslog.Logger
	SessionID  schema.SessionID
}
