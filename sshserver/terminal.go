package sshserver

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	gliderssh "github.com/gliderlabs/ssh"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/internal/eventbus"
	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"
)

type promptKind int

const (
	promptNone promptKind = iota
	promptFields
	promptSeek
)

func (p promptKind) prefix() string {
	switch p {
	case promptFields:
		return "set> "
	case promptSeek:
		return "seek> "
	default:
		return ""
	}
}

// browser is one terminal browsing a source through a window manager. It
// owns a single window sized to the terminal.
type browser struct {
	screen  *screen
	mgr     *core.Manager
	win     *core.Window
	source  schema.SourceName
	session schema.SessionID
	bus     *eventbus.Bus
	log     pslog.Logger

	width   int
	height  int
	columns []string

	prompt promptKind
	editor lineEditor
	notice string
	dirty  bool
}

func newBrowser(out io.Writer, mgr *core.Manager, source schema.SourceName, session schema.SessionID, bus *eventbus.Bus, log pslog.Logger) *browser {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &browser{
		screen:  newScreen(out),
		mgr:     mgr,
		source:  source,
		session: session,
		bus:     bus,
		log:     log.With("component", "browser"),
	}
}

func (b *browser) SetSize(width, height int) {
	if width <= 0 {
		width = 80
	}
	if height <= 0 {
		height = 24
	}
	b.width = width
	b.height = height
}

// rowsHeight is the window size: the terminal minus header and status lines.
func (b *browser) rowsHeight() int {
	return max(1, b.height-2)
}

// Open registers the window and fetches the first rows.
func (b *browser) Open(ctx context.Context, width, height int) error {
	b.SetSize(width, height)
	win, err := b.mgr.RegisterWindow(ctx, b.rowsHeight())
	if err != nil {
		return err
	}
	b.win = win
	if err := b.mgr.Open(ctx); err != nil {
		return err
	}
	b.log.Info("browser open", "source", b.source, "width", b.width, "height", b.height)
	return nil
}

func (b *browser) resize(ctx context.Context, width, height int) {
	b.SetSize(width, height)
	if err := b.mgr.SetWindowSize(ctx, b.win, b.rowsHeight()); err != nil {
		b.fail("resize", err)
	}
	b.dirty = true
	b.log.Debug("browser resize", "width", b.width, "height", b.height)
}

// Run drives the browser until the client quits, the key stream ends or ctx
// is cancelled. Keys, resizes and bus events are handled on this goroutine
// only.
func (b *browser) Run(ctx context.Context, keys <-chan key, winCh <-chan gliderssh.Window, events <-chan eventbus.Event) error {
	b.screen.EnterAltScreen()
	defer b.screen.ExitAltScreen()
	b.render()

	for {
		select {
		case <-ctx.Done():
			return nil
		case k, ok := <-keys:
			if !ok {
				return nil
			}
			if b.handleKey(ctx, k) {
				return nil
			}
		case win, ok := <-winCh:
			if !ok {
				winCh = nil
				break
			}
			b.resize(ctx, win.Width, win.Height)
		case ev, ok := <-events:
			if !ok {
				events = nil
				break
			}
			b.handleEvent(ctx, ev)
		}

		if b.dirty {
			b.render()
			b.dirty = false
		}
	}
}

func (b *browser) handleEvent(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.EventChange:
		b.dirty = true
	case eventbus.EventSourceChanged:
		b.dirty = true
		if b.mgr.Mode() != schema.ModeBrowse {
			b.notice = "source changed by another session"
			return
		}
		b.log.Debug("browser resync", "reason", "source changed", "origin", ev.Origin)
		if err := b.mgr.Resync(ctx, false, false); err != nil {
			b.fail("resync", err)
		}
	}
}

// handleKey applies one key and reports whether the browser should exit.
func (b *browser) handleKey(ctx context.Context, k key) bool {
	b.dirty = true
	if b.prompt != promptNone {
		b.handlePromptKey(ctx, k)
		return false
	}
	b.notice = ""
	switch k.kind {
	case keyCtrlC, keyCtrlD:
		b.log.Info("browser exit", "reason", "ctrl")
		return true
	case keyDown:
		b.moveBy(ctx, 1)
	case keyUp:
		b.moveBy(ctx, -1)
	case keyPageDown:
		b.moveBy(ctx, b.win.Size())
	case keyPageUp:
		b.moveBy(ctx, -b.win.Size())
	case keyHome:
		b.run(ctx, "first", b.mgr.First)
	case keyEnd:
		b.run(ctx, "last", b.mgr.Last)
	case keyRune:
		return b.handleCommand(ctx, k.r)
	}
	return false
}

func (b *browser) handleCommand(ctx context.Context, r rune) bool {
	switch r {
	case 'q':
		b.log.Info("browser exit", "reason", "quit")
		return true
	case 'j':
		b.moveBy(ctx, 1)
	case 'k':
		b.moveBy(ctx, -1)
	case ' ':
		b.moveBy(ctx, b.win.Size())
	case 'b':
		b.moveBy(ctx, -b.win.Size())
	case 'g':
		b.run(ctx, "first", b.mgr.First)
	case 'G':
		b.run(ctx, "last", b.mgr.Last)
	case 'r':
		b.run(ctx, "resync", func(ctx context.Context) error {
			return b.mgr.Resync(ctx, false, false)
		})
	case 'z':
		b.run(ctx, "center", func(ctx context.Context) error {
			return b.mgr.SetActiveOffset(ctx, b.win, b.win.Size()/2)
		})
	case 'e':
		row, _ := b.mgr.ActiveRow()
		b.columns = columnOrder(b.columns, []gridRow{{row: row}})
		if b.run(ctx, "edit", b.mgr.Edit) {
			b.startPrompt(promptFields, formatAssignments(b.columns, row))
		}
	case 'i':
		if b.run(ctx, "insert", b.mgr.Insert) {
			b.startPrompt(promptFields, "")
		}
	case 'a':
		if b.run(ctx, "append", b.mgr.Append) {
			b.startPrompt(promptFields, "")
		}
	case 'd':
		if b.run(ctx, "delete", b.mgr.Delete) {
			b.published()
		}
	case '/':
		b.startPrompt(promptSeek, "")
	}
	return false
}

func (b *browser) moveBy(ctx context.Context, delta int) {
	if _, err := b.mgr.MoveBy(ctx, delta); err != nil {
		b.fail("move", err)
	}
}

// run calls fn and reports failures on the status line.
func (b *browser) run(ctx context.Context, op string, fn func(context.Context) error) bool {
	if err := fn(ctx); err != nil {
		b.fail(op, err)
		return false
	}
	return true
}

func (b *browser) fail(op string, err error) {
	b.notice = fmt.Sprintf("%s: %v", op, err)
	b.log.Warn("browser op failed", "op", op, "err", err)
}

func (b *browser) published() {
	if b.bus != nil {
		b.bus.OnSourceChanged(b.source, b.session)
	}
}

func (b *browser) startPrompt(kind promptKind, initial string) {
	b.prompt = kind
	b.editor.SetString(initial)
}

func (b *browser) closePrompt() {
	b.prompt = promptNone
	b.editor.Clear()
}

func (b *browser) handlePromptKey(ctx context.Context, k key) {
	switch k.kind {
	case keyEscape, keyCtrlC:
		if b.prompt == promptFields {
			b.run(ctx, "cancel", b.mgr.Cancel)
		}
		b.closePrompt()
	case keyEnter:
		b.submitPrompt(ctx)
	case keyBackspace:
		b.editor.Backspace()
	case keyDelete:
		b.editor.Delete()
	case keyLeft:
		b.editor.MoveLeft()
	case keyRight:
		b.editor.MoveRight()
	case keyHome, keyCtrlA:
		b.editor.MoveStart()
	case keyEnd, keyCtrlE:
		b.editor.MoveEnd()
	case keyCtrlU:
		b.editor.KillLineStart()
	case keyRune:
		b.editor.InsertRune(k.r)
	}
}

func (b *browser) submitPrompt(ctx context.Context) {
	fields, err := parseAssignments(b.editor.String())
	if err != nil {
		b.notice = err.Error()
		return
	}
	switch b.prompt {
	case promptSeek:
		b.closePrompt()
		if len(fields) == 0 {
			return
		}
		b.run(ctx, "seek", func(ctx context.Context) error {
			return b.mgr.FindNearest(ctx, fields)
		})
	case promptFields:
		names := fields.Columns()
		slices.Sort(names)
		for _, name := range names {
			if err := b.mgr.SetField(name, fields[name]); err != nil {
				b.fail("set", err)
				return
			}
		}
		// A failed post keeps the prompt open so the values can be fixed.
		if !b.run(ctx, "post", b.mgr.Post) {
			return
		}
		b.closePrompt()
		b.published()
	}
}

func (b *browser) visibleRows() []gridRow {
	n := b.mgr.RowsVisible(b.win)
	active := b.mgr.ActiveLocalOffset(b.win)
	rows := make([]gridRow, 0, n)
	for i := 0; i < n; i++ {
		row, ok := b.mgr.ReadSlot(b.win, i)
		if !ok {
			break
		}
		flags, _ := b.mgr.ReadSlotFlags(b.win, i)
		rows = append(rows, gridRow{row: row, flags: flags, active: i == active})
	}
	return rows
}

// view lays out the header, one line per window slot and the status line.
// It returns the lines and the 1-based caret position.
func (b *browser) view() ([]string, int, int) {
	rows := b.visibleRows()
	b.columns = columnOrder(b.columns, rows)
	widths := columnWidths(b.columns, rows)

	lines := make([]string, 0, b.height)
	lines = append(lines, renderHeader(b.columns, widths, b.width))
	for i := 0; i < b.win.Size(); i++ {
		if i < len(rows) {
			lines = append(lines, renderRow(rows[i], b.columns, widths, b.width))
			continue
		}
		lines = append(lines, renderFiller(b.width))
	}
	if b.prompt != promptNone {
		line, col := promptView(b.prompt.prefix(), &b.editor, b.width)
		lines = append(lines, line)
		return lines, len(lines), col
	}
	lines = append(lines, renderStatus(b.source, b.mgr.Mode(), b.mgr.BOF(), b.mgr.EOF(), b.notice, b.width))
	cursorRow := 2
	if active := b.mgr.ActiveLocalOffset(b.win); active > 0 {
		cursorRow += active
	}
	return lines, cursorRow, 1
}

func (b *browser) render() {
	lines, row, col := b.view()
	if err := b.screen.Render(lines, row, col); err != nil {
		b.log.Debug("browser render failed", "err", err)
	}
}

// parseAssignments parses space separated name=value pairs. Values may be
// Go-quoted strings; bare integers and floats become numbers.
func parseAssignments(line string) (schema.Row, error) {
	row := schema.Row{}
	rest := strings.TrimSpace(line)
	for rest != "" {
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("expected name=value near %q", rest)
		}
		name := strings.TrimSpace(rest[:eq])
		if !schema.ValidateIdentifier(name) {
			return nil, fmt.Errorf("invalid column %q", name)
		}
		rest = rest[eq+1:]
		var raw string
		quoted := strings.HasPrefix(rest, `"`)
		if quoted {
			prefix, err := strconv.QuotedPrefix(rest)
			if err != nil {
				return nil, fmt.Errorf("column %s: unterminated quote", name)
			}
			raw = prefix
			rest = rest[len(prefix):]
		} else if end := strings.IndexByte(rest, ' '); end >= 0 {
			raw, rest = rest[:end], rest[end:]
		} else {
			raw, rest = rest, ""
		}
		rest = strings.TrimLeft(rest, " ")
		row[name] = parseValue(raw, quoted)
	}
	return row, nil
}

func parseValue(raw string, quoted bool) any {
	if quoted {
		value, err := strconv.Unquote(raw)
		if err == nil {
			return value
		}
		return raw
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// formatAssignments renders row in columns order as input for
// parseAssignments.
func formatAssignments(columns []string, row schema.Row) string {
	parts := make([]string, 0, len(row))
	for _, name := range columns {
		value, ok := row[name]
		if !ok {
			continue
		}
		var text string
		switch v := value.(type) {
		case nil:
			continue
		case string:
			text = v
			if text == "" || strings.ContainsAny(text, " \"=") || parseValue(text, false) != any(text) {
				text = strconv.Quote(text)
			}
		default:
			text = fmt.Sprint(v)
		}
		parts = append(parts, name+"="+text)
	}
	return strings.Join(parts, " ")
}
