package sshserver

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/schema"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBold    = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiReverse = "\x1b[7m"
)

const (
	maxColumnWidth = 24
	cellEllipsis   = "…"
)

// gridRow is one displayed window slot.
type gridRow struct {
	row    schema.Row
	flags  core.SlotFlags
	active bool
}

// columnOrder keeps the known column order and appends columns first seen in
// rows, sorted.
func columnOrder(known []string, rows []gridRow) []string {
	seen := make(map[string]bool, len(known))
	for _, name := range known {
		seen[name] = true
	}
	var added []string
	for _, r := range rows {
		for _, name := range r.row.Columns() {
			if !seen[name] {
				seen[name] = true
				added = append(added, name)
			}
		}
	}
	slices.Sort(added)
	return append(known, added...)
}

func columnWidths(columns []string, rows []gridRow) []int {
	widths := make([]int, len(columns))
	for i, name := range columns {
		widths[i] = runewidth.StringWidth(name)
		for _, r := range rows {
			widths[i] = max(widths[i], runewidth.StringWidth(formatCell(r.row[name])))
		}
		widths[i] = min(widths[i], maxColumnWidth)
	}
	return widths
}

func formatCell(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return sanitizeCell(value)
	case []byte:
		return sanitizeCell(string(value))
	case time.Time:
		return value.Format(time.DateTime)
	default:
		return sanitizeCell(fmt.Sprint(value))
	}
}

// sanitizeCell replaces control characters so a cell stays on one line.
func sanitizeCell(value string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, value)
}

func fitWidth(value string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.FillRight(runewidth.Truncate(value, width, cellEllipsis), width)
}

func joinCells(cells []string, widths []int) string {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fitWidth(cell, widths[i])
	}
	return strings.Join(parts, " ")
}

func renderHeader(columns []string, widths []int, width int) string {
	line := "  " + joinCells(columns, widths)
	return ansiBold + fitWidth(line, width) + ansiReset
}

func renderRow(r gridRow, columns []string, widths []int, width int) string {
	cells := make([]string, len(columns))
	for i, name := range columns {
		cells[i] = formatCell(r.row[name])
	}
	marker := " "
	switch {
	case r.flags.Inserted:
		marker = "+"
	case r.active:
		marker = ">"
	}
	line := fitWidth(marker+" "+joinCells(cells, widths), width)
	if r.active {
		return ansiReverse + line + ansiReset
	}
	return line
}

func renderFiller(width int) string {
	return ansiDim + fitWidth("~", width) + ansiReset
}

func renderStatus(source schema.SourceName, mode schema.EditMode, bof, eof bool, notice string, width int) string {
	var b strings.Builder
	b.WriteString(string(source))
	b.WriteString(" [")
	b.WriteString(string(mode))
	b.WriteString("]")
	if bof {
		b.WriteString(" BOF")
	}
	if eof {
		b.WriteString(" EOF")
	}
	b.WriteString("  ")
	if notice != "" {
		b.WriteString(notice)
	} else {
		b.WriteString(statusHint(mode))
	}
	return ansiDim + fitWidth(b.String(), width) + ansiReset
}

func statusHint(mode schema.EditMode) string {
	if mode != schema.ModeBrowse {
		return "enter post  esc cancel"
	}
	return "j/k move  g/G ends  e edit  i/a insert  d delete  / seek  r resync  q quit"
}

// promptView returns the prompt line and the display column of the caret.
func promptView(prefix string, editor *lineEditor, width int) (string, int) {
	text := editor.String()
	caret := runewidth.StringWidth(prefix) + runewidth.StringWidth(string(editor.buf[:editor.Cursor()]))
	if caret >= width && width > 0 {
		// Keep the caret visible by dropping text from the left.
		drop := caret - width + 1
		text = runewidth.TruncateLeft(text, drop, "")
		caret = width - 1
	}
	return fitWidth(prefix+text, width), caret + 1
}
