package sshserver

import (
	"fmt"
	"io"
	"strings"
)

type screen struct {
	out io.Writer
}

func newScreen(out io.Writer) *screen {
	return &screen{out: out}
}

func (s *screen) EnterAltScreen() {
	_, _ = io.WriteString(s.out, "\x1b[?1049h\x1b[H\x1b[2J")
}

func (s *screen) ExitAltScreen() {
	_, _ = io.WriteString(s.out, "\x1b[?1049l\x1b[?25h")
}

// Render repaints every line in place, clearing what is left of each row and
// everything below the last one, then parks the cursor.
func (s *screen) Render(lines []string, cursorRow, cursorCol int) error {
	if cursorRow < 1 {
		cursorRow = 1
	}
	if cursorCol < 1 {
		cursorCol = 1
	}
	var b strings.Builder
	b.WriteString("\x1b[?25l\x1b[H")
	for i, line := range lines {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(line)
		b.WriteString("\x1b[K")
	}
	b.WriteString("\x1b[J")
	fmt.Fprintf(&b, "\x1b[%d;%dH", cursorRow, cursorCol)
	b.WriteString("\x1b[?25h")
	_, err := io.WriteString(s.out, b.String())
	return err
}
