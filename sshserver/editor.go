package sshserver

import (
	"bufio"
	"io"
	"unicode"
	"unicode/utf8"
)

type keyKind int

const (
	keyRune keyKind = iota
	keyEnter
	keyEscape
	keyBackspace
	keyDelete
	keyLeft
	keyRight
	keyUp
	keyDown
	keyHome
	keyEnd
	keyPageUp
	keyPageDown
	keyCtrlA
	keyCtrlE
	keyCtrlU
	keyCtrlD
	keyCtrlC
	keyCtrlL
)

type key struct {
	kind keyKind
	r    rune
}

func readKeys(r io.Reader, out chan<- key) {
	defer close(out)
	br := bufio.NewReader(r)
	lastWasCR := false
	for {
		b, err := br.ReadByte()
		if err != nil {
			return
		}
		if lastWasCR {
			lastWasCR = false
			if b == '\n' {
				continue
			}
		}
		switch b {
		case 0x1b:
			readEscape(br, out)
		case '\r':
			out <- key{kind: keyEnter}
			lastWasCR = true
		case '\n':
			out <- key{kind: keyEnter}
		case 0x7f, 0x08:
			out <- key{kind: keyBackspace}
		case 0x01:
			out <- key{kind: keyCtrlA}
		case 0x05:
			out <- key{kind: keyCtrlE}
		case 0x15:
			out <- key{kind: keyCtrlU}
		case 0x04:
			out <- key{kind: keyCtrlD}
		case 0x03:
			out <- key{kind: keyCtrlC}
		case 0x0c:
			out <- key{kind: keyCtrlL}
		default:
			if b < utf8.RuneSelf {
				if b < 0x20 {
					continue
				}
				out <- key{kind: keyRune, r: rune(b)}
				continue
			}
			_ = br.UnreadByte()
			rn, _, err := br.ReadRune()
			if err != nil {
				return
			}
			out <- key{kind: keyRune, r: rn}
		}
	}
}

// readEscape decodes the bytes after ESC. A lone ESC is reported when no
// sequence byte is already buffered.
func readEscape(br *bufio.Reader, out chan<- key) {
	if br.Buffered() == 0 {
		out <- key{kind: keyEscape}
		return
	}
	b, err := br.ReadByte()
	if err != nil {
		out <- key{kind: keyEscape}
		return
	}
	switch b {
	case '[':
		readCSI(br, out)
	case 'O':
		readSS3(br, out)
	case 0x1b:
		out <- key{kind: keyEscape}
		_ = br.UnreadByte()
	default:
		out <- key{kind: keyEscape}
	}
}

func readCSI(br *bufio.Reader, out chan<- key) {
	seq := []byte{}
	for {
		b, err := br.ReadByte()
		if err != nil {
			return
		}
		seq = append(seq, b)
		if b == '~' || unicode.IsLetter(rune(b)) {
			break
		}
		if len(seq) > 8 {
			return
		}
	}
	switch string(seq) {
	case "A":
		out <- key{kind: keyUp}
	case "B":
		out <- key{kind: keyDown}
	case "C":
		out <- key{kind: keyRight}
	case "D":
		out <- key{kind: keyLeft}
	case "H", "1~", "7~":
		out <- key{kind: keyHome}
	case "F", "4~", "8~":
		out <- key{kind: keyEnd}
	case "5~":
		out <- key{kind: keyPageUp}
	case "6~":
		out <- key{kind: keyPageDown}
	case "3~":
		out <- key{kind: keyDelete}
	}
}

func readSS3(br *bufio.Reader, out chan<- key) {
	b, err := br.ReadByte()
	if err != nil {
		return
	}
	switch b {
	case 'A':
		out <- key{kind: keyUp}
	case 'B':
		out <- key{kind: keyDown}
	case 'H':
		out <- key{kind: keyHome}
	case 'F':
		out <- key{kind: keyEnd}
	}
}

// lineEditor is the single-line input used by the field prompt.
type lineEditor struct {
	buf    []rune
	cursor int
}

func (e *lineEditor) String() string {
	return string(e.buf)
}

func (e *lineEditor) Len() int {
	return len(e.buf)
}

// Cursor returns the rune offset of the caret.
func (e *lineEditor) Cursor() int {
	return e.cursor
}

func (e *lineEditor) Clear() {
	e.buf = e.buf[:0]
	e.cursor = 0
}

func (e *lineEditor) SetString(value string) {
	e.buf = []rune(value)
	e.cursor = len(e.buf)
}

func (e *lineEditor) InsertRune(r rune) {
	if e.cursor < 0 || e.cursor > len(e.buf) {
		e.cursor = len(e.buf)
	}
	e.buf = append(e.buf, 0)
	copy(e.buf[e.cursor+1:], e.buf[e.cursor:])
	e.buf[e.cursor] = r
	e.cursor++
}

func (e *lineEditor) Backspace() {
	if e.cursor == 0 || len(e.buf) == 0 {
		return
	}
	e.buf = append(e.buf[:e.cursor-1], e.buf[e.cursor:]...)
	e.cursor--
}

func (e *lineEditor) Delete() {
	if e.cursor >= len(e.buf) {
		return
	}
	e.buf = append(e.buf[:e.cursor], e.buf[e.cursor+1:]...)
}

func (e *lineEditor) MoveLeft() {
	if e.cursor > 0 {
		e.cursor--
	}
}

func (e *lineEditor) MoveRight() {
	if e.cursor < len(e.buf) {
		e.cursor++
	}
}

func (e *lineEditor) MoveStart() {
	e.cursor = 0
}

func (e *lineEditor) MoveEnd() {
	e.cursor = len(e.buf)
}

func (e *lineEditor) KillLineStart() {
	e.buf = append(e.buf[:0], e.buf[e.cursor:]...)
	e.cursor = 0
}
