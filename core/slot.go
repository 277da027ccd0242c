package core

import "pkt.systems/cursorwin/schema"

// slot is one buffered row and its remote position.
type slot struct {
	row      schema.Row
	bookmark schema.Bookmark

	// isData marks a row selected from the cursor. Staged rows are not data
	// until they have been posted and re-read.
	isData     bool
	isBOF      bool
	isEOF      bool
	isInserted bool
}

func (s *slot) reset() {
	*s = slot{}
}

func (s *slot) filled() bool {
	return s.isData || s.isInserted || s.row != nil
}
