package core

import "pkt.systems/cursorwin/schema"

// minCapacity is one usable slot plus the scratch slot.
const minCapacity = 2

// buffer is a fixed-capacity ring of slots addressed by logical index.
// Logical index capacity-1 is the scratch slot used to stage a fetch before
// it is spliced into place. Rotating the head recycles slots without moving
// any row.
type buffer struct {
	ring []slot
	head int

	active     int
	lastFilled int
	remoteSync int
}

func newBuffer(capacity int) *buffer {
	if capacity < minCapacity {
		capacity = minCapacity
	}
	return &buffer{
		ring:       make([]slot, capacity),
		lastFilled: -1,
		remoteSync: -1,
	}
}

func (b *buffer) capacity() int { return len(b.ring) }

// usable is the number of slots that may hold rows.
func (b *buffer) usable() int { return len(b.ring) - 1 }

func (b *buffer) scratch() int { return len(b.ring) - 1 }

func (b *buffer) empty() bool { return b.lastFilled < 0 }

func (b *buffer) full() bool { return b.lastFilled >= b.usable()-1 }

func (b *buffer) at(index int) *slot {
	return &b.ring[(b.head+index)%len(b.ring)]
}

// rotateForward makes logical slot 1 the new slot 0. The old slot 0 becomes
// the scratch slot.
func (b *buffer) rotateForward() {
	b.head = (b.head + 1) % len(b.ring)
}

// rotateBackward makes the scratch slot the new slot 0. The old last usable
// slot becomes the scratch slot.
func (b *buffer) rotateBackward() {
	b.head = (b.head - 1 + len(b.ring)) % len(b.ring)
}

// rotateBy drops the first n logical slots to the end of the ring.
func (b *buffer) rotateBy(n int) {
	b.head = (b.head + n) % len(b.ring)
}

// moveSlot moves the slot at logical index from to index to, shifting the
// slots in between by one toward from.
func (b *buffer) moveSlot(from, to int) {
	if from == to {
		return
	}
	tmp := *b.at(from)
	if from < to {
		for i := from; i < to; i++ {
			*b.at(i) = *b.at(i + 1)
		}
	} else {
		for i := from; i > to; i-- {
			*b.at(i) = *b.at(i - 1)
		}
	}
	*b.at(to) = tmp
}

// resize changes the ring capacity. Callers evict rows beyond the new usable
// range first; resize only relocates what fits.
func (b *buffer) resize(capacity int) {
	if capacity < minCapacity {
		capacity = minCapacity
	}
	if capacity == len(b.ring) {
		return
	}
	ring := make([]slot, capacity)
	keep := min(b.lastFilled+1, capacity-1)
	for i := 0; i < keep; i++ {
		ring[i] = *b.at(i)
	}
	b.ring = ring
	b.head = 0
	if b.lastFilled >= keep {
		b.lastFilled = keep - 1
	}
	if b.active > b.lastFilled && b.lastFilled >= 0 {
		b.active = b.lastFilled
	}
	if b.remoteSync > b.lastFilled {
		b.remoteSync = -1
	}
}

// bookmarks collects the bookmarks held by logical slots [from, to].
func (b *buffer) bookmarks(from, to int) []schema.Bookmark {
	var out []schema.Bookmark
	for i := from; i <= to; i++ {
		if bm := b.at(i).bookmark; bm != "" {
			out = append(out, bm)
		}
	}
	return out
}

// reset zeroes every slot and the indices.
func (b *buffer) reset() {
	for i := range b.ring {
		b.ring[i].reset()
	}
	b.head = 0
	b.active = 0
	b.lastFilled = -1
	b.remoteSync = -1
}
