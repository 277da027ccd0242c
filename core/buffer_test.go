package core

import (
	"testing"

	"pkt.systems/cursorwin/schema"
)

func fillBuffer(b *buffer, n int) {
	for i := 0; i < n; i++ {
		*b.at(i) = slot{row: schema.Row{"id": int64(i + 1)}, isData: true}
	}
	b.lastFilled = n - 1
}

func slotID(b *buffer, i int) int64 {
	id, _ := b.at(i).row["id"].(int64)
	return id
}

func TestBufferRotateKeepsLogicalOrder(t *testing.T) {
	b := newBuffer(4)
	fillBuffer(b, 3)
	b.rotateForward()
	if slotID(b, 0) != 2 || slotID(b, 1) != 3 {
		t.Fatalf("unexpected order after forward rotation: %d %d", slotID(b, 0), slotID(b, 1))
	}
	if slotID(b, b.scratch()) != 1 {
		t.Fatalf("expected old slot 0 in scratch, got %d", slotID(b, b.scratch()))
	}
	b.rotateBackward()
	if slotID(b, 0) != 1 || slotID(b, 2) != 3 {
		t.Fatalf("backward rotation did not restore order")
	}
}

func TestBufferMoveSlotSplicesScratch(t *testing.T) {
	b := newBuffer(5)
	fillBuffer(b, 3)
	*b.at(b.scratch()) = slot{row: schema.Row{"id": int64(9)}}
	b.moveSlot(b.scratch(), 1)
	want := []int64{1, 9, 2, 3}
	for i, id := range want {
		if slotID(b, i) != id {
			t.Fatalf("slot %d = %d, want %d", i, slotID(b, i), id)
		}
	}
	b.moveSlot(1, b.scratch())
	if slotID(b, 1) != 2 || slotID(b, b.scratch()) != 9 {
		t.Fatalf("moving back did not close the gap")
	}
}

func TestBufferResizeKeepsRows(t *testing.T) {
	b := newBuffer(4)
	fillBuffer(b, 3)
	b.rotateForward()
	b.rotateBackward()
	b.active = 2
	b.resize(8)
	if b.capacity() != 8 || b.usable() != 7 {
		t.Fatalf("unexpected capacity %d", b.capacity())
	}
	for i := 0; i < 3; i++ {
		if slotID(b, i) != int64(i+1) {
			t.Fatalf("slot %d lost after resize", i)
		}
	}
	if b.active != 2 || b.lastFilled != 2 {
		t.Fatalf("indices changed: active %d lastFilled %d", b.active, b.lastFilled)
	}
}

func TestBufferMinimumCapacity(t *testing.T) {
	b := newBuffer(0)
	if b.capacity() != minCapacity {
		t.Fatalf("expected capacity %d, got %d", minCapacity, b.capacity())
	}
	if !b.empty() || b.full() {
		t.Fatalf("new buffer should be empty and not full")
	}
}

func TestBufferBookmarksSkipsEmpty(t *testing.T) {
	b := newBuffer(4)
	*b.at(0) = slot{bookmark: "a", isData: true}
	*b.at(2) = slot{bookmark: "c", isData: true}
	b.lastFilled = 2
	got := b.bookmarks(0, b.scratch())
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("unexpected bookmarks %v", got)
	}
}
