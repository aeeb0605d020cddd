package storage

import "testing"

func TestFreelistAllocateLIFO(t *testing.T) {
	f := NewFreelist()
	if err := f.Free(5); err != nil {
		t.Fatalf("free 5: %v", err)
	}
	if err := f.Free(3); err != nil {
		t.Fatalf("free 3: %v", err)
	}
	if err := f.Free(7); err != nil {
		t.Fatalf("free 7: %v", err)
	}

	for _, want := range []uint64{7, 3, 5} {
		got, ok := f.Allocate()
		if !ok {
			t.Fatalf("expected allocation to succeed")
		}
		if got != want {
			t.Fatalf("Allocate: got %d, want %d", got, want)
		}
	}
	if _, ok := f.Allocate(); ok {
		t.Fatalf("expected empty freelist to fail allocation")
	}
}

func TestFreelistDoubleFreeRejected(t *testing.T) {
	f := NewFreelist()
	if err := f.Free(1); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := f.Free(1); err == nil {
		t.Fatalf("expected double-free to be rejected")
	}
}

func TestFreelistSanitizeRemovesDuplicatesAndOutOfRange(t *testing.T) {
	f := &Freelist{ids: []uint64{1, 2, 2, 100, 3}}
	dup, oor := f.Sanitize(10)
	if dup != 1 {
		t.Fatalf("duplicates: got %d, want 1", dup)
	}
	if oor != 1 {
		t.Fatalf("out of range: got %d, want 1", oor)
	}
	want := map[uint64]bool{1: true, 2: true, 3: true}
	if len(f.ids) != len(want) {
		t.Fatalf("remaining ids: got %v", f.ids)
	}
	for _, id := range f.ids {
		if !want[id] {
			t.Fatalf("unexpected remaining id %d", id)
		}
	}
}

func TestFreelistChainEncodeDecodeRoundTrip(t *testing.T) {
	ids := make([]uint64, 1200)
	for i := range ids {
		ids[i] = uint64(i + 10)
	}
	pageIDs := []uint64{50, 51, 52}
	pages, err := EncodeChain(ids, pageIDs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("expected 3 chain pages, got %d", len(pages))
	}

	var decoded []uint64
	nextExpected := []uint64{51, 52, 0}
	for i, p := range pages {
		entries, next, err := DecodeChainPage(p)
		if err != nil {
			t.Fatalf("decode page %d: %v", i, err)
		}
		if next != nextExpected[i] {
			t.Fatalf("page %d: next = %d, want %d", i, next, nextExpected[i])
		}
		decoded = append(decoded, entries...)
	}
	if len(decoded) != len(ids) {
		t.Fatalf("decoded %d entries, want %d", len(decoded), len(ids))
	}
	for i := range ids {
		if decoded[i] != ids[i] {
			t.Fatalf("entry %d: got %d, want %d", i, decoded[i], ids[i])
		}
	}
}

func TestDecodeChainPageRejectsOverlargeCount(t *testing.T) {
	p := NewPage(1)
	writeFreelistPage(p, 0, nil)
	// Corrupt the count field to exceed capacity.
	off := PageHeaderSize + 4 + 8
	p.Data[off] = 0xFF
	p.Data[off+1] = 0xFF
	if _, _, err := DecodeChainPage(p); err == nil {
		t.Fatalf("expected corruption error for overlarge count")
	}
}

func TestFreelistCloneIsIndependent(t *testing.T) {
	f := NewFreelist()
	f.Free(1)
	clone := f.Clone()
	f.Free(2)
	if clone.Len() != 1 {
		t.Fatalf("clone was mutated by original: len=%d", clone.Len())
	}
}
