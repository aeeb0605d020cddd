package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/tokuhirom/murodb/murodberr"
)

// flMagic identifies a freelist chain page.
var flMagic = [4]byte{'F', 'L', 'M', 'P'}

// flEntrySize is the width of one page-ID entry in a freelist chain page.
const flEntrySize = 8

// FreelistPageCapacity is the maximum number of page IDs a single
// freelist chain page can hold: (PageSize - header - magic - next -
// count) / 8 = 507.
const FreelistPageCapacity = (PageSize - PageHeaderSize - 4 - 8 - 8) / flEntrySize

// Freelist is the in-memory set of free page IDs. Allocation is LIFO.
// It is not internally synchronized: callers (the Pager) hold their
// own lock around every operation.
type Freelist struct {
	ids []uint64
}

// NewFreelist returns an empty freelist.
func NewFreelist() *Freelist {
	return &Freelist{}
}

// Len returns the number of free page IDs.
func (f *Freelist) Len() int { return len(f.ids) }

// Allocate pops the most recently freed page ID. Returns false if the
// freelist is empty.
func (f *Freelist) Allocate() (uint64, bool) {
	if len(f.ids) == 0 {
		return 0, false
	}
	id := f.ids[len(f.ids)-1]
	f.ids = f.ids[:len(f.ids)-1]
	return id, true
}

// Free pushes a page ID onto the freelist. Freeing an already-free ID
// is a programming error and is surfaced rather than swallowed.
func (f *Freelist) Free(id uint64) error {
	if f.Contains(id) {
		return fmt.Errorf("freelist: page %d already free: %w", id, murodberr.ErrDoubleFree)
	}
	f.ids = append(f.ids, id)
	return nil
}

// Contains reports whether id is currently free.
func (f *Freelist) Contains(id uint64) bool {
	for _, x := range f.ids {
		if x == id {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current free page IDs, for building a
// speculative delta inside a transaction.
func (f *Freelist) Snapshot() []uint64 {
	out := make([]uint64, len(f.ids))
	copy(out, f.ids)
	return out
}

// Clone returns a deep copy of the freelist.
func (f *Freelist) Clone() *Freelist {
	return &Freelist{ids: f.Snapshot()}
}

// Sanitize removes out-of-range and duplicate entries, returning the
// counts of each kind removed for diagnostics. Invalid entries are
// silently removed; the counts are published for observability.
func (f *Freelist) Sanitize(pageCount uint64) (duplicates, outOfRange int) {
	seen := make(map[uint64]bool, len(f.ids))
	kept := f.ids[:0:0]
	for _, id := range f.ids {
		if id >= pageCount {
			outOfRange++
			continue
		}
		if seen[id] {
			duplicates++
			continue
		}
		seen[id] = true
		kept = append(kept, id)
	}
	f.ids = kept
	return duplicates, outOfRange
}

// EncodeChain serializes the freelist into a sequence of freelist chain
// pages, one per entry of pageIDs (it returns an error if the number of
// supplied page IDs differs from the number of chain pages needed).
// Pages are returned in head-to-tail order, each already containing the
// correct next-pointer.
func EncodeChain(ids []uint64, pageIDs []uint64) ([]*Page, error) {
	var chunks [][]uint64
	for len(ids) > 0 {
		n := len(ids)
		if n > FreelistPageCapacity {
			n = FreelistPageCapacity
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	if len(chunks) != len(pageIDs) {
		return nil, fmt.Errorf("freelist: encode chain: need %d pages, got %d page IDs", len(chunks), len(pageIDs))
	}

	pages := make([]*Page, len(chunks))
	for i, chunk := range chunks {
		p := NewPage(pageIDs[i])
		var next uint64
		if i+1 < len(pageIDs) {
			next = pageIDs[i+1]
		}
		writeFreelistPage(p, next, chunk)
		pages[i] = p
	}
	return pages, nil
}

func writeFreelistPage(p *Page, next uint64, entries []uint64) {
	off := PageHeaderSize
	copy(p.Data[off:off+4], flMagic[:])
	off += 4
	binary.LittleEndian.PutUint64(p.Data[off:off+8], next)
	off += 8
	binary.LittleEndian.PutUint64(p.Data[off:off+8], uint64(len(entries)))
	off += 8
	for _, id := range entries {
		binary.LittleEndian.PutUint64(p.Data[off:off+8], id)
		off += 8
	}
}

// DecodeChainPage reads one freelist chain page, returning its entries
// and the next page ID in the chain (0 terminates the chain). Legacy
// pages that lack the "FLMP" magic are interpreted as a single-page
// [count][entries] layout for backward compatibility.
func DecodeChainPage(p *Page) (entries []uint64, next uint64, err error) {
	off := PageHeaderSize
	if off+4 <= PageSize && string(p.Data[off:off+4]) == string(flMagic[:]) {
		off += 4
		next = binary.LittleEndian.Uint64(p.Data[off : off+8])
		off += 8
		count := binary.LittleEndian.Uint64(p.Data[off : off+8])
		off += 8
		if count > FreelistPageCapacity {
			return nil, 0, fmt.Errorf("freelist: page %d declares %d entries (max %d): %w", p.PageID(), count, FreelistPageCapacity, murodberr.ErrCorruption)
		}
		entries = make([]uint64, count)
		for i := uint64(0); i < count; i++ {
			entries[i] = binary.LittleEndian.Uint64(p.Data[off : off+8])
			off += 8
		}
		return entries, next, nil
	}

	// Legacy layout: [count u64][entries...], no next pointer.
	count := binary.LittleEndian.Uint64(p.Data[off : off+8])
	off += 8
	if count > FreelistPageCapacity {
		return nil, 0, fmt.Errorf("freelist: legacy page %d declares %d entries (max %d): %w", p.PageID(), count, FreelistPageCapacity, murodberr.ErrCorruption)
	}
	entries = make([]uint64, count)
	for i := uint64(0); i < count; i++ {
		entries[i] = binary.LittleEndian.Uint64(p.Data[off : off+8])
		off += 8
	}
	return entries, 0, nil
}
