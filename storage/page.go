// Package storage implements the durable paged store: the slotted Page
// layout, the in-memory/on-disk Freelist, and the Pager that ties page
// I/O, the LRU cache, and page-level authenticated encryption together.
package storage

import "encoding/binary"

// PageSize is the fixed size of every page in the data file.
const PageSize = 4096

// PageHeaderSize is the size of the common page header shared by every
// page, regardless of what the page holds (slotted B+tree node,
// freelist chain page, or raw header content): page_id (8) +
// cell_count (2) + free_start (2) + free_end (2).
const PageHeaderSize = 14

// Page is a single fixed-size page. Slot 0 in a B+tree page is reserved
// by convention for node metadata; freelist chain pages ignore the
// cell directory entirely and write their payload directly after the
// header.
type Page struct {
	Data [PageSize]byte
}

// NewPage returns a page with the given ID and an empty cell directory.
func NewPage(id uint64) *Page {
	p := &Page{}
	p.SetPageID(id)
	p.setCellCount(0)
	p.setFreeStart(PageHeaderSize)
	p.setFreeEnd(PageSize)
	return p
}

func (p *Page) PageID() uint64 { return binary.LittleEndian.Uint64(p.Data[0:8]) }
func (p *Page) SetPageID(id uint64) {
	binary.LittleEndian.PutUint64(p.Data[0:8], id)
}

func (p *Page) CellCount() int { return int(binary.LittleEndian.Uint16(p.Data[8:10])) }
func (p *Page) setCellCount(n uint16) {
	binary.LittleEndian.PutUint16(p.Data[8:10], n)
}

func (p *Page) freeStart() uint16 { return binary.LittleEndian.Uint16(p.Data[10:12]) }
func (p *Page) setFreeStart(v uint16) {
	binary.LittleEndian.PutUint16(p.Data[10:12], v)
}

func (p *Page) freeEnd() uint16 { return binary.LittleEndian.Uint16(p.Data[12:14]) }
func (p *Page) setFreeEnd(v uint16) {
	binary.LittleEndian.PutUint16(p.Data[12:14], v)
}

// FreeSpace returns the number of bytes available for new directory
// entries plus new cell bodies.
func (p *Page) FreeSpace() int {
	return int(p.freeEnd()) - int(p.freeStart())
}

func (p *Page) dirOffset(i int) int { return PageHeaderSize + i*2 }

func (p *Page) cellOffsetAt(i int) uint16 {
	o := p.dirOffset(i)
	return binary.LittleEndian.Uint16(p.Data[o : o+2])
}

// GetCell returns a copy of the i-th cell's payload.
func (p *Page) GetCell(i int) []byte {
	if i < 0 || i >= p.CellCount() {
		return nil
	}
	off := p.cellOffsetAt(i)
	l := binary.LittleEndian.Uint16(p.Data[off : off+2])
	out := make([]byte, l)
	copy(out, p.Data[off+2:off+2+l])
	return out
}

// Cells returns a copy of every cell payload in directory order.
func (p *Page) Cells() [][]byte {
	n := p.CellCount()
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = p.GetCell(i)
	}
	return out
}

// InsertCell inserts a new cell at position i, shifting subsequent
// cells up by one slot. Returns false without mutating the page if
// there is not enough free space.
func (p *Page) InsertCell(i int, payload []byte) bool {
	cells := p.Cells()
	if i < 0 || i > len(cells) {
		return false
	}
	next := make([][]byte, 0, len(cells)+1)
	next = append(next, cells[:i]...)
	next = append(next, payload)
	next = append(next, cells[i:]...)
	return p.RebuildFrom(next)
}

// ReplaceCell overwrites the payload of the i-th cell.
func (p *Page) ReplaceCell(i int, payload []byte) bool {
	cells := p.Cells()
	if i < 0 || i >= len(cells) {
		return false
	}
	next := make([][]byte, len(cells))
	copy(next, cells)
	next[i] = payload
	return p.RebuildFrom(next)
}

// DeleteCell removes the i-th cell.
func (p *Page) DeleteCell(i int) bool {
	cells := p.Cells()
	if i < 0 || i >= len(cells) {
		return false
	}
	next := make([][]byte, 0, len(cells)-1)
	next = append(next, cells[:i]...)
	next = append(next, cells[i+1:]...)
	return p.RebuildFrom(next)
}

// RebuildFrom replaces the entire cell directory and cell heap with the
// given list of cell payloads, in order. Used by the B+tree after
// computing a node's new entry list (split, merge, or in-place
// rewrite). Returns false without mutating the page if the cells do
// not fit.
func (p *Page) RebuildFrom(cells [][]byte) bool {
	dirSize := len(cells) * 2
	dataSize := 0
	for _, c := range cells {
		dataSize += 2 + len(c)
	}
	if PageHeaderSize+dirSize+dataSize > PageSize {
		return false
	}

	var nd [PageSize]byte
	id := p.PageID()

	freeEnd := uint16(PageSize)
	offsets := make([]uint16, len(cells))
	for i := len(cells) - 1; i >= 0; i-- {
		c := cells[i]
		sz := uint16(2 + len(c))
		freeEnd -= sz
		binary.LittleEndian.PutUint16(nd[freeEnd:freeEnd+2], uint16(len(c)))
		copy(nd[freeEnd+2:freeEnd+2+uint16(len(c))], c)
		offsets[i] = freeEnd
	}

	off := PageHeaderSize
	for _, o := range offsets {
		binary.LittleEndian.PutUint16(nd[off:off+2], o)
		off += 2
	}

	binary.LittleEndian.PutUint64(nd[0:8], id)
	binary.LittleEndian.PutUint16(nd[8:10], uint16(len(cells)))
	binary.LittleEndian.PutUint16(nd[10:12], uint16(off))
	binary.LittleEndian.PutUint16(nd[12:14], freeEnd)

	p.Data = nd
	return true
}
