package btree

import (
	"encoding/binary"

	"github.com/tokuhirom/murodb/storage"
)

const (
	nodeTypeLeaf     byte = 1
	nodeTypeInternal byte = 2
)

type leafEntry struct {
	key   []byte
	value []byte
}

type internalEntry struct {
	leftChild uint64
	key       []byte
}

func encodeLeafEntry(key, value []byte) []byte {
	buf := make([]byte, 2+len(key)+len(value))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(key)))
	copy(buf[2:2+len(key)], key)
	copy(buf[2+len(key):], value)
	return buf
}

func decodeLeafEntry(cell []byte) leafEntry {
	kl := binary.LittleEndian.Uint16(cell[0:2])
	return leafEntry{
		key:   cell[2 : 2+kl],
		value: cell[2+kl:],
	}
}

func writeLeafNode(pageID uint64, entries []leafEntry) (*storage.Page, bool) {
	p := storage.NewPage(pageID)
	cells := make([][]byte, 0, len(entries)+1)
	cells = append(cells, []byte{nodeTypeLeaf})
	for _, e := range entries {
		cells = append(cells, encodeLeafEntry(e.key, e.value))
	}
	ok := p.RebuildFrom(cells)
	return p, ok
}

func readLeafEntries(p *storage.Page) []leafEntry {
	n := p.CellCount()
	entries := make([]leafEntry, 0, n-1)
	for i := 1; i < n; i++ {
		entries = append(entries, decodeLeafEntry(p.GetCell(i)))
	}
	return entries
}

func isLeaf(p *storage.Page) bool {
	hdr := p.GetCell(0)
	return len(hdr) > 0 && hdr[0] == nodeTypeLeaf
}

func encodeInternalEntry(leftChild uint64, key []byte) []byte {
	buf := make([]byte, 10+len(key))
	binary.LittleEndian.PutUint64(buf[0:8], leftChild)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(key)))
	copy(buf[10:], key)
	return buf
}

func decodeInternalEntry(cell []byte) internalEntry {
	leftChild := binary.LittleEndian.Uint64(cell[0:8])
	kl := binary.LittleEndian.Uint16(cell[8:10])
	return internalEntry{leftChild: leftChild, key: cell[10 : 10+kl]}
}

func writeInternalNode(pageID uint64, entries []internalEntry, rightChild uint64) (*storage.Page, bool) {
	p := storage.NewPage(pageID)
	hdr := make([]byte, 9)
	hdr[0] = nodeTypeInternal
	binary.LittleEndian.PutUint64(hdr[1:9], rightChild)
	cells := make([][]byte, 0, len(entries)+1)
	cells = append(cells, hdr)
	for _, e := range entries {
		cells = append(cells, encodeInternalEntry(e.leftChild, e.key))
	}
	ok := p.RebuildFrom(cells)
	return p, ok
}

func readInternalNode(p *storage.Page) (entries []internalEntry, rightChild uint64) {
	hdr := p.GetCell(0)
	rightChild = binary.LittleEndian.Uint64(hdr[1:9])
	n := p.CellCount()
	entries = make([]internalEntry, 0, n-1)
	for i := 1; i < n; i++ {
		entries = append(entries, decodeInternalEntry(p.GetCell(i)))
	}
	return entries, rightChild
}

func isInternal(p *storage.Page) bool {
	hdr := p.GetCell(0)
	return len(hdr) > 0 && hdr[0] == nodeTypeInternal
}

func childList(entries []internalEntry, rightChild uint64) []uint64 {
	out := make([]uint64, len(entries)+1)
	for i, e := range entries {
		out[i] = e.leftChild
	}
	out[len(entries)] = rightChild
	return out
}

func keyList(entries []internalEntry) [][]byte {
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.key
	}
	return out
}

func indexOfChild(children []uint64, id uint64) int {
	for i, c := range children {
		if c == id {
			return i
		}
	}
	return -1
}

// spliceChild inserts newChild immediately after children[idx], and
// newKey as the new separator at the same position in keys, used when
// the child at idx has just split.
func spliceChild(children []uint64, keys [][]byte, idx int, newKey []byte, newChild uint64) ([]uint64, [][]byte) {
	nc := make([]uint64, 0, len(children)+1)
	nc = append(nc, children[:idx+1]...)
	nc = append(nc, newChild)
	nc = append(nc, children[idx+1:]...)

	nk := make([][]byte, 0, len(keys)+1)
	nk = append(nk, keys[:idx]...)
	nk = append(nk, newKey)
	nk = append(nk, keys[idx:]...)

	return nc, nk
}
