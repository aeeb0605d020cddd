// Package btree implements the on-disk B+tree used for both clustered
// primary storage and secondary indexes. A tree is nothing but a root
// page ID; every mutation flows through the caller's transaction so it
// participates in the normal commit/WAL pipeline instead of touching
// the Pager directly.
package btree

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/tokuhirom/murodb/murodberr"
	"github.com/tokuhirom/murodb/storage"
)

// Tx is the subset of *txn.Transaction a BTree drives. Declared as an
// interface so the tree can be tested against a fake Pager/buffer
// without a real transaction.
type Tx interface {
	ReadPage(id uint64) (*storage.Page, error)
	WritePage(id uint64, image [storage.PageSize]byte)
	AllocatePage() (uint64, error)
}

// Entry is a single (key, value) pair returned by a scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// BTree is a handle onto a tree rooted at RootPageID. It carries no
// other state; re-derive it from storage (e.g. a catalog row) across
// process restarts.
type BTree struct {
	RootPageID uint64
}

// maxDepthGuard bounds descent depth as a defensive assertion against
// a cyclic tree: with 4096-byte pages and even single-byte keys a tree
// cannot exceed a few dozen levels before page_count would have to be
// astronomically large.
const maxDepthGuard = 64

// Open wraps an existing root page ID. Create is used instead when no
// tree exists yet.
func Open(rootPageID uint64) *BTree {
	return &BTree{RootPageID: rootPageID}
}

// Create allocates a root page holding an empty leaf and returns the
// new tree handle.
func Create(tx Tx) (*BTree, error) {
	id, err := tx.AllocatePage()
	if err != nil {
		return nil, err
	}
	p, ok := writeLeafNode(id, nil)
	if !ok {
		return nil, fmt.Errorf("btree: create: empty leaf unexpectedly overflows a page")
	}
	tx.WritePage(id, p.Data)
	return &BTree{RootPageID: id}, nil
}

// chooseChild returns the child whose separator interval contains key:
// the left_child of the first entry whose key is strictly greater than
// key, or the node's right_child if key is past every separator.
func chooseChild(entries []internalEntry, rightChild uint64, key []byte) uint64 {
	idx := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(key, entries[i].key) < 0
	})
	if idx == len(entries) {
		return rightChild
	}
	return entries[idx].leftChild
}

// Search performs a point lookup. The second return value is false if
// no entry exists at key.
func (bt *BTree) Search(tx Tx, key []byte) ([]byte, bool, error) {
	pageID := bt.RootPageID
	for depth := 0; ; depth++ {
		if depth > maxDepthGuard {
			return nil, false, fmt.Errorf("btree: search: exceeded max depth, possible cycle: %w", murodberr.ErrCorruption)
		}
		p, err := tx.ReadPage(pageID)
		if err != nil {
			return nil, false, err
		}
		if isLeaf(p) {
			entries := readLeafEntries(p)
			idx := sort.Search(len(entries), func(i int) bool {
				return bytes.Compare(entries[i].key, key) >= 0
			})
			if idx < len(entries) && bytes.Equal(entries[idx].key, key) {
				return entries[idx].value, true, nil
			}
			return nil, false, nil
		}
		if !isInternal(p) {
			return nil, false, fmt.Errorf("btree: search: page %d has neither leaf nor internal tag: %w", pageID, murodberr.ErrCorruption)
		}
		entries, rightChild := readInternalNode(p)
		pageID = chooseChild(entries, rightChild, key)
	}
}

// splitResult carries the separator and new right sibling produced
// when a node overflowed during insert.
type splitResult struct {
	key     []byte
	rightID uint64
}

// Insert writes (key, value), replacing any existing entry at key. New
// or modified pages are staged via tx.WritePage; nothing reaches disk
// until the caller commits the transaction.
func (bt *BTree) Insert(tx Tx, key, value []byte) error {
	split, err := bt.insertRec(tx, bt.RootPageID, key, value, 0)
	if err != nil {
		return err
	}
	if split == nil {
		return nil
	}
	newRootID, err := tx.AllocatePage()
	if err != nil {
		return err
	}
	p, ok := writeInternalNode(newRootID, []internalEntry{{leftChild: bt.RootPageID, key: split.key}}, split.rightID)
	if !ok {
		return fmt.Errorf("btree: insert: new root unexpectedly overflows a page")
	}
	tx.WritePage(newRootID, p.Data)
	bt.RootPageID = newRootID
	return nil
}

func (bt *BTree) insertRec(tx Tx, pageID uint64, key, value []byte, depth int) (*splitResult, error) {
	if depth > maxDepthGuard {
		return nil, fmt.Errorf("btree: insert: exceeded max depth, possible cycle: %w", murodberr.ErrCorruption)
	}
	p, err := tx.ReadPage(pageID)
	if err != nil {
		return nil, err
	}

	if isLeaf(p) {
		entries := readLeafEntries(p)
		idx := sort.Search(len(entries), func(i int) bool {
			return bytes.Compare(entries[i].key, key) >= 0
		})
		if idx < len(entries) && bytes.Equal(entries[idx].key, key) {
			entries[idx] = leafEntry{key: key, value: value}
		} else {
			entries = append(entries, leafEntry{})
			copy(entries[idx+1:], entries[idx:])
			entries[idx] = leafEntry{key: key, value: value}
		}

		np, ok := writeLeafNode(pageID, entries)
		if ok {
			tx.WritePage(pageID, np.Data)
			return nil, nil
		}
		return bt.splitLeaf(tx, pageID, entries)
	}

	if !isInternal(p) {
		return nil, fmt.Errorf("btree: insert: page %d has neither leaf nor internal tag: %w", pageID, murodberr.ErrCorruption)
	}

	entries, rightChild := readInternalNode(p)
	childID := chooseChild(entries, rightChild, key)
	childSplit, err := bt.insertRec(tx, childID, key, value, depth+1)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}

	children := childList(entries, rightChild)
	keys := keyList(entries)
	idx := indexOfChild(children, childID)
	children, keys = spliceChild(children, keys, idx, childSplit.key, childSplit.rightID)

	newEntries := make([]internalEntry, len(children)-1)
	for i := range newEntries {
		newEntries[i] = internalEntry{leftChild: children[i], key: keys[i]}
	}
	newRightChild := children[len(children)-1]

	np, ok := writeInternalNode(pageID, newEntries, newRightChild)
	if ok {
		tx.WritePage(pageID, np.Data)
		return nil, nil
	}
	return bt.splitInternal(tx, pageID, newEntries, newRightChild)
}

func (bt *BTree) splitLeaf(tx Tx, pageID uint64, entries []leafEntry) (*splitResult, error) {
	mid := len(entries) / 2
	left := entries[:mid]
	right := entries[mid:]

	lp, ok := writeLeafNode(pageID, left)
	if !ok {
		return nil, fmt.Errorf("btree: insert: leaf left half still overflows a page after split")
	}
	newID, err := tx.AllocatePage()
	if err != nil {
		return nil, err
	}
	rp, ok := writeLeafNode(newID, right)
	if !ok {
		return nil, fmt.Errorf("btree: insert: leaf right half still overflows a page after split")
	}

	tx.WritePage(pageID, lp.Data)
	tx.WritePage(newID, rp.Data)
	return &splitResult{key: right[0].key, rightID: newID}, nil
}

func (bt *BTree) splitInternal(tx Tx, pageID uint64, entries []internalEntry, rightChild uint64) (*splitResult, error) {
	mid := len(entries) / 2
	leftEntries := entries[:mid]
	leftRightChild := entries[mid].leftChild
	promotedKey := entries[mid].key
	rightEntries := entries[mid+1:]

	lp, ok := writeInternalNode(pageID, leftEntries, leftRightChild)
	if !ok {
		return nil, fmt.Errorf("btree: insert: internal left half still overflows a page after split")
	}
	newID, err := tx.AllocatePage()
	if err != nil {
		return nil, err
	}
	rp, ok := writeInternalNode(newID, rightEntries, rightChild)
	if !ok {
		return nil, fmt.Errorf("btree: insert: internal right half still overflows a page after split")
	}

	tx.WritePage(pageID, lp.Data)
	tx.WritePage(newID, rp.Data)
	return &splitResult{key: promotedKey, rightID: newID}, nil
}

// pathEntry records a page visited while descending for Delete, so a
// sibling can be located through its parent without leaf sibling
// links.
type pathEntry struct {
	pageID   uint64
	childIdx int
}

// Delete removes the entry at key, reporting whether it existed. The
// merge policy is deliberately conservative: an emptied leaf is
// unlinked from its parent, and a root that collapses to zero
// entries is replaced by its sole remaining child, but non-root
// internal nodes are never merged or rebalanced. This keeps every
// lookup correct at the cost of some reclaimable space.
func (bt *BTree) Delete(tx Tx, key []byte) (bool, error) {
	var path []pathEntry
	pageID := bt.RootPageID

	for depth := 0; ; depth++ {
		if depth > maxDepthGuard {
			return false, fmt.Errorf("btree: delete: exceeded max depth, possible cycle: %w", murodberr.ErrCorruption)
		}
		p, err := tx.ReadPage(pageID)
		if err != nil {
			return false, err
		}
		if isLeaf(p) {
			entries := readLeafEntries(p)
			idx := sort.Search(len(entries), func(i int) bool {
				return bytes.Compare(entries[i].key, key) >= 0
			})
			if idx >= len(entries) || !bytes.Equal(entries[idx].key, key) {
				return false, nil
			}
			entries = append(entries[:idx], entries[idx+1:]...)
			np, ok := writeLeafNode(pageID, entries)
			if !ok {
				return false, fmt.Errorf("btree: delete: leaf unexpectedly overflows a page after shrinking")
			}
			tx.WritePage(pageID, np.Data)

			if len(entries) == 0 && len(path) > 0 {
				if err := bt.unlinkEmptyChild(tx, path, pageID); err != nil {
					return false, err
				}
			}
			return true, nil
		}
		if !isInternal(p) {
			return false, fmt.Errorf("btree: delete: page %d has neither leaf nor internal tag: %w", pageID, murodberr.ErrCorruption)
		}
		entries, rightChild := readInternalNode(p)
		children := childList(entries, rightChild)
		childID := chooseChild(entries, rightChild, key)
		path = append(path, pathEntry{pageID: pageID, childIdx: indexOfChild(children, childID)})
		pageID = childID
	}
}

// unlinkEmptyChild removes emptyPageID from its parent's child list
// and the corresponding separator key. If the parent is the root and
// becomes entry-less, the root collapses to its only remaining child.
func (bt *BTree) unlinkEmptyChild(tx Tx, path []pathEntry, emptyPageID uint64) error {
	parent := path[len(path)-1]
	p, err := tx.ReadPage(parent.pageID)
	if err != nil {
		return err
	}
	entries, rightChild := readInternalNode(p)
	children := childList(entries, rightChild)
	keys := keyList(entries)
	idx := parent.childIdx

	var newChildren []uint64
	var newKeys [][]byte
	if idx == len(children)-1 {
		newChildren = append([]uint64(nil), children[:idx]...)
		newKeys = append([][]byte(nil), keys[:len(keys)-1]...)
	} else {
		newChildren = append(append([]uint64(nil), children[:idx]...), children[idx+1:]...)
		newKeys = append(append([][]byte(nil), keys[:idx]...), keys[idx+1:]...)
	}

	newRightChild := newChildren[len(newChildren)-1]
	newEntries := make([]internalEntry, len(newChildren)-1)
	for i := range newEntries {
		newEntries[i] = internalEntry{leftChild: newChildren[i], key: newKeys[i]}
	}

	np, ok := writeInternalNode(parent.pageID, newEntries, newRightChild)
	if !ok {
		return fmt.Errorf("btree: delete: parent unexpectedly overflows a page after shrinking")
	}
	tx.WritePage(parent.pageID, np.Data)

	if len(newEntries) == 0 && len(path) == 1 {
		bt.RootPageID = newRightChild
	}
	return nil
}

// Scan returns every entry in ascending key order.
func (bt *BTree) Scan(tx Tx) ([]Entry, error) {
	var out []Entry
	if err := bt.scanNode(tx, bt.RootPageID, nil, &out, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// ScanFrom returns every entry with key >= start, in ascending order,
// pruning subtrees whose keys are all known to precede start.
func (bt *BTree) ScanFrom(tx Tx, start []byte) ([]Entry, error) {
	var out []Entry
	if err := bt.scanNode(tx, bt.RootPageID, start, &out, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func (bt *BTree) scanNode(tx Tx, pageID uint64, start []byte, out *[]Entry, depth int) error {
	if depth > maxDepthGuard {
		return fmt.Errorf("btree: scan: exceeded max depth, possible cycle: %w", murodberr.ErrCorruption)
	}
	p, err := tx.ReadPage(pageID)
	if err != nil {
		return err
	}
	if isLeaf(p) {
		for _, e := range readLeafEntries(p) {
			if start != nil && bytes.Compare(e.key, start) < 0 {
				continue
			}
			*out = append(*out, Entry{Key: e.key, Value: e.value})
		}
		return nil
	}
	if !isInternal(p) {
		return fmt.Errorf("btree: scan: page %d has neither leaf nor internal tag: %w", pageID, murodberr.ErrCorruption)
	}

	entries, rightChild := readInternalNode(p)
	children := childList(entries, rightChild)
	keys := keyList(entries)
	for i, childID := range children {
		// Every key under children[i] (i < len(keys)) is strictly less
		// than keys[i]; if start has already reached or passed that
		// bound, this subtree has nothing left to contribute.
		if start != nil && i < len(keys) && bytes.Compare(keys[i], start) <= 0 {
			continue
		}
		if err := bt.scanNode(tx, childID, start, out, depth+1); err != nil {
			return err
		}
	}
	return nil
}
