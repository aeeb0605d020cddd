// Package txn implements the speculative-buffer transaction handle
// that sits between the B+tree and the Pager: it stages page writes
// and freelist changes in memory and only reaches the data file and
// WAL at Commit.
package txn

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tokuhirom/murodb/murodberr"
	"github.com/tokuhirom/murodb/storage"
	"github.com/tokuhirom/murodb/wal"
)

// Pager is the subset of *storage.Pager a Transaction drives. Declared
// as an interface so txn can be tested against a fake without a real
// file on disk.
type Pager interface {
	GetPage(id uint64) (*storage.Page, error)
	AllocatePage() (uint64, error)
	WritePageToDisk(id uint64, image [storage.PageSize]byte) error
	SetMeta(catalogRoot, pageCount, freelistHead, epoch uint64)
	FlushMeta() error
	CatalogRoot() uint64
	PageCount() uint64
	Epoch() uint64
	FreelistHeadID() uint64
	AllocateTxID() uint64
	FreelistSnapshot() []uint64
	ReplaceFreelist(ids []uint64)
	RollbackAllocations(total int, reused []uint64)
	WAL() *wal.Writer
}

// Transaction buffers page writes and freelist changes until Commit.
type Transaction struct {
	pager Pager
	txid  uint64

	dirty        map[uint64][storage.PageSize]byte
	dirtyOrder   []uint64
	freedIDs     []uint64
	allocatedIDs []uint64
	reusedIDs    []uint64 // subset of allocatedIDs popped from the freelist rather than extending page_count

	catalogRoot  uint64
	metaSet      bool
	done         bool

	log zerolog.Logger
}

// Begin starts a transaction against pager, reserving a fresh txid.
// This implementation does not support concurrent in-process writers
// (the session's single statement lock already serializes them), so
// there is no MVCC visibility rule to enforce.
func Begin(pager Pager) *Transaction {
	return &Transaction{
		pager:       pager,
		txid:        pager.AllocateTxID(),
		dirty:       make(map[uint64][storage.PageSize]byte),
		catalogRoot: pager.CatalogRoot(),
		log:         log.Logger,
	}
}

// TxID returns the reserved transaction id.
func (t *Transaction) TxID() uint64 { return t.txid }

// SetLogger overrides the zero-value default (zerolog's global logger).
func (t *Transaction) SetLogger(l zerolog.Logger) { t.log = l }

// ReadPage returns the dirty image if the transaction already wrote
// this page, else the Pager's committed image.
func (t *Transaction) ReadPage(id uint64) (*storage.Page, error) {
	if img, ok := t.dirty[id]; ok {
		return &storage.Page{Data: img}, nil
	}
	return t.pager.GetPage(id)
}

// WritePage stages image for page id in the dirty buffer.
func (t *Transaction) WritePage(id uint64, image [storage.PageSize]byte) {
	if _, ok := t.dirty[id]; !ok {
		t.dirtyOrder = append(t.dirtyOrder, id)
	}
	t.dirty[id] = image
}

// AllocatePage reserves a new page ID via the Pager. The reservation is
// undone on Rollback via Pager.RollbackAllocations: safe under the
// single statement lock, since no other transaction can interleave and
// observe or further extend the page count in the meantime.
//
// A page ID equal to the pre-call page count came from extending
// page_count; anything smaller was popped from the freelist instead.
// That split is what lets RollbackAllocations undo the two cases
// differently (shrink page_count vs. return the ID to the freelist).
func (t *Transaction) AllocatePage() (uint64, error) {
	before := t.pager.PageCount()
	id, err := t.pager.AllocatePage()
	if err != nil {
		return 0, err
	}
	t.allocatedIDs = append(t.allocatedIDs, id)
	if id != before {
		t.reusedIDs = append(t.reusedIDs, id)
	}
	return id, nil
}

// FreePage stages id in the speculative freelist delta.
func (t *Transaction) FreePage(id uint64) {
	t.freedIDs = append(t.freedIDs, id)
}

// SetMeta records the header fields this transaction's commit should
// install.
func (t *Transaction) SetMeta(catalogRoot uint64) {
	t.catalogRoot = catalogRoot
	t.metaSet = true
}

// Commit runs the 7-step commit sequence, in order, with no
// reordering permitted. A failure up to and including the WAL sync
// (steps 1-4) returns an error wrapping ErrCommitAborted: the
// transaction's page reservations are undone, and the same Transaction
// cannot be committed again (a second Commit returns an error), so the
// work has to be redone in a new Transaction. A failure after the sync
// (steps 5-6) returns an error wrapping ErrCommitInDoubt: the commit is
// durable (it will replay on the next open) but this Transaction's
// caller must poison its session, because the in-memory state the
// caller was about to trust may not match what was just persisted.
func (t *Transaction) Commit() error {
	if t.done {
		return fmt.Errorf("txn: commit called twice")
	}
	t.done = true

	// Step 1: compute the post-commit freelist image.
	newFreelist := append([]uint64(nil), t.pager.FreelistSnapshot()...)
	newFreelist = dedupeFree(newFreelist, t.allocatedIDs)
	newFreelist = append(newFreelist, t.freedIDs...)

	freelistHead := t.pager.FreelistHeadID()
	var chainPageIDs []uint64
	if len(newFreelist) > 0 {
		nChainPages := (len(newFreelist) + storage.FreelistPageCapacity - 1) / storage.FreelistPageCapacity
		if freelistHead != 0 {
			chainPageIDs = append(chainPageIDs, freelistHead)
		}
		for len(chainPageIDs) < nChainPages {
			id, err := t.AllocatePage()
			if err != nil {
				t.rollbackAllocations()
				return fmt.Errorf("txn: commit: allocate freelist page: %w (%w)", err, murodberr.ErrCommitAborted)
			}
			chainPageIDs = append(chainPageIDs, id)
		}
		chainPageIDs = chainPageIDs[:nChainPages]

		pages, err := storage.EncodeChain(newFreelist, chainPageIDs)
		if err != nil {
			t.rollbackAllocations()
			return fmt.Errorf("txn: commit: encode freelist chain: %w (%w)", err, murodberr.ErrCommitAborted)
		}
		for _, pg := range pages {
			t.WritePage(pg.PageID(), pg.Data)
		}
		freelistHead = chainPageIDs[0]
	} else {
		freelistHead = 0
	}

	// Step 2: assign the fresh MetaUpdate.
	pageCount := t.pager.PageCount()
	epoch := t.pager.Epoch()
	catalogRoot := t.catalogRoot

	// Step 3: append Begin, PagePut*, MetaUpdate, Commit. A failure in
	// this step rolls back this transaction's page_count/freelist
	// reservations before returning, same as Rollback would: nothing
	// durable has happened yet.
	w := t.pager.WAL()
	if w == nil {
		t.rollbackAllocations()
		return fmt.Errorf("txn: commit: no WAL attached: %w", murodberr.ErrCommitAborted)
	}
	if _, err := w.Append(wal.Record{Type: wal.Begin, TxID: t.txid}); err != nil {
		t.rollbackAllocations()
		return fmt.Errorf("txn: commit: append begin: %w (%w)", err, murodberr.ErrCommitAborted)
	}
	for _, id := range t.dirtyOrder {
		img := t.dirty[id]
		if _, err := w.Append(wal.Record{Type: wal.PagePut, TxID: t.txid, PageID: id, PageImage: img}); err != nil {
			t.rollbackAllocations()
			return fmt.Errorf("txn: commit: append page_put(%d): %w (%w)", id, err, murodberr.ErrCommitAborted)
		}
	}
	if _, err := w.Append(wal.Record{
		Type:         wal.MetaUpdate,
		TxID:         t.txid,
		CatalogRoot:  catalogRoot,
		PageCount:    pageCount,
		FreelistHead: freelistHead,
		Epoch:        epoch,
	}); err != nil {
		t.rollbackAllocations()
		return fmt.Errorf("txn: commit: append meta_update: %w (%w)", err, murodberr.ErrCommitAborted)
	}
	commitLSN := w.CurrentLSN()
	if _, err := w.Append(wal.Record{Type: wal.Commit, TxID: t.txid, CommitLSN: commitLSN}); err != nil {
		t.rollbackAllocations()
		return fmt.Errorf("txn: commit: append commit: %w (%w)", err, murodberr.ErrCommitAborted)
	}

	// Step 4: the commit point. Everything before this may be lost;
	// everything after must survive. A failure here still rolls back
	// the reservation: the WAL records above were never synced, so
	// they will not replay on the next open either.
	if err := w.Sync(); err != nil {
		t.rollbackAllocations()
		return fmt.Errorf("txn: commit: wal sync: %w (%w)", err, murodberr.ErrCommitAborted)
	}

	// Step 5: write dirty pages to disk.
	for _, id := range t.dirtyOrder {
		if err := t.pager.WritePageToDisk(id, t.dirty[id]); err != nil {
			t.log.Error().Err(err).Uint64("txid", t.txid).Uint64("page", id).Msg("commit in doubt: failed to flush dirty page after wal sync")
			return fmt.Errorf("txn: commit: write page %d to disk: %w (%w)", id, err, murodberr.ErrCommitInDoubt)
		}
	}

	// Step 6: persist the header.
	t.pager.SetMeta(catalogRoot, pageCount, freelistHead, epoch)
	if err := t.pager.FlushMeta(); err != nil {
		t.log.Error().Err(err).Uint64("txid", t.txid).Msg("commit in doubt: failed to flush header after wal sync")
		return fmt.Errorf("txn: commit: flush meta: %w (%w)", err, murodberr.ErrCommitInDoubt)
	}

	// Step 7: adopt the freelist delta.
	t.pager.ReplaceFreelist(newFreelist)
	return nil
}

// Rollback discards the dirty buffer and the speculative freelist
// delta, and undoes any AllocatePage reservations via
// Pager.RollbackAllocations so page_count and the freelist end up
// exactly as if this transaction had never run. No WAL record is
// appended.
func (t *Transaction) Rollback() {
	t.done = true
	t.rollbackAllocations()
	t.dirty = nil
	t.dirtyOrder = nil
	t.freedIDs = nil
	t.allocatedIDs = nil
	t.reusedIDs = nil
}

// rollbackAllocations undoes every AllocatePage call this transaction
// made so far, then clears the tracking so a second call (Commit
// failing after Rollback was already invoked, which doesn't happen
// today, but keeps this safe to call more than once) is a no-op.
func (t *Transaction) rollbackAllocations() {
	t.pager.RollbackAllocations(len(t.allocatedIDs), t.reusedIDs)
	t.allocatedIDs = nil
	t.reusedIDs = nil
}

// dedupeFree removes page IDs this transaction itself allocated from
// the carried-forward freelist snapshot (they were popped from it by
// Pager.AllocatePage already; this guards against a snapshot taken
// before allocation).
func dedupeFree(snapshot []uint64, allocated []uint64) []uint64 {
	if len(allocated) == 0 {
		return snapshot
	}
	skip := make(map[uint64]bool, len(allocated))
	for _, id := range allocated {
		skip[id] = true
	}
	out := snapshot[:0:0]
	for _, id := range snapshot {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}
