package storage

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tokuhirom/murodb/murodberr"
	"github.com/tokuhirom/murodb/wal"
)

// txState is a WAL transaction's position in the recovery state
// machine. txRejected is not one of the three canonical states
// (active, committed, aborted); it is this implementation's way of
// remembering that a transaction already produced a skip so later
// records for the same txid aren't reported twice.
type txState int

const (
	txPending txState = iota
	txActive
	txCommittedState
	txAbortedState
	txRejected
)

type txProgress struct {
	state    txState
	hasMeta  bool
	meta     wal.Record
	pages    map[uint64][PageSize]byte
	commitAt int // index into the commit-order slice, valid once state == txCommittedState
}

// recover replays reader's entries against the data file already
// loaded into p.header, applying the per-transaction Begin/PagePut*/
// MetaUpdate/Commit-or-Abort state machine. It returns the set of
// committed and skipped transactions; in strict mode any skip is
// itself a fatal error.
func (p *Pager) recover(reader *wal.Reader, recMode RecoveryMode) (*OpenReport, error) {
	entries, readErr := reader.ReadAll()
	if readErr != nil && !errors.Is(readErr, murodberr.ErrMidLogCorruption) {
		return nil, fmt.Errorf("storage: recovery: %w", readErr)
	}

	txns := make(map[uint64]*txProgress)
	var commitOrder []uint64
	var skipped []SkippedTx

	skip := func(txid uint64, code murodberr.SkipCode) {
		skipped = append(skipped, SkippedTx{TxID: txid, Code: code})
		if p.recoveryMetrics != nil {
			p.recoveryMetrics.Skipped(string(code))
		}
		if tp, ok := txns[txid]; ok {
			tp.state = txRejected
		}
	}

	for _, e := range entries {
		txid := e.Record.TxID
		tp, ok := txns[txid]
		if !ok {
			tp = &txProgress{state: txPending, pages: make(map[uint64][PageSize]byte)}
			txns[txid] = tp
		}

		switch tp.state {
		case txRejected:
			continue
		case txCommittedState, txAbortedState:
			if e.Record.Type == wal.Commit || e.Record.Type == wal.Abort {
				skip(txid, murodberr.SkipDuplicateTerminal)
			} else {
				skip(txid, murodberr.SkipRecordAfterTerminal)
			}
			continue
		case txPending:
			if e.Record.Type != wal.Begin {
				skip(txid, murodberr.SkipRecordBeforeBegin)
				continue
			}
			tp.state = txActive
		case txActive:
			switch e.Record.Type {
			case wal.Begin:
				// Already active: a second Begin is simply redundant
				// noise from this state machine's point of view.
			case wal.PagePut:
				var img Page
				copy(img.Data[:], e.Record.PageImage[:])
				if img.PageID() != e.Record.PageID {
					skip(txid, murodberr.SkipPagePutIDMismatch)
					continue
				}
				tp.pages[e.Record.PageID] = e.Record.PageImage
			case wal.MetaUpdate:
				tp.hasMeta = true
				tp.meta = e.Record
			case wal.Commit:
				if !tp.hasMeta {
					skip(txid, murodberr.SkipCommitWithoutMetaUpdate)
					continue
				}
				if e.Record.CommitLSN != e.LSN {
					skip(txid, murodberr.SkipCommitLSNMismatch)
					continue
				}
				tp.state = txCommittedState
				tp.commitAt = len(commitOrder)
				commitOrder = append(commitOrder, txid)
			case wal.Abort:
				tp.state = txAbortedState
			}
		}
	}

	// A transaction still Active at stream end is uncommitted work:
	// discarded silently, not reported as a skip.

	if readErr != nil {
		skip(0, murodberr.SkipFrameIntegrity)
	}

	if recMode == RecoveryStrict && len(skipped) > 0 {
		return nil, fmt.Errorf("storage: recovery: transaction %d: %s: %w", skipped[0].TxID, skipped[0].Code, murodberr.ErrRecoveryRejection)
	}

	if err := p.replay(txns, commitOrder); err != nil {
		return nil, err
	}

	if p.recoveryMetrics != nil {
		p.recoveryMetrics.Committed(len(commitOrder))
	}

	return &OpenReport{CommittedTxIDs: commitOrder, Skipped: skipped}, nil
}

// replay applies every committed transaction's page images in commit
// order (later commit wins on a page written by more than one
// transaction), adopts header fields from the last committed
// transaction's MetaUpdate, and fsyncs the data file.
func (p *Pager) replay(txns map[uint64]*txProgress, commitOrder []uint64) error {
	if len(commitOrder) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	preRecoveryPageCount := p.header.PageCount
	var maxTouchedPage uint64
	for _, txid := range commitOrder {
		tp := txns[txid]
		// A transaction's MetaUpdate sets the epoch its PagePuts are
		// written under, mirroring the live commit pipeline where
		// set_meta() happens before the dirty pages are flushed.
		p.header.CatalogRoot = tp.meta.CatalogRoot
		p.header.FreelistHead = tp.meta.FreelistHead
		p.header.Epoch = tp.meta.Epoch
		if tp.meta.PageCount > p.header.PageCount {
			p.header.PageCount = tp.meta.PageCount
		}
		for pageID, image := range tp.pages {
			if err := p.writePageToDiskLocked(pageID, image); err != nil {
				return fmt.Errorf("storage: recovery: replay page %d: %w", pageID, err)
			}
			if pageID+1 > maxTouchedPage {
				maxTouchedPage = pageID + 1
			}
		}
	}

	if preRecoveryPageCount > p.header.PageCount {
		p.header.PageCount = preRecoveryPageCount
	}
	if maxTouchedPage > p.header.PageCount {
		p.header.PageCount = maxTouchedPage
	}

	if err := p.flushMetaLocked(); err != nil {
		return fmt.Errorf("storage: recovery: flush header: %w", err)
	}
	return p.reloadFreelistLocked()
}

// quarantineWAL renames walPath aside for forensics and leaves walFile
// closed; the caller opens a fresh WAL at the original path.
func (p *Pager) quarantineWAL(walFile wal.File, walPath string) error {
	walFile.Close()
	quarantinePath := fmt.Sprintf("%s.quarantine.%d.%d", walPath, nowUnix(), os.Getpid())
	if err := os.Rename(walPath, quarantinePath); err != nil {
		return fmt.Errorf("storage: quarantine wal: %w", err)
	}
	p.log.Warn().Str("quarantine_path", quarantinePath).Msg("wal quarantined after permissive recovery skipped transactions")
	return nil
}

// nowUnix is a thin wrapper so the quarantine filename's timestamp
// component can be swapped in tests without reaching for time.Now
// directly everywhere.
var nowUnix = func() int64 { return time.Now().Unix() }
