package storage

import (
	"crypto/rand"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tokuhirom/murodb/cipher"
	"github.com/tokuhirom/murodb/metrics"
	"github.com/tokuhirom/murodb/murodberr"
	"github.com/tokuhirom/murodb/wal"
)

// Mode selects how a Pager opens its data file.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
)

// RecoveryMode selects how Recovery reacts to a WAL transaction that
// fails state-machine validation.
type RecoveryMode int

const (
	RecoveryStrict RecoveryMode = iota
	RecoveryPermissive
)

// SkippedTx is one permissive-mode recovery rejection.
type SkippedTx struct {
	TxID uint64
	Code murodberr.SkipCode
}

// OpenReport is returned by OpenWithRecoveryModeAndReport: the
// transactions recovery committed and, in permissive mode, the ones it
// skipped.
type OpenReport struct {
	CommittedTxIDs []uint64
	Skipped        []SkippedTx
}

// slotWidth returns the number of bytes a single page occupies on
// disk under suite: a variable physical stride depending on whether
// AEAD is in use (format version 4, pinned in header.go).
func slotWidth(suite cipher.SuiteID) int64 {
	if suite == cipher.SuitePlaintext {
		return PageSize
	}
	return int64(cipher.NonceSize + PageSize + cipher.TagSize)
}

func physicalOffset(pageID uint64, suite cipher.SuiteID) int64 {
	return HeaderSize + int64(pageID-1)*slotWidth(suite)
}

// Pager is the disk-backed, cached, encrypted page store. It owns
// the data file handle, the decrypted header, the cipher, the
// LRU page cache, the in-memory freelist, and (outside read-only mode)
// the WAL writer.
type Pager struct {
	mu       sync.RWMutex
	file     StorageFile
	path     string
	lock     *fileLock
	mode     Mode
	suite    *cipher.Suite
	header   *Header
	cache    *lruCache
	freelist *Freelist

	walFile   wal.File
	walWriter *wal.Writer

	log             zerolog.Logger
	metrics         *metrics.Pager
	recoveryMetrics *metrics.Recovery
}

// SetLogger overrides the zero-value default (zerolog's global logger).
func (p *Pager) SetLogger(l zerolog.Logger) { p.log = l }

// SetMetrics attaches a metrics.Pager. Passing nil disables metrics
// without changing behavior: every call site is nil-safe.
func (p *Pager) SetMetrics(m *metrics.Pager) { p.metrics = m }

// Open opens or creates path with default (strict) recovery and no
// report. This is `Pager::open`.
func Open(path, passphrase string, mode Mode) (*Pager, error) {
	p, _, err := OpenWithRecoveryModeAndReport(path, passphrase, mode, RecoveryStrict, nil, nil)
	return p, err
}

// OpenWithRecoveryMode is `Pager::open_with_recovery_mode`.
func OpenWithRecoveryMode(path, passphrase string, mode Mode, recMode RecoveryMode) (*Pager, error) {
	p, _, err := OpenWithRecoveryModeAndReport(path, passphrase, mode, recMode, nil, nil)
	return p, err
}

// OpenWithRecoveryModeAndReport is `Pager::open_with_recovery_mode_and_report`,
// the full form every collaborator ultimately calls. expectedSuite, if
// non-nil, makes Open fail with ErrWrongSuite when it disagrees with
// the header's recorded suite. recoveryMetrics, if non-nil, records the
// committed/skipped transaction counts of the recovery pass this open
// triggers (there is no later point at which a caller could attach
// metrics to a recovery pass: it runs here, before this function ever
// returns a *Pager to set anything on).
func OpenWithRecoveryModeAndReport(path, passphrase string, mode Mode, recMode RecoveryMode, expectedSuite *cipher.SuiteID, recoveryMetrics *metrics.Recovery) (*Pager, *OpenReport, error) {
	lock, err := lockFile(path)
	if err != nil {
		return nil, nil, err
	}

	flags := os.O_RDWR | os.O_CREATE
	if mode == ReadOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		lock.unlock()
		return nil, nil, fmt.Errorf("pager: open %q: %w", path, err)
	}

	p := &Pager{
		file:            file,
		path:            path,
		lock:            lock,
		mode:            mode,
		cache:           newLRUCache(256),
		log:             log.Logger,
		recoveryMetrics: recoveryMetrics,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		lock.unlock()
		return nil, nil, err
	}

	if info.Size() == 0 {
		if mode == ReadOnly {
			file.Close()
			lock.unlock()
			return nil, nil, fmt.Errorf("pager: cannot create %q in read-only mode: %w", path, murodberr.ErrReadOnly)
		}
		if err := p.initFresh(passphrase); err != nil {
			file.Close()
			lock.unlock()
			return nil, nil, err
		}
	} else {
		if err := p.loadHeader(); err != nil {
			file.Close()
			lock.unlock()
			return nil, nil, err
		}
		if expectedSuite != nil && p.header.Suite != *expectedSuite {
			file.Close()
			lock.unlock()
			return nil, nil, fmt.Errorf("pager: suite mismatch: %w", murodberr.ErrWrongSuite)
		}
		key := cipher.DeriveKey(passphrase, p.header.Salt)
		suite, err := cipher.New(p.header.Suite, key)
		if err != nil {
			file.Close()
			lock.unlock()
			return nil, nil, err
		}
		p.suite = suite
		if err := p.ReloadFreelistFromDisk(); err != nil {
			file.Close()
			lock.unlock()
			return nil, nil, err
		}
	}

	var report *OpenReport
	if mode == ReadWrite {
		report, err = p.openWAL(recMode)
		if err != nil {
			file.Close()
			lock.unlock()
			return nil, nil, fmt.Errorf("pager: %w", err)
		}
	}

	return p, report, nil
}

// OpenMemory returns a Pager over an in-memory file with no WAL and no
// cross-process lock: a test seam, not a production open mode. A
// durable database always has a WAL attached.
func OpenMemory(passphrase string) (*Pager, error) {
	p := &Pager{
		file:  NewMemFile(),
		path:  ":memory:",
		cache: newLRUCache(256),
		log:   log.Logger,
	}
	if err := p.initFresh(passphrase); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pager) initFresh(passphrase string) error {
	var salt [cipher.SaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("pager: generate salt: %w", err)
	}
	key := cipher.DeriveKey(passphrase, salt)
	suite, err := cipher.New(cipher.SuiteAEADMisuseResistant, key)
	if err != nil {
		return err
	}
	p.suite = suite
	p.header = &Header{
		Salt:      salt,
		PageCount: 1,
		Suite:     cipher.SuiteAEADMisuseResistant,
	}
	p.freelist = NewFreelist()
	return p.FlushMeta()
}

func (p *Pager) loadHeader() error {
	var buf [HeaderSize]byte
	if _, err := p.file.ReadAt(buf[:], 0); err != nil {
		return fmt.Errorf("pager: read header: %w", err)
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return err
	}
	p.header = h
	return nil
}

func (p *Pager) openWAL(recMode RecoveryMode) (*OpenReport, error) {
	walPath := p.path + ".wal"
	walFile, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	p.walFile = walFile

	info, err := walFile.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		if _, err := wal.CreateWriter(walFile, p.suite); err != nil {
			return nil, err
		}
		p.walWriter, err = wal.OpenWriter(walFile, p.suite, wal.HeaderSize)
		if err != nil {
			return nil, err
		}
		return &OpenReport{}, nil
	}

	reader := wal.NewReader(walFile, p.suite)
	if err := reader.ValidateHeader(); err != nil {
		return nil, err
	}
	report, err := p.recover(reader, recMode)
	if err != nil {
		return nil, err
	}

	if len(report.Skipped) > 0 {
		if err := p.quarantineWAL(walFile, walPath); err != nil {
			return nil, err
		}
		walFile, err = os.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, err
		}
		p.walFile = walFile
		if _, err := wal.CreateWriter(walFile, p.suite); err != nil {
			return nil, err
		}
	} else {
		// Nothing was skipped: the existing WAL's contents have all
		// been durably applied to the data file, so it can be
		// checkpointed in place instead of quarantined.
		if err := walFile.Truncate(wal.HeaderSize); err != nil {
			return nil, fmt.Errorf("checkpoint recovered wal: %w", err)
		}
		if err := walFile.Sync(); err != nil {
			return nil, fmt.Errorf("checkpoint recovered wal: %w", err)
		}
	}

	newInfo, err := p.walFile.Stat()
	if err != nil {
		return nil, err
	}
	p.walWriter, err = wal.OpenWriter(p.walFile, p.suite, newInfo.Size())
	if err != nil {
		return nil, err
	}
	return report, nil
}

// WAL returns the writer Transaction.Commit appends to.
func (p *Pager) WAL() *wal.Writer { return p.walWriter }

// Mode reports the open mode.
func (p *Pager) Mode() Mode { return p.mode }

// SuiteID returns the header's recorded encryption suite.
func (p *Pager) SuiteID() cipher.SuiteID { return p.header.Suite }

// CatalogRoot, PageCount, Epoch, and FreelistHeadID return the Pager's current in-memory header fields, taken under a
// shared lock.
func (p *Pager) CatalogRoot() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header.CatalogRoot
}

func (p *Pager) PageCount() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header.PageCount
}

func (p *Pager) Epoch() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header.Epoch
}

func (p *Pager) FreelistHeadID() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header.FreelistHead
}

// AllocateTxID hands out the next monotonically increasing txid. The
// new counter value is only durable once a subsequent FlushMeta
// persists it; a crash before that may reuse a txid, which is
// harmless because an unfinished transaction's records never reach a
// Commit that any recovery pass would honor.
func (p *Pager) AllocateTxID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.header.NextTxID
	p.header.NextTxID++
	return id
}

// SetMeta stages new header-level fields in memory (commit step 2);
// FlushMeta must be called separately to persist them.
func (p *Pager) SetMeta(catalogRoot, pageCount, freelistHead, epoch uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header.CatalogRoot = catalogRoot
	p.header.PageCount = pageCount
	p.header.FreelistHead = freelistHead
	p.header.Epoch = epoch
}

// FlushMeta rewrites the 76-byte header with the Pager's current
// in-memory fields and fsyncs the data file.
func (p *Pager) FlushMeta() error {
	if p.mode == ReadOnly {
		return fmt.Errorf("pager: flush_meta: %w", murodberr.ErrReadOnly)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushMetaLocked()
}

func (p *Pager) flushMetaLocked() error {
	buf := p.header.Encode()
	if _, err := p.file.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("pager: write header: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("pager: sync header: %w", err)
	}
	return nil
}

// GetPage fetches a page from cache or disk, decrypting and
// authenticating it. Page 0 (the header) is not a generic page.
func (p *Pager) GetPage(pageID uint64) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.getPageLocked(pageID)
}

func (p *Pager) getPageLocked(pageID uint64) (*Page, error) {
	if pageID == 0 || pageID >= p.header.PageCount {
		return nil, fmt.Errorf("pager: page %d out of range (page_count=%d): %w", pageID, p.header.PageCount, murodberr.ErrOutOfRange)
	}
	if data, ok := p.cache.get(pageID); ok {
		if p.metrics != nil {
			p.metrics.CacheHit()
		}
		pg := &Page{Data: data}
		return pg, nil
	}
	if p.metrics != nil {
		p.metrics.CacheMiss()
	}

	width := slotWidth(p.header.Suite)
	raw := make([]byte, width)
	if _, err := p.file.ReadAt(raw, physicalOffset(pageID, p.header.Suite)); err != nil {
		return nil, fmt.Errorf("pager: read page %d: %w", pageID, err)
	}
	plaintext, err := p.suite.OpenPage(pageID, p.header.Epoch, raw)
	if err != nil {
		return nil, fmt.Errorf("pager: decrypt page %d: %w", pageID, err)
	}
	var pg Page
	copy(pg.Data[:], plaintext)
	p.cache.put(pageID, pg.Data)
	return &pg, nil
}

// AllocatePage reserves a page ID: pops the in-memory freelist if
// non-empty, else extends page_count speculatively. The extension is
// not durable until the caller's transaction reaches FlushMeta, but it
// is visible in p.header.PageCount immediately, so an aborted
// transaction must call RollbackAllocations to undo it.
func (p *Pager) AllocatePage() (uint64, error) {
	if p.mode == ReadOnly {
		return 0, fmt.Errorf("pager: allocate_page: %w", murodberr.ErrReadOnly)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.freelist.Allocate(); ok {
		return id, nil
	}
	id := p.header.PageCount
	p.header.PageCount++
	return id, nil
}

// RollbackAllocations undoes a set of AllocatePage reservations made by
// a transaction that did not commit. total is how many pages the
// transaction allocated in all; reused holds the subset of those that
// were popped from the freelist rather than extending page_count (see
// txn.Transaction.AllocatePage). Under the single statement lock no
// other transaction can interleave, so the non-reused allocations are
// guaranteed to be exactly the trailing total-len(reused) ids added to
// page_count, and are undone by decrementing page_count by that count;
// the reused ids are pushed back onto the freelist.
func (p *Pager) RollbackAllocations(total int, reused []uint64) {
	if total == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	extended := total - len(reused)
	p.header.PageCount -= uint64(extended)
	for _, id := range reused {
		if err := p.freelist.Free(id); err != nil {
			p.log.Warn().Uint64("page", id).Err(err).Msg("rollback: could not return allocated page to freelist")
		}
	}
}

// WritePageToDisk encrypts plaintext with the current (pageID, epoch)
// AAD and writes it at its physical slot. It does not fsync:
// durability comes from the WAL, not from this write.
func (p *Pager) WritePageToDisk(pageID uint64, plaintext [PageSize]byte) error {
	if p.mode == ReadOnly {
		return fmt.Errorf("pager: write_page_to_disk: %w", murodberr.ErrReadOnly)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writePageToDiskLocked(pageID, plaintext)
}

func (p *Pager) writePageToDiskLocked(pageID uint64, plaintext [PageSize]byte) error {
	ciphertext, err := p.suite.SealPage(pageID, p.header.Epoch, plaintext[:])
	if err != nil {
		return fmt.Errorf("pager: encrypt page %d: %w", pageID, err)
	}
	if _, err := p.file.WriteAt(ciphertext, physicalOffset(pageID, p.header.Suite)); err != nil {
		return fmt.Errorf("pager: write page %d: %w", pageID, err)
	}
	p.cache.put(pageID, plaintext)
	return nil
}

// InvalidateCache drops every cached page. Used by
// RefreshFromDiskIfChanged when another process has moved the file
// out from under this Pager's cache.
func (p *Pager) InvalidateCache() {
	p.cache.clear()
}

// CacheStats and CacheHitRate expose the LRU cache's counters.
func (p *Pager) CacheStats() (hits, misses uint64, size, capacity int) {
	return p.cache.stats()
}

func (p *Pager) CacheHitRate() float64 {
	return p.cache.hitRate()
}

// FreelistSnapshot returns a copy of the current free page IDs, for a
// transaction building its speculative delta.
func (p *Pager) FreelistSnapshot() []uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.freelist.Snapshot()
}

// ReplaceFreelist adopts a new freelist wholesale: commit step 7,
// applying the speculative freelist delta to the in-memory freelist.
func (p *Pager) ReplaceFreelist(ids []uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freelist = &Freelist{}
	for _, id := range ids {
		p.freelist.ids = append(p.freelist.ids, id)
	}
}

// ReloadFreelistFromDisk walks the on-disk chain from the header's
// freelist_head, validates it, and sanitizes it against the current
// page_count.
func (p *Pager) ReloadFreelistFromDisk() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloadFreelistLocked()
}

func (p *Pager) reloadFreelistLocked() error {
	fl := NewFreelist()
	seen := make(map[uint64]bool)
	next := p.header.FreelistHead
	for next != 0 {
		if seen[next] {
			return fmt.Errorf("pager: freelist chain cycle at page %d: %w", next, murodberr.ErrCorruption)
		}
		if next >= p.header.PageCount {
			return fmt.Errorf("pager: freelist chain page %d out of range: %w", next, murodberr.ErrCorruption)
		}
		seen[next] = true
		if uint64(len(seen)) > p.header.PageCount {
			return fmt.Errorf("pager: freelist chain longer than page_count: %w", murodberr.ErrCorruption)
		}
		page, err := p.getPageLocked(next)
		if err != nil {
			return err
		}
		entries, nextPage, err := DecodeChainPage(page)
		if err != nil {
			return err
		}
		fl.ids = append(fl.ids, entries...)
		next = nextPage
	}
	dup, oor := fl.Sanitize(p.header.PageCount)
	if p.metrics != nil && (dup > 0 || oor > 0) {
		p.metrics.FreelistSanitized(dup, oor)
	}
	if dup > 0 || oor > 0 {
		p.log.Warn().Int("duplicates", dup).Int("out_of_range", oor).Msg("freelist sanitize removed invalid entries")
	}
	p.freelist = fl
	return nil
}

// RefreshFromDiskIfChanged re-reads the header; if any persisted field
// differs from the in-memory copy, it invalidates the cache and
// reloads the freelist. Used between statements on a
// cross-process-shared database.
func (p *Pager) RefreshFromDiskIfChanged() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var buf [HeaderSize]byte
	if _, err := p.file.ReadAt(buf[:], 0); err != nil {
		return fmt.Errorf("pager: refresh: read header: %w", err)
	}
	onDisk, err := DecodeHeader(buf)
	if err != nil {
		return err
	}
	if *onDisk == *p.header {
		return nil
	}
	p.header = onDisk
	p.InvalidateCache()
	return p.reloadFreelistLocked()
}

// Close flushes the header (read-write mode only), closes the WAL
// without a further sync, and releases the file and cross-process lock.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode == ReadWrite {
		if err := p.flushMetaLocked(); err != nil {
			return err
		}
	}
	if p.walFile != nil {
		p.walFile.Close()
	}
	if p.suite != nil {
		p.suite.Zeroize()
	}
	fileErr := p.file.Close()
	if p.lock != nil {
		p.lock.unlock()
	}
	return fileErr
}
