package wal

import (
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/tokuhirom/murodb/cipher"
	"github.com/tokuhirom/murodb/murodberr"
)

func newTestSuite(t *testing.T) *cipher.Suite {
	t.Helper()
	var salt [cipher.SaltSize]byte
	key := cipher.DeriveKey("test-pass", salt)
	suite, err := cipher.New(cipher.SuiteAEADMisuseResistant, key)
	if err != nil {
		t.Fatalf("cipher.New: %v", err)
	}
	return suite
}

func newTestFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "murodb-wal-*.wal")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	return f
}

func TestWriterAppendAndReaderRoundTrip(t *testing.T) {
	suite := newTestSuite(t)
	f := newTestFile(t)

	w, err := CreateWriter(f, suite)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}

	lsn1, err := w.Append(Record{Type: Begin, TxID: 1})
	if err != nil {
		t.Fatalf("append begin: %v", err)
	}
	var img [PageImageSize]byte
	for i := range img {
		img[i] = 'X'
	}
	if _, err := w.Append(Record{Type: PagePut, TxID: 1, PageID: 7, PageImage: img}); err != nil {
		t.Fatalf("append page_put: %v", err)
	}
	if _, err := w.Append(Record{Type: MetaUpdate, TxID: 1, CatalogRoot: 2, PageCount: 8, FreelistHead: 0, Epoch: 0}); err != nil {
		t.Fatalf("append meta_update: %v", err)
	}
	commitLSN := w.CurrentLSN()
	if _, err := w.Append(Record{Type: Commit, TxID: 1, CommitLSN: commitLSN}); err != nil {
		t.Fatalf("append commit: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	r := NewReader(f, suite)
	if err := r.ValidateHeader(); err != nil {
		t.Fatalf("validate header: %v", err)
	}
	entries, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	if entries[0].LSN != lsn1 || entries[0].Record.Type != Begin {
		t.Fatalf("entry 0: %+v", entries[0])
	}
	if entries[1].Record.Type != PagePut || entries[1].Record.PageID != 7 {
		t.Fatalf("entry 1: %+v", entries[1])
	}
	if entries[3].Record.Type != Commit || entries[3].Record.CommitLSN != commitLSN {
		t.Fatalf("entry 3: %+v", entries[3])
	}
}

func TestReaderTreatsTruncatedTailAsEndOfLog(t *testing.T) {
	suite := newTestSuite(t)
	f := newTestFile(t)

	w, err := CreateWriter(f, suite)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	if _, err := w.Append(Record{Type: Begin, TxID: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Simulate a torn write: append a frame-length prefix with no body.
	info, _ := f.Stat()
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], 500)
	if _, err := f.WriteAt(lenBuf[:], info.Size()); err != nil {
		t.Fatalf("write torn prefix: %v", err)
	}

	r := NewReader(f, suite)
	entries, err := r.ReadAll()
	if err != nil {
		t.Fatalf("expected tail truncation to be tolerated, got error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry before the torn tail, got %d", len(entries))
	}
}

func TestReaderDetectsMidLogCorruption(t *testing.T) {
	suite := newTestSuite(t)
	f := newTestFile(t)

	w, err := CreateWriter(f, suite)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	corruptLSN, err := w.Append(Record{Type: Begin, TxID: 1})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Append(Record{Type: Commit, TxID: 1, CommitLSN: 0}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Flip a byte in the first frame's ciphertext, after the length prefix.
	var b [1]byte
	if _, err := f.ReadAt(b[:], corruptLSN+4); err != nil {
		t.Fatalf("read byte: %v", err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b[:], corruptLSN+4); err != nil {
		t.Fatalf("write byte: %v", err)
	}

	r := NewReader(f, suite)
	_, err = r.ReadAll()
	if err == nil {
		t.Fatalf("expected mid-log corruption error")
	}
	if !errors.Is(err, murodberr.ErrMidLogCorruption) {
		t.Fatalf("expected ErrMidLogCorruption, got %v", err)
	}
}

func TestWriterCheckpointTruncateResetsLSN(t *testing.T) {
	suite := newTestSuite(t)
	f := newTestFile(t)

	w, err := CreateWriter(f, suite)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	if _, err := w.Append(Record{Type: Begin, TxID: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.CheckpointTruncate(); err != nil {
		t.Fatalf("checkpoint truncate: %v", err)
	}
	if got := w.CurrentLSN(); got != HeaderSize {
		t.Fatalf("CurrentLSN after checkpoint: got %d, want %d", got, HeaderSize)
	}

	r := NewReader(f, suite)
	entries, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty WAL after checkpoint, got %d entries", len(entries))
	}
}
