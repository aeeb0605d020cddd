package wal

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tokuhirom/murodb/cipher"
)

// Magic8 is the fixed 8-byte magic at the start of every WAL file.
var Magic8 = [8]byte{'M', 'U', 'R', 'O', 'W', 'A', 'L', '1'}

// Version is the only WAL format version this build writes, and the
// reader rejects a header with any other version. MetaUpdate records
// in the shorter legacy layout still decode, with freelist_head = 0
// and epoch = 0.
const Version uint32 = 1

// HeaderSize is the size of the WAL file header: Magic8 || version_u32_le.
const HeaderSize = 12

// Writer appends frames to a WAL file and tracks the current LSN,
// which is defined as the byte offset the next frame will be written
// at.
type Writer struct {
	mu    sync.Mutex
	file  File
	suite *cipher.Suite
	lsn   uint64
}

// CreateWriter writes a fresh WAL header to file and returns a Writer
// positioned at lsn = HeaderSize.
func CreateWriter(file File, suite *cipher.Suite) (*Writer, error) {
	var hdr [HeaderSize]byte
	copy(hdr[0:8], Magic8[:])
	binary.LittleEndian.PutUint32(hdr[8:12], Version)
	if _, err := file.WriteAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("wal: write header: %w", err)
	}
	if err := file.Truncate(HeaderSize); err != nil {
		return nil, fmt.Errorf("wal: truncate to header: %w", err)
	}
	return &Writer{file: file, suite: suite, lsn: HeaderSize}, nil
}

// OpenWriter positions a Writer at lsn = sizeAtOpen, ready to append
// the next frame. It neither reads nor validates the WAL header; the
// caller passes the current file size and validates the header itself
// (Reader.ValidateHeader). Callers typically run Recovery against a Reader before
// calling this, then reopen for append with a fresh, truncated file.
func OpenWriter(file File, suite *cipher.Suite, sizeAtOpen int64) (*Writer, error) {
	return &Writer{file: file, suite: suite, lsn: uint64(sizeAtOpen)}, nil
}

// CurrentLSN returns the offset the next appended frame will occupy.
func (w *Writer) CurrentLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lsn
}

// Append serializes, compresses, CRCs, and encrypts rec, writes the
// resulting frame at the current LSN, and returns that LSN. It does
// not sync.
func (w *Writer) Append(rec Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.lsn
	ciphertext, err := sealFrame(w.suite, lsn, rec)
	if err != nil {
		return 0, fmt.Errorf("wal: seal frame: %w", err)
	}
	if len(ciphertext) > MaxFrameLen {
		return 0, fmt.Errorf("wal: frame of %d bytes exceeds max %d", len(ciphertext), MaxFrameLen)
	}

	frame := make([]byte, 4+len(ciphertext))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(ciphertext)))
	copy(frame[4:], ciphertext)

	if _, err := w.file.WriteAt(frame, int64(lsn)); err != nil {
		return 0, fmt.Errorf("wal: write frame at lsn %d: %w", lsn, err)
	}
	w.lsn = lsn + uint64(len(frame))
	return lsn, nil
}

// Sync fsyncs the WAL file. A successful return is the commit point
// for any transaction whose Commit frame was appended before the call.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// CheckpointTruncate truncates the WAL to header-only and fsyncs, on
// the assumption that everything in it has already been durably
// applied to the data file. Best-effort: a checkpoint failure must
// not fail the commit that triggered it.
func (w *Writer) CheckpointTruncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(HeaderSize); err != nil {
		return fmt.Errorf("wal: checkpoint truncate: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: checkpoint fsync: %w", err)
	}
	w.lsn = HeaderSize
	return nil
}
