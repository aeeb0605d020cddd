package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/tokuhirom/murodb/cipher"
	"github.com/tokuhirom/murodb/murodberr"
)

// Entry pairs a decoded record with the LSN of the frame it came from.
type Entry struct {
	LSN    uint64
	Record Record
}

// Reader reads frames from a WAL file, applying a tail-tolerant
// heuristic that treats a truncated or corrupt final frame as the end
// of the log rather than a fatal error.
type Reader struct {
	file  File
	suite *cipher.Suite
}

// NewReader returns a Reader over file. ValidateHeader should be
// called once before ReadAll.
func NewReader(file File, suite *cipher.Suite) *Reader {
	return &Reader{file: file, suite: suite}
}

// ValidateHeader checks the 12-byte WAL header's magic and version.
func (r *Reader) ValidateHeader() error {
	var hdr [HeaderSize]byte
	n, err := r.file.ReadAt(hdr[:], 0)
	if err != nil && n < HeaderSize {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if string(hdr[0:8]) != string(Magic8[:]) {
		return fmt.Errorf("wal: bad magic: %w", murodberr.ErrCorruption)
	}
	version := binary.LittleEndian.Uint32(hdr[8:12])
	if version == 0 || version > Version {
		return fmt.Errorf("wal: unsupported WAL version %d: %w", version, murodberr.ErrUnsupportedVersion)
	}
	return nil
}

type frameSlot struct {
	lsn        uint64
	ciphertext []byte
}

// ReadAll scans every structurally plausible frame after the header,
// decrypts each, and returns the successfully authenticated entries in
// file order.
//
// A frame whose declared length is implausible, or exceeds the bytes
// remaining in the file, or is zero, ends the scan there (tail). A
// frame that parses structurally but fails AEAD authentication is also
// treated as the tail, UNLESS some later frame in the file goes on to
// authenticate successfully, in which case ReadAll returns
// ErrMidLogCorruption: the damage is not a clean truncation.
func (r *Reader) ReadAll() ([]Entry, error) {
	info, err := r.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("wal: stat: %w", err)
	}
	size := info.Size()

	var frames []frameSlot
	pos := int64(HeaderSize)
	for pos+4 <= size {
		var lenBuf [4]byte
		if _, err := r.file.ReadAt(lenBuf[:], pos); err != nil {
			return nil, fmt.Errorf("wal: read frame length at %d: %w", pos, err)
		}
		frameLen := binary.LittleEndian.Uint32(lenBuf[:])
		if frameLen == 0 {
			break
		}
		if frameLen > MaxFrameLen {
			break
		}
		if pos+4+int64(frameLen) > size {
			break
		}
		ct := make([]byte, frameLen)
		if _, err := r.file.ReadAt(ct, pos+4); err != nil {
			return nil, fmt.Errorf("wal: read frame body at %d: %w", pos, err)
		}
		frames = append(frames, frameSlot{lsn: uint64(pos), ciphertext: ct})
		pos += 4 + int64(frameLen)
	}

	entries := make([]Entry, 0, len(frames))
	firstFailIdx := -1
	entriesBeforeFail := 0
	var firstFailErr error
	anySuccessAfterFail := false

	for i, f := range frames {
		rec, err := openFrame(r.suite, f.lsn, f.ciphertext)
		if err != nil {
			if firstFailIdx == -1 {
				firstFailIdx = i
				entriesBeforeFail = len(entries)
				firstFailErr = err
			}
			continue
		}
		if firstFailIdx != -1 {
			anySuccessAfterFail = true
		}
		entries = append(entries, Entry{LSN: f.lsn, Record: rec})
	}

	if firstFailIdx == -1 {
		return entries, nil
	}
	if anySuccessAfterFail {
		// Only entries decoded before the corrupt frame are returned
		// alongside the error: permissive-mode recovery salvages that
		// clean prefix rather than any decoded-but-untrustworthy tail.
		return entries[:entriesBeforeFail], fmt.Errorf("wal: frame at lsn %d failed authentication, later frames are valid: %w (%v)",
			frames[firstFailIdx].lsn, murodberr.ErrMidLogCorruption, firstFailErr)
	}
	return entries, nil
}
