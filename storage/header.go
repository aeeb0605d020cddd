package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/tokuhirom/murodb/cipher"
	"github.com/tokuhirom/murodb/murodberr"
)

// HeaderSize is the fixed, plaintext header at offset 0 of the data
// file.
const HeaderSize = 76

// FormatVersion is the only data-file format version this build
// understands. Versions 1-3 and >=5 are rejected at open: this module
// picks the fixed 4096-byte plaintext page slot, with the AEAD
// nonce+tag stored inline as part of the physical page slot (physical
// slot width = 12 + 4096 + 16 = 4124 bytes), and bakes that choice
// into version 4.
const FormatVersion uint32 = 4

var headerMagic = [8]byte{'M', 'U', 'R', 'O', 'D', 'B', '1', 0}

// Header is the decoded, in-memory form of the 76-byte database header.
type Header struct {
	Salt           [cipher.SaltSize]byte
	CatalogRoot    uint64
	PageCount      uint64
	Epoch          uint64
	FreelistHead   uint64
	NextTxID       uint64
	Suite          cipher.SuiteID
}

// Encode serializes h into the 76-byte on-disk header, including its
// trailing CRC32.
func (h *Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	off := 0
	copy(buf[off:off+8], headerMagic[:])
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], FormatVersion)
	off += 4
	copy(buf[off:off+cipher.SaltSize], h.Salt[:])
	off += cipher.SaltSize
	binary.LittleEndian.PutUint64(buf[off:off+8], h.CatalogRoot)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], h.PageCount)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], h.Epoch)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], h.FreelistHead)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], h.NextTxID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(h.Suite))
	off += 4

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:off+4], crc)
	return buf
}

// DecodeHeader validates the magic, format version, and CRC32, then
// decodes the remaining fields.
func DecodeHeader(buf [HeaderSize]byte) (*Header, error) {
	off := 0
	if string(buf[off:off+8]) != string(headerMagic[:]) {
		return nil, fmt.Errorf("storage: bad header magic: %w", murodberr.ErrCorruption)
	}
	off += 8

	version := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	if version != FormatVersion {
		return nil, fmt.Errorf("storage: format version %d unsupported (want %d): %w", version, FormatVersion, murodberr.ErrUnsupportedVersion)
	}

	h := &Header{}
	copy(h.Salt[:], buf[off:off+cipher.SaltSize])
	off += cipher.SaltSize
	h.CatalogRoot = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	h.PageCount = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	h.Epoch = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	h.FreelistHead = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	h.NextTxID = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	h.Suite = cipher.SuiteID(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4

	wantCRC := crc32.ChecksumIEEE(buf[:off])
	gotCRC := binary.LittleEndian.Uint32(buf[off : off+4])
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("storage: header CRC mismatch: %w", murodberr.ErrCorruption)
	}
	return h, nil
}
