package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/snappy"

	"github.com/tokuhirom/murodb/cipher"
	"github.com/tokuhirom/murodb/murodberr"
)

// MaxFrameLen bounds a frame's declared length, used by the reader to
// reject implausible tail garbage before even trying to decrypt.
const MaxFrameLen = PageImageSize + 1024

const (
	flagRaw        = 0
	flagCompressed = 1
)

// buildFramePlaintext compresses record_bytes with snappy when doing so
// shrinks it, prepends a one-byte raw/compressed flag, and appends a
// CRC32 over flag+body: record_bytes || CRC32(record_bytes), with
// compression spliced in as a wire-format detail. The CRC still covers
// exactly the bytes that get encrypted and written.
func buildFramePlaintext(recordBytes []byte) []byte {
	flag := byte(flagRaw)
	body := recordBytes
	if compressed := snappy.Encode(nil, recordBytes); len(compressed) < len(recordBytes) {
		flag = flagCompressed
		body = compressed
	}

	plain := make([]byte, 1+len(body)+4)
	plain[0] = flag
	copy(plain[1:], body)
	crc := crc32.ChecksumIEEE(plain[:1+len(body)])
	binary.LittleEndian.PutUint32(plain[1+len(body):], crc)
	return plain
}

// parseFramePlaintext validates the CRC and undoes compression,
// returning the original record_bytes.
func parseFramePlaintext(plain []byte) ([]byte, error) {
	if len(plain) < 1+4 {
		return nil, fmt.Errorf("wal: frame payload too short: %w", murodberr.ErrCorruption)
	}
	bodyEnd := len(plain) - 4
	wantCRC := binary.LittleEndian.Uint32(plain[bodyEnd:])
	gotCRC := crc32.ChecksumIEEE(plain[:bodyEnd])
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("wal: frame CRC mismatch: %w", murodberr.ErrCorruption)
	}

	flag := plain[0]
	body := plain[1:bodyEnd]
	switch flag {
	case flagRaw:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case flagCompressed:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("wal: snappy decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("wal: unknown frame flag %d: %w", flag, murodberr.ErrCorruption)
	}
}

// sealFrame builds the encrypted frame payload for a record at the
// given lsn (the frame's own byte offset).
func sealFrame(suite *cipher.Suite, lsn uint64, rec Record) ([]byte, error) {
	plain := buildFramePlaintext(rec.Encode())
	return suite.SealFrame(lsn, plain)
}

// openFrame decrypts and authenticates a frame's ciphertext, returning
// the decoded record.
func openFrame(suite *cipher.Suite, lsn uint64, ciphertext []byte) (Record, error) {
	plain, err := suite.OpenFrame(lsn, ciphertext)
	if err != nil {
		return Record{}, err
	}
	recordBytes, err := parseFramePlaintext(plain)
	if err != nil {
		return Record{}, err
	}
	return DecodeRecord(recordBytes)
}
