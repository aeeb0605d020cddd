// Package wal implements the write-ahead log: a framed, per-frame
// authenticated append-only file, independent of the Pager so that
// package storage can depend on it (recovery lives in storage, driven
// by this package's Reader) without a cycle.
package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/tokuhirom/murodb/murodberr"
)

// RecordType is the wire tag of a WAL record:
// 1=Begin, 2=PagePut, 3=Commit, 4=Abort, 5=MetaUpdate.
type RecordType byte

const (
	Begin      RecordType = 1
	PagePut    RecordType = 2
	Commit     RecordType = 3
	Abort      RecordType = 4
	MetaUpdate RecordType = 5
)

// PageImageSize is the width of a PagePut record's embedded page image.
const PageImageSize = 4096

// metaUpdateLegacyLen is the encoded length of a MetaUpdate record from
// WAL format versions 1-2, which lacked freelist_head and epoch.
// Legacy MetaUpdate records shorter than the current layout decode
// with freelist_head = 0 and epoch = 0.
const metaUpdateLegacyLen = 1 + 8 + 8 + 8

// metaUpdateCurrentLen is the encoded length of a current-version
// MetaUpdate record.
const metaUpdateCurrentLen = metaUpdateLegacyLen + 8 + 8

// Record is the tagged union of WAL record kinds.
type Record struct {
	Type RecordType
	TxID uint64

	// PagePut
	PageID    uint64
	PageImage [PageImageSize]byte

	// MetaUpdate
	CatalogRoot  uint64
	PageCount    uint64
	FreelistHead uint64
	Epoch        uint64

	// Commit
	CommitLSN uint64
}

// Encode serializes r into the plaintext record_bytes that get
// compressed, CRC-checked, and encrypted by the frame layer.
func (r Record) Encode() []byte {
	switch r.Type {
	case Begin, Abort:
		buf := make([]byte, 9)
		buf[0] = byte(r.Type)
		binary.LittleEndian.PutUint64(buf[1:9], r.TxID)
		return buf
	case Commit:
		buf := make([]byte, 17)
		buf[0] = byte(r.Type)
		binary.LittleEndian.PutUint64(buf[1:9], r.TxID)
		binary.LittleEndian.PutUint64(buf[9:17], r.CommitLSN)
		return buf
	case PagePut:
		buf := make([]byte, 1+8+8+PageImageSize)
		buf[0] = byte(r.Type)
		binary.LittleEndian.PutUint64(buf[1:9], r.TxID)
		binary.LittleEndian.PutUint64(buf[9:17], r.PageID)
		copy(buf[17:], r.PageImage[:])
		return buf
	case MetaUpdate:
		buf := make([]byte, metaUpdateCurrentLen)
		buf[0] = byte(r.Type)
		binary.LittleEndian.PutUint64(buf[1:9], r.TxID)
		binary.LittleEndian.PutUint64(buf[9:17], r.CatalogRoot)
		binary.LittleEndian.PutUint64(buf[17:25], r.PageCount)
		binary.LittleEndian.PutUint64(buf[25:33], r.FreelistHead)
		binary.LittleEndian.PutUint64(buf[33:41], r.Epoch)
		return buf
	default:
		panic(fmt.Sprintf("wal: encode: unknown record type %d", r.Type))
	}
}

// DecodeRecord parses a record from its plaintext record_bytes.
func DecodeRecord(buf []byte) (Record, error) {
	if len(buf) == 0 {
		return Record{}, fmt.Errorf("wal: empty record: %w", murodberr.ErrCorruption)
	}
	t := RecordType(buf[0])
	switch t {
	case Begin, Abort:
		if len(buf) != 9 {
			return Record{}, fmt.Errorf("wal: record type %d: bad length %d: %w", t, len(buf), murodberr.ErrCorruption)
		}
		return Record{Type: t, TxID: binary.LittleEndian.Uint64(buf[1:9])}, nil
	case Commit:
		if len(buf) != 17 {
			return Record{}, fmt.Errorf("wal: commit: bad length %d: %w", len(buf), murodberr.ErrCorruption)
		}
		return Record{
			Type:      t,
			TxID:      binary.LittleEndian.Uint64(buf[1:9]),
			CommitLSN: binary.LittleEndian.Uint64(buf[9:17]),
		}, nil
	case PagePut:
		if len(buf) != 1+8+8+PageImageSize {
			return Record{}, fmt.Errorf("wal: page_put: bad length %d: %w", len(buf), murodberr.ErrCorruption)
		}
		rec := Record{
			Type:   t,
			TxID:   binary.LittleEndian.Uint64(buf[1:9]),
			PageID: binary.LittleEndian.Uint64(buf[9:17]),
		}
		copy(rec.PageImage[:], buf[17:])
		return rec, nil
	case MetaUpdate:
		switch len(buf) {
		case metaUpdateLegacyLen:
			return Record{
				Type:        t,
				TxID:        binary.LittleEndian.Uint64(buf[1:9]),
				CatalogRoot: binary.LittleEndian.Uint64(buf[9:17]),
				PageCount:   binary.LittleEndian.Uint64(buf[17:25]),
			}, nil
		case metaUpdateCurrentLen:
			return Record{
				Type:         t,
				TxID:         binary.LittleEndian.Uint64(buf[1:9]),
				CatalogRoot:  binary.LittleEndian.Uint64(buf[9:17]),
				PageCount:    binary.LittleEndian.Uint64(buf[17:25]),
				FreelistHead: binary.LittleEndian.Uint64(buf[25:33]),
				Epoch:        binary.LittleEndian.Uint64(buf[33:41]),
			}, nil
		default:
			return Record{}, fmt.Errorf("wal: meta_update: bad length %d: %w", len(buf), murodberr.ErrCorruption)
		}
	default:
		return Record{}, fmt.Errorf("wal: unknown record type %d: %w", t, murodberr.ErrCorruption)
	}
}
