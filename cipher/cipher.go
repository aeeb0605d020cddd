// Package cipher implements authenticated encryption for page-sized and
// frame-sized payloads.
//
// Two suites are supported, selected by the database header's
// encryption-suite field: SuitePlaintext (id 0, an explicit opt-out) and
// SuiteAEADMisuseResistant (id 1). Dispatch is static — a tagged union,
// not an interface with multiple implementations — because the suite is
// fixed for the file's lifetime.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/tokuhirom/murodb/murodberr"
)

// SuiteID identifies the encryption suite recorded in the database header.
type SuiteID uint32

const (
	SuitePlaintext           SuiteID = 0
	SuiteAEADMisuseResistant SuiteID = 1
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM nonce
	tagSize   = 16 // GCM tag

	argon2Time    = 3
	argon2Memory  = 64 * 1024 // KiB
	argon2Threads = 4
)

// NonceSize and TagSize are exported so the Pager can compute the
// physical on-disk slot width for the AEAD suite: each page slot holds
// nonce(12) || ct(PAGE_SIZE) || tag(16) = 4124 bytes.
const (
	NonceSize = nonceSize
	TagSize   = tagSize
)

// SaltSize is the size of the KDF salt stored in the database header.
const SaltSize = 16

// DeriveKey runs Argon2id over passphrase and salt with the suite's fixed
// parameters. The KDF parameters are part of the suite definition, not
// stored in the header.
func DeriveKey(passphrase string, salt [SaltSize]byte) [keySize]byte {
	raw := argon2.IDKey([]byte(passphrase), salt[:], argon2Time, argon2Memory, argon2Threads, keySize)
	var key [keySize]byte
	copy(key[:], raw)
	return key
}

// Suite is a static tagged union over the two supported encryption
// suites. The zero value is not valid; construct with New.
type Suite struct {
	id      SuiteID
	key     [keySize]byte
	termKey [keySize]byte // HMAC subkey for FTS term-ID hashing
}

// New builds a Suite for the given id and master key. For
// SuitePlaintext, key is ignored.
func New(id SuiteID, key [keySize]byte) (*Suite, error) {
	switch id {
	case SuitePlaintext, SuiteAEADMisuseResistant:
	default:
		return nil, fmt.Errorf("cipher: unknown suite id %d: %w", id, murodberr.ErrWrongSuite)
	}
	s := &Suite{id: id, key: key}
	if id == SuiteAEADMisuseResistant {
		s.termKey = hkdfLike(key, "murodb-term-v1")
	}
	return s, nil
}

// ID returns the suite's on-disk identifier.
func (s *Suite) ID() SuiteID { return s.id }

// Zeroize overwrites the in-memory key material. Callers should defer
// this immediately after New when the Suite's owner (Pager) closes.
func (s *Suite) Zeroize() {
	for i := range s.key {
		s.key[i] = 0
	}
	for i := range s.termKey {
		s.termKey[i] = 0
	}
}

// hkdfLike derives a 32-byte subkey from the master key and a fixed
// context label via a single HMAC-SHA256 application. A full HKDF is
// unnecessary here: the label space is fixed and small (one label,
// "murodb-term-v1"),
// so one extract-and-expand step suffices.
func hkdfLike(key [keySize]byte, label string) [keySize]byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte(label))
	sum := mac.Sum(nil)
	var out [keySize]byte
	copy(out[:], sum)
	return out
}

// SealPage encrypts a page-sized plaintext bound to (pageID, epoch).
// AAD = page_id_le64 || epoch_le64.
func (s *Suite) SealPage(pageID, epoch uint64, plaintext []byte) ([]byte, error) {
	if s.id == SuitePlaintext {
		out := make([]byte, len(plaintext))
		copy(out, plaintext)
		return out, nil
	}
	aad := pageAAD(pageID, epoch)
	return s.seal(aad, plaintext)
}

// OpenPage decrypts and authenticates a page-sized ciphertext produced
// by SealPage with the same (pageID, epoch).
func (s *Suite) OpenPage(pageID, epoch uint64, ciphertext []byte) ([]byte, error) {
	if s.id == SuitePlaintext {
		out := make([]byte, len(ciphertext))
		copy(out, ciphertext)
		return out, nil
	}
	aad := pageAAD(pageID, epoch)
	return s.open(aad, ciphertext)
}

// SealFrame encrypts a WAL frame payload bound to its log sequence
// number. AAD = lsn_le64 || 0_le64.
func (s *Suite) SealFrame(lsn uint64, payload []byte) ([]byte, error) {
	if s.id == SuitePlaintext {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}
	aad := frameAAD(lsn)
	return s.seal(aad, payload)
}

// OpenFrame decrypts and authenticates a WAL frame payload produced by
// SealFrame with the same lsn.
func (s *Suite) OpenFrame(lsn uint64, ciphertext []byte) ([]byte, error) {
	if s.id == SuitePlaintext {
		out := make([]byte, len(ciphertext))
		copy(out, ciphertext)
		return out, nil
	}
	aad := frameAAD(lsn)
	return s.open(aad, ciphertext)
}

// TermID computes the FTS posting-list term identifier, the sole
// consumer of the suite's HMAC primitive.
func (s *Suite) TermID(token []byte) [32]byte {
	mac := hmac.New(sha256.New, s.termKey[:])
	mac.Write(token)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func pageAAD(pageID, epoch uint64) []byte {
	var aad [16]byte
	binary.LittleEndian.PutUint64(aad[0:8], pageID)
	binary.LittleEndian.PutUint64(aad[8:16], epoch)
	return aad[:]
}

func frameAAD(lsn uint64) []byte {
	var aad [16]byte
	binary.LittleEndian.PutUint64(aad[0:8], lsn)
	binary.LittleEndian.PutUint64(aad[8:16], 0)
	return aad[:]
}

// seal implements the suite: AES-256-GCM with a fresh random nonce per
// call, stored alongside the ciphertext. Ciphertext layout is
// nonce || ct || tag.
//
// An earlier version of this suite derived the nonce deterministically
// from (key, aad) rather than drawing it from crypto/rand. That's
// unsound here: aad is (page_id, epoch) for pages and lsn for WAL
// frames, and neither changes on every write to the same slot — epoch
// has no key-rotation path that increments it, and the WAL's lsn
// resets on every checkpoint truncate. A deterministic nonce scheme
// needs the AAD to be unique per plaintext it ever encrypts; this
// suite's AAD values repeat across writes, so deriving the nonce from
// them reuses (key, nonce) across different plaintexts, which breaks
// AES-GCM's authentication guarantee outright. A random nonce avoids
// that regardless of how many times a slot is rewritten.
//
// This still avoids AES-256-GCM-SIV (RFC 8452): no available library
// implements it, and a from-scratch POLYVAL/AES-CTR implementation
// isn't worth the risk. Plain AES-GCM with a random 96-bit nonce per
// encryption is the standard, safe construction stdlib supports
// directly.
func (s *Suite) seal(aad, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: aes: %w", err)
	}
	gcm, err := stdcipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("cipher: gcm: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cipher: nonce: %w", err)
	}
	ct := gcm.Seal(nil, nonce, plaintext, aad)
	out := make([]byte, 0, nonceSize+len(ct))
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

func (s *Suite) open(aad, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+tagSize {
		return nil, fmt.Errorf("cipher: ciphertext too short: %w", murodberr.ErrIntegrity)
	}
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: aes: %w", err)
	}
	gcm, err := stdcipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("cipher: gcm: %w", err)
	}
	nonce := ciphertext[:nonceSize]
	ct := ciphertext[nonceSize:]
	pt, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("cipher: open: %w", murodberr.ErrIntegrity)
	}
	return pt, nil
}
