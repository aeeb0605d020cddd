// Package murodberr defines the error-kind taxonomy shared by every
// storage-core package (cipher, storage, wal, txn, btree, session).
//
// Callers use errors.Is against the sentinels below; packages wrap a
// sentinel with fmt.Errorf("...: %w", ErrX) to add context without
// losing the kind.
package murodberr

import "errors"

var (
	// ErrIntegrity is returned when an AEAD tag fails to authenticate,
	// on a page or on a WAL frame.
	ErrIntegrity = errors.New("murodb: integrity check failed")

	// ErrCorruption is returned for structural violations: bad magic,
	// a freelist cycle, a header CRC mismatch, an out-of-range page ID,
	// or a B+tree node invariant violation.
	ErrCorruption = errors.New("murodb: corruption detected")

	// ErrUnsupportedVersion is returned when a data file's format
	// version is not the one this build understands.
	ErrUnsupportedVersion = errors.New("murodb: unsupported format version")

	// ErrWrongSuite is returned when the header's encryption suite does
	// not match what the caller expected at open.
	ErrWrongSuite = errors.New("murodb: wrong encryption suite")

	// ErrRecoveryRejection is returned (strict mode) or accumulated into
	// a report (permissive mode) when a WAL transaction fails the
	// per-transaction state-machine validation.
	ErrRecoveryRejection = errors.New("murodb: WAL recovery rejected a transaction")

	// ErrCommitAborted is returned for a pre-WAL-sync commit failure;
	// the database is unchanged.
	ErrCommitAborted = errors.New("murodb: commit aborted before WAL sync")

	// ErrCommitInDoubt is returned for a post-WAL-sync commit failure;
	// the transaction is durable but the session is poisoned.
	ErrCommitInDoubt = errors.New("murodb: commit in doubt after WAL sync")

	// ErrSessionPoisoned is returned by any operation on a session that
	// previously observed ErrCommitInDoubt.
	ErrSessionPoisoned = errors.New("murodb: session is poisoned, reopen required")

	// ErrDoubleFree is returned when freeing a page ID already present
	// in the freelist.
	ErrDoubleFree = errors.New("murodb: page already free")

	// ErrOutOfRange is returned when a page ID is outside [0, page_count).
	ErrOutOfRange = errors.New("murodb: page ID out of range")

	// ErrReadOnly is returned when a write operation is attempted
	// against a Pager opened in read-only mode.
	ErrReadOnly = errors.New("murodb: database is read-only")

	// ErrMidLogCorruption is returned by the WAL reader when a
	// structurally plausible frame fails authentication and a later
	// frame in the file successfully authenticates — i.e. the damage is
	// not a clean tail truncation.
	ErrMidLogCorruption = errors.New("murodb: mid-log corruption in WAL")
)

// SkipCode is a machine-readable reason a permissive-mode recovery
// rejected a transaction. Stable across releases: collaborators may
// match on these strings.
type SkipCode string

const (
	SkipRecordBeforeBegin       SkipCode = "RecordBeforeBegin"
	SkipRecordAfterTerminal     SkipCode = "RecordAfterTerminal"
	SkipDuplicateTerminal       SkipCode = "DuplicateTerminal"
	SkipCommitLSNMismatch       SkipCode = "CommitLsnMismatch"
	SkipCommitWithoutMetaUpdate SkipCode = "CommitWithoutMetaUpdate"
	SkipPagePutIDMismatch       SkipCode = "PagePutIdMismatch"
	SkipFrameIntegrity          SkipCode = "FrameIntegrity"
)
