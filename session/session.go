// Package session implements the client-facing handle: a Pager, its
// WAL, an optional explicit Transaction, a sticky poison flag, and a
// checkpoint policy read once at construction from the environment.
// Collaborators (a SQL executor, FTS) drive the storage core
// exclusively through a Session rather than touching Pager or
// Transaction directly.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tokuhirom/murodb/concurrency"
	"github.com/tokuhirom/murodb/metrics"
	"github.com/tokuhirom/murodb/murodberr"
	"github.com/tokuhirom/murodb/storage"
	"github.com/tokuhirom/murodb/txn"
)

// CheckpointPolicy holds the three env-configured checkpoint triggers.
// Any enabled trigger (non-zero threshold/interval) fires a checkpoint
// independently of the others.
type CheckpointPolicy struct {
	TxThreshold       uint64
	WALBytesThreshold uint64
	Interval          time.Duration
}

func checkpointPolicyFromEnv() CheckpointPolicy {
	return CheckpointPolicy{
		TxThreshold:       envUint("MURODB_CHECKPOINT_TX_THRESHOLD", 1),
		WALBytesThreshold: envUint("MURODB_CHECKPOINT_WAL_BYTES_THRESHOLD", 0),
		Interval:          time.Duration(envUint("MURODB_CHECKPOINT_INTERVAL_MS", 0)) * time.Millisecond,
	}
}

func envUint(name string, def uint64) uint64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Session is the unit of intra-process concurrency control: every
// method acquires the StatementLock fresh, and inside an explicit
// transaction every statement reacquires it rather than holding it for
// the transaction's lifetime.
type Session struct {
	ID uuid.UUID

	lock  *concurrency.StatementLock
	pager *storage.Pager

	tx       *txn.Transaction
	poisoned bool

	policy            CheckpointPolicy
	txSinceCheckpoint uint64
	lastCheckpoint    time.Time
	checkpointMetrics *metrics.Checkpoint

	log zerolog.Logger
}

// Open opens the database at path and wraps it in a fresh Session.
func Open(path, passphrase string, mode storage.Mode) (*Session, error) {
	pager, err := storage.Open(path, passphrase, mode)
	if err != nil {
		return nil, err
	}
	return newSession(pager), nil
}

// Wrap builds a Session around an already-open Pager, e.g. one opened
// with OpenWithRecoveryModeAndReport so the caller can inspect the
// recovery report before handing the Pager off.
func Wrap(pager *storage.Pager) *Session {
	return newSession(pager)
}

func newSession(pager *storage.Pager) *Session {
	return &Session{
		ID:             uuid.New(),
		lock:           concurrency.New(),
		pager:          pager,
		policy:         checkpointPolicyFromEnv(),
		lastCheckpoint: time.Now(),
		log:            log.Logger,
	}
}

// SetLogger overrides the zero-value default (zerolog's global logger).
func (s *Session) SetLogger(l zerolog.Logger) { s.log = l }

// SetCheckpointMetrics attaches a metrics.Checkpoint; nil is fine and
// simply disables instrumentation.
func (s *Session) SetCheckpointMetrics(m *metrics.Checkpoint) { s.checkpointMetrics = m }

// Pager exposes the underlying Pager for operations a Session doesn't
// wrap directly (CacheStats, FreelistSnapshot diagnostics, etc).
func (s *Session) Pager() *storage.Pager { return s.pager }

// Poisoned reports whether this session saw a CommitInDoubt and must
// be discarded; the next Open's recovery pass is authoritative.
func (s *Session) Poisoned() bool { return s.poisoned }

func (s *Session) checkPoisoned() error {
	if s.poisoned {
		return fmt.Errorf("session: %w", murodberr.ErrSessionPoisoned)
	}
	return nil
}

// Begin starts an explicit, multi-statement transaction. Every
// statement within it still reacquires the StatementLock; only the
// Transaction's dirty buffer spans the statements.
func (s *Session) Begin() error {
	if err := s.checkPoisoned(); err != nil {
		return err
	}
	release, err := s.lock.Acquire(context.Background(), concurrency.Exclusive)
	if err != nil {
		return fmt.Errorf("session: begin: %w", err)
	}
	defer release()

	if s.tx != nil {
		return fmt.Errorf("session: a transaction is already open")
	}
	s.tx = txn.Begin(s.pager)
	return nil
}

// WithStatement runs fn against the transaction used for this
// statement: the explicit one if Begin is in progress, otherwise a
// fresh implicit transaction that refreshes the Pager from disk first
// and commits (or rolls back on error) before returning.
func (s *Session) WithStatement(mode concurrency.Mode, fn func(tx *txn.Transaction) error) error {
	if err := s.checkPoisoned(); err != nil {
		return err
	}

	release, err := s.lock.Acquire(context.Background(), mode)
	if err != nil {
		return fmt.Errorf("session: statement: %w", err)
	}
	defer release()

	if s.tx != nil {
		return fn(s.tx)
	}

	if err := s.pager.RefreshFromDiskIfChanged(); err != nil {
		return fmt.Errorf("session: refresh before statement: %w", err)
	}

	tx := txn.Begin(s.pager)
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return s.commitAndMaybeCheckpoint(tx)
}

// Commit commits the transaction started by Begin.
func (s *Session) Commit() error {
	if err := s.checkPoisoned(); err != nil {
		return err
	}
	release, err := s.lock.Acquire(context.Background(), concurrency.Exclusive)
	if err != nil {
		return fmt.Errorf("session: commit: %w", err)
	}
	defer release()

	if s.tx == nil {
		return fmt.Errorf("session: no transaction is open")
	}
	tx := s.tx
	s.tx = nil
	return s.commitAndMaybeCheckpoint(tx)
}

// Rollback discards the transaction started by Begin. No WAL record is
// appended.
func (s *Session) Rollback() error {
	if err := s.checkPoisoned(); err != nil {
		return err
	}
	release, err := s.lock.Acquire(context.Background(), concurrency.Exclusive)
	if err != nil {
		return fmt.Errorf("session: rollback: %w", err)
	}
	defer release()

	if s.tx == nil {
		return fmt.Errorf("session: no transaction is open")
	}
	s.tx.Rollback()
	s.tx = nil
	return nil
}

func (s *Session) commitAndMaybeCheckpoint(tx *txn.Transaction) error {
	if err := tx.Commit(); err != nil {
		if errors.Is(err, murodberr.ErrCommitInDoubt) {
			s.poisoned = true
			s.log.Error().Err(err).Str("session", s.ID.String()).Msg("commit in doubt, session poisoned")
			err = fmt.Errorf("session %s: %w", s.ID, err)
		}
		return err
	}
	s.txSinceCheckpoint++
	s.maybeCheckpoint()
	return nil
}

// maybeCheckpoint fires a checkpoint if any configured trigger has
// been reached. A checkpoint failure is logged and counted but never
// returned: it must not fail the commit that triggered it.
func (s *Session) maybeCheckpoint() {
	trigger := s.policy.TxThreshold > 0 && s.txSinceCheckpoint >= s.policy.TxThreshold
	if !trigger && s.policy.WALBytesThreshold > 0 {
		if w := s.pager.WAL(); w != nil && w.CurrentLSN() >= s.policy.WALBytesThreshold {
			trigger = true
		}
	}
	if !trigger && s.policy.Interval > 0 && time.Since(s.lastCheckpoint) >= s.policy.Interval {
		trigger = true
	}
	if !trigger {
		return
	}

	if s.checkpointMetrics != nil {
		s.checkpointMetrics.Attempt()
	}
	if err := s.checkpoint(); err != nil {
		if s.checkpointMetrics != nil {
			s.checkpointMetrics.Failure()
		}
		s.log.Warn().Err(err).Str("session", s.ID.String()).Msg("checkpoint failed, commit already succeeded")
		return
	}
	s.txSinceCheckpoint = 0
	s.lastCheckpoint = time.Now()
}

// Checkpoint forces a checkpoint immediately, bypassing the configured
// triggers. Intended for operator-driven use (a CLI command, an idle
// hook) rather than the commit path.
func (s *Session) Checkpoint() error {
	if err := s.checkPoisoned(); err != nil {
		return err
	}
	release, err := s.lock.Acquire(context.Background(), concurrency.Exclusive)
	if err != nil {
		return fmt.Errorf("session: checkpoint: %w", err)
	}
	defer release()

	if s.checkpointMetrics != nil {
		s.checkpointMetrics.Attempt()
	}
	if err := s.checkpoint(); err != nil {
		if s.checkpointMetrics != nil {
			s.checkpointMetrics.Failure()
		}
		return err
	}
	s.txSinceCheckpoint = 0
	s.lastCheckpoint = time.Now()
	return nil
}

func (s *Session) checkpoint() error {
	w := s.pager.WAL()
	if w == nil {
		return fmt.Errorf("session: checkpoint: no WAL attached")
	}
	return w.CheckpointTruncate()
}

// Close closes the underlying Pager. A poisoned session may still be
// closed; its WAL already holds whatever was durably committed, and
// the next Open's recovery pass will reconcile it.
func (s *Session) Close() error {
	return s.pager.Close()
}
