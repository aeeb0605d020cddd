package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tokuhirom/murodb/btree"
	"github.com/tokuhirom/murodb/concurrency"
	"github.com/tokuhirom/murodb/metrics"
	"github.com/tokuhirom/murodb/session"
	"github.com/tokuhirom/murodb/storage"
	"github.com/tokuhirom/murodb/txn"
)

const version = "0.1.0"

var (
	flagDBPath      string
	flagPassphrase  string
	flagRecovery    string
	flagVerbose     bool
	flagMetricsAddr string
)

var rootCmd = &cobra.Command{
	Use:     "murodb",
	Short:   "Operate a murodb data file directly through the storage core",
	Version: version,
	Long: `murodb drives the Pager, WAL, and B+tree storage core without a SQL
layer on top: every subcommand maps onto the Core API (open, get/put page,
begin/commit/rollback, btree search/scan/insert/delete, checkpoint).`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "path to the data file (required)")
	rootCmd.PersistentFlags().StringVar(&flagPassphrase, "passphrase", os.Getenv("MURODB_PASSPHRASE"), "passphrase for key derivation (or $MURODB_PASSPHRASE)")
	rootCmd.PersistentFlags().StringVar(&flagRecovery, "recovery", "strict", "recovery mode on open: strict|permissive")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "pretty-print structured logs to stderr")
	rootCmd.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090) for the lifetime of the command")
	rootCmd.MarkPersistentFlagRequired("db")
}

// dbMetrics bundles the three counter/gauge sets a Pager/Session pass
// can be wired with, all registered against one Registry.
type dbMetrics struct {
	pager      *metrics.Pager
	recovery   *metrics.Recovery
	checkpoint *metrics.Checkpoint
}

// setupMetrics registers dbMetrics against a fresh registry and, if
// flagMetricsAddr is set, serves it over HTTP for the process lifetime.
// Passing "" leaves every field nil, which every collaborator treats as
// "instrumentation disabled".
func setupMetrics(log zerolog.Logger) *dbMetrics {
	if flagMetricsAddr == "" {
		return &dbMetrics{}
	}
	reg := prometheus.NewRegistry()
	dbName := flagDBPath
	m := &dbMetrics{
		pager:      metrics.NewPager(reg, dbName),
		recovery:   metrics.NewRecovery(reg, dbName),
		checkpoint: metrics.NewCheckpoint(reg, dbName),
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: flagMetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Str("addr", flagMetricsAddr).Msg("metrics server stopped")
		}
	}()
	return m
}

func newLogger() zerolog.Logger {
	if !flagVerbose {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func recoveryMode() (storage.RecoveryMode, error) {
	switch flagRecovery {
	case "strict":
		return storage.RecoveryStrict, nil
	case "permissive":
		return storage.RecoveryPermissive, nil
	default:
		return 0, fmt.Errorf("cmd: unknown --recovery %q, want strict|permissive", flagRecovery)
	}
}

// openSession opens flagDBPath read-write and logs each transaction a
// permissive-mode recovery skipped at warn level through the CLI
// logger, which discards everything unless --verbose is set.
func openSession() (*session.Session, error) {
	recMode, err := recoveryMode()
	if err != nil {
		return nil, err
	}
	log := newLogger()
	m := setupMetrics(log)
	pager, report, err := storage.OpenWithRecoveryModeAndReport(flagDBPath, flagPassphrase, storage.ReadWrite, recMode, nil, m.recovery)
	if err != nil {
		return nil, fmt.Errorf("cmd: open %s: %w", flagDBPath, err)
	}
	pager.SetLogger(log)
	pager.SetMetrics(m.pager)
	if report != nil {
		for _, skipped := range report.Skipped {
			log.Warn().Uint64("txid", skipped.TxID).Str("code", string(skipped.Code)).Msg("recovery skipped a transaction")
		}
	}
	s := session.Wrap(pager)
	s.SetLogger(log)
	s.SetCheckpointMetrics(m.checkpoint)
	return s, nil
}

// withCatalog loads the single catalog tree rooted at the Pager's
// catalog_root header field, creating it on first write if none
// exists yet. There is no multi-table catalog in this CLI: one data
// file holds exactly one tree, addressed directly by its root page.
func withCatalog(s *session.Session, tx *txn.Transaction, create bool) (*btree.BTree, error) {
	root := s.Pager().CatalogRoot()
	if root != 0 {
		return btree.Open(root), nil
	}
	if !create {
		return nil, fmt.Errorf("cmd: no tree exists yet in %s; run put first", flagDBPath)
	}
	bt, err := btree.Create(tx)
	if err != nil {
		return nil, fmt.Errorf("cmd: create tree: %w", err)
	}
	tx.SetMeta(bt.RootPageID)
	return bt, nil
}

func exclusiveStatement(s *session.Session, fn func(tx *txn.Transaction) error) error {
	return s.WithStatement(concurrency.Exclusive, fn)
}

func sharedStatement(s *session.Session, fn func(tx *txn.Transaction) error) error {
	return s.WithStatement(concurrency.Shared, fn)
}
