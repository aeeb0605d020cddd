package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokuhirom/murodb/session"
	"github.com/tokuhirom/murodb/storage"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Open the data file and print what WAL recovery did",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		recMode, err := recoveryMode()
		if err != nil {
			return err
		}
		m := setupMetrics(newLogger())
		pager, report, err := storage.OpenWithRecoveryModeAndReport(flagDBPath, flagPassphrase, storage.ReadWrite, recMode, nil, m.recovery)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		defer func() { session.Wrap(pager).Close() }()

		if report == nil {
			fmt.Println("no WAL to recover")
			return nil
		}
		fmt.Printf("committed %d transaction(s): %v\n", len(report.CommittedTxIDs), report.CommittedTxIDs)
		if len(report.Skipped) == 0 {
			fmt.Println("no transactions skipped")
			return nil
		}
		fmt.Printf("skipped %d transaction(s):\n", len(report.Skipped))
		for _, sk := range report.Skipped {
			fmt.Printf("  txid=%d reason=%s\n", sk.TxID, sk.Code)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}
