package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokuhirom/murodb/btree"
	"github.com/tokuhirom/murodb/txn"
)

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Insert or overwrite a key in the data file's tree",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		key := btree.EncodeBytesAscending([]byte(args[0]))
		value := []byte(args[1])
		return exclusiveStatement(s, func(tx *txn.Transaction) error {
			bt, err := withCatalog(s, tx, true)
			if err != nil {
				return err
			}
			if err := bt.Insert(tx, key, value); err != nil {
				return fmt.Errorf("put: %w", err)
			}
			tx.SetMeta(bt.RootPageID)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
}
