package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokuhirom/murodb/btree"
	"github.com/tokuhirom/murodb/txn"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a key from the data file's tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		key := btree.EncodeBytesAscending([]byte(args[0]))
		var found bool
		err = exclusiveStatement(s, func(tx *txn.Transaction) error {
			bt, err := withCatalog(s, tx, false)
			if err != nil {
				return err
			}
			found, err = bt.Delete(tx, key)
			if err != nil {
				return err
			}
			tx.SetMeta(bt.RootPageID)
			return nil
		})
		if err != nil {
			return err
		}
		if !found {
			return errKeyNotFound
		}
		fmt.Println("deleted")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
