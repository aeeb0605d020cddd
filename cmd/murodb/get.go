package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokuhirom/murodb/btree"
	"github.com/tokuhirom/murodb/txn"
)

var errKeyNotFound = errors.New("key not found")

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Look up a key in the data file's tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		key := btree.EncodeBytesAscending([]byte(args[0]))
		var value []byte
		err = sharedStatement(s, func(tx *txn.Transaction) error {
			bt, err := withCatalog(s, tx, false)
			if err != nil {
				return err
			}
			v, ok, err := bt.Search(tx, key)
			if err != nil {
				return err
			}
			if !ok {
				return errKeyNotFound
			}
			value = v
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
