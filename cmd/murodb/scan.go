package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokuhirom/murodb/btree"
	"github.com/tokuhirom/murodb/txn"
)

var scanFrom string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Print every key/value pair in ascending key order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		var entries []btree.Entry
		err = sharedStatement(s, func(tx *txn.Transaction) error {
			bt, err := withCatalog(s, tx, false)
			if err != nil {
				return err
			}
			if scanFrom != "" {
				entries, err = bt.ScanFrom(tx, btree.EncodeBytesAscending([]byte(scanFrom)))
			} else {
				entries, err = bt.Scan(tx)
			}
			return err
		})
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\n", decodeAscendingKey(e.Key), e.Value)
		}
		return nil
	},
}

// decodeAscendingKey undoes EncodeBytesAscending's byte-stuffing for
// display. Keys put through this CLI always came from plain strings.
func decodeAscendingKey(encoded []byte) string {
	out := make([]byte, 0, len(encoded))
	for i := 0; i < len(encoded); i++ {
		if encoded[i] == 0x00 {
			if i+1 < len(encoded) && encoded[i+1] == 0xFF {
				out = append(out, 0x00)
				i++
				continue
			}
			break // 0x00 0x00 terminator
		}
		out = append(out, encoded[i])
	}
	return string(out)
}

func init() {
	scanCmd.Flags().StringVar(&scanFrom, "from", "", "skip keys strictly less than this one")
	rootCmd.AddCommand(scanCmd)
}
