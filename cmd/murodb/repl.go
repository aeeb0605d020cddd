package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tokuhirom/murodb/btree"
	"github.com/tokuhirom/murodb/session"
	"github.com/tokuhirom/murodb/txn"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive session over one open Pager, supporting explicit transactions",
	Long: `repl keeps a single Session open across commands typed at the prompt, so
"begin" / "commit" / "rollback" span multiple statements the way a real
client would drive a transaction. Every other verb (put/get/delete/scan)
runs as its own implicit statement unless a "begin" is currently open.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("murodb> ")
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			fields := strings.Fields(line)
			verb := fields[0]
			rest := fields[1:]

			switch verb {
			case "quit", "exit":
				return nil
			case "help":
				printReplHelp()
			case "begin":
				if err := s.Begin(); err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
			case "commit":
				if err := s.Commit(); err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
			case "rollback":
				if err := s.Rollback(); err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
			case "put":
				replPut(s, rest)
			case "get":
				replGet(s, rest)
			case "delete":
				replDelete(s, rest)
			case "scan":
				replScan(s, rest)
			case "checkpoint":
				if err := s.Checkpoint(); err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
			default:
				fmt.Fprintf(os.Stderr, "unknown command %q, try \"help\"\n", verb)
			}
		}
		return scanner.Err()
	},
}

func printReplHelp() {
	fmt.Println(`commands:
  put <key> <value>
  get <key>
  delete <key>
  scan [from]
  begin / commit / rollback
  checkpoint
  quit / exit`)
}

func replPut(s *session.Session, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: put <key> <value>")
		return
	}
	key := btree.EncodeBytesAscending([]byte(args[0]))
	value := []byte(args[1])
	err := exclusiveStatement(s, func(tx *txn.Transaction) error {
		bt, err := withCatalog(s, tx, true)
		if err != nil {
			return err
		}
		if err := bt.Insert(tx, key, value); err != nil {
			return err
		}
		tx.SetMeta(bt.RootPageID)
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

func replGet(s *session.Session, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: get <key>")
		return
	}
	key := btree.EncodeBytesAscending([]byte(args[0]))
	var value []byte
	err := exclusiveStatement(s, func(tx *txn.Transaction) error {
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
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(value))
}

func replDelete(s *session.Session, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: delete <key>")
		return
	}
	key := btree.EncodeBytesAscending([]byte(args[0]))
	var found bool
	err := exclusiveStatement(s, func(tx *txn.Transaction) error {
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
		fmt.Fprintln(os.Stderr, err)
		return
	}
	if !found {
		fmt.Fprintln(os.Stderr, errKeyNotFound)
		return
	}
	fmt.Println("deleted")
}

func replScan(s *session.Session, args []string) {
	var entries []btree.Entry
	err := exclusiveStatement(s, func(tx *txn.Transaction) error {
		bt, err := withCatalog(s, tx, false)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			entries, err = bt.ScanFrom(tx, btree.EncodeBytesAscending([]byte(args[0])))
		} else {
			entries, err = bt.Scan(tx)
		}
		return err
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\n", decodeAscendingKey(e.Key), e.Value)
	}
}

func init() {
	rootCmd.AddCommand(replCmd)
}
