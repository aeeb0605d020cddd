// Command murodb exercises the storage core's Core API directly: no
// SQL, no query planner, just pages, transactions, and a single B+tree
// per data file addressed by key bytes.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
