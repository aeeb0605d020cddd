package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache, freelist, and header diagnostics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		p := s.Pager()
		hits, misses, size, capacity := p.CacheStats()
		fmt.Printf("catalog_root: %d\n", p.CatalogRoot())
		fmt.Printf("page_count:   %d\n", p.PageCount())
		fmt.Printf("epoch:        %d\n", p.Epoch())
		fmt.Printf("suite:        %d\n", p.SuiteID())
		fmt.Printf("free_pages:   %d\n", len(p.FreelistSnapshot()))
		fmt.Printf("cache_hits:   %d\n", hits)
		fmt.Printf("cache_misses: %d\n", misses)
		fmt.Printf("cache_size:   %d/%d\n", size, capacity)
		fmt.Printf("cache_rate:   %.4f\n", p.CacheHitRate())
		if w := p.WAL(); w != nil {
			fmt.Printf("wal_lsn:      %d\n", w.CurrentLSN())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
