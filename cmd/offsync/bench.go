package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offsync/internal/loadtest"
	"github.com/mschirtzinger/offsync/internal/store"
	"github.com/mschirtzinger/offsync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Measure cache read latency under concurrent load",
	Long: `Populate a scratch cache with synthetic messages and measure read latency
while many readers page through it, optionally while a writer applies sync
batches at the same time. The configured cache is not touched.

Example:
  offsync bench --records 10000 --readers 50 --write-batch 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, _ := cmd.Flags().GetInt("records")
		readers, _ := cmd.Flags().GetInt("readers")
		queries, _ := cmd.Flags().GetInt("queries")
		pageSize, _ := cmd.Flags().GetInt("page-size")
		writeBatch, _ := cmd.Flags().GetInt("write-batch")

		dir, err := os.MkdirTemp("", "offsync-bench-")
		if err != nil {
			return fmt.Errorf("failed to create scratch dir: %w", err)
		}
		defer os.RemoveAll(dir)

		db, err := store.Open(filepath.Join(dir, "bench.db"))
		if err != nil {
			return err
		}
		defer db.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Populating %s records...\n", ui.RenderAccent("🔄"), humanize.Comma(int64(records)))
		tc, err := loadtest.Populate(cmd.Context(), db, records, 0.3)
		if err != nil {
			return err
		}

		stats, err := tc.RunConcurrentReads(cmd.Context(), loadtest.Options{
			Readers:          readers,
			QueriesPerReader: queries,
			PageSize:         pageSize,
			WriteBatch:       writeBatch,
		})
		if err != nil {
			return err
		}
		return render(cmd, stats, func(w io.Writer) error {
			stats.Fprint(w)
			return nil
		})
	},
}

func init() {
	benchCmd.Flags().Int("records", 5000, "records to populate")
	benchCmd.Flags().Int("readers", 50, "concurrent readers")
	benchCmd.Flags().Int("queries", 20, "queries per reader")
	benchCmd.Flags().Int("page-size", 50, "records per page")
	benchCmd.Flags().Int("write-batch", 0, "records per write transaction during the run (0 disables the writer)")
	addFormatFlag(benchCmd)
	rootCmd.AddCommand(benchCmd)
}
