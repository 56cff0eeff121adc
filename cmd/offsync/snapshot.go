package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offsync/internal/snapshot"
	"github.com/mschirtzinger/offsync/internal/ui"
)

func snapshotOptions(cmd *cobra.Command) snapshot.Options {
	var opts snapshot.Options
	opts.Collections, _ = cmd.Flags().GetStringSlice("collection")
	opts.Tombstones, _ = cmd.Flags().GetBool("tombstones")
	opts.Cursors, _ = cmd.Flags().GetBool("cursors")
	return opts
}

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "advanced",
	Short:   "Export the cache to a JSONL snapshot",
	Long: `Write cached records (and optionally change cursors) to a JSONL file,
one entry per line. Use "-" to write to stdout.

Records created or deleted locally but not yet confirmed by the remote are
not exported; they live in the offline queue.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := snapshotOptions(cmd)
		names, err := a.collectionsOrAll(opts.Collections)
		if err != nil {
			return err
		}

		var res *snapshot.Result
		if args[0] == "-" {
			res, err = snapshot.Export(cmd.Context(), a.db, names, cmd.OutOrStdout(), opts)
		} else {
			res, err = snapshot.ExportFile(cmd.Context(), a.db, names, args[0], opts)
		}
		if err != nil {
			return err
		}
		if args[0] != "-" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Exported %d records and %d cursors to %s\n",
				ui.RenderPass("✓"), res.Records, res.Cursors, args[0])
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Import a JSONL snapshot into the cache",
	Long: `Load records (and optionally change cursors) from a JSONL snapshot written
by 'offsync export'. Use "-" to read from stdin. Entries for collections that
are not configured are skipped.

The import runs in one transaction: either every entry is written or none.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := snapshotOptions(cmd)
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
		if _, err := a.collectionsOrAll(opts.Collections); err != nil {
			return err
		}
		known := a.mgr.Collections()

		var res *snapshot.Result
		if args[0] == "-" {
			res, err = snapshot.Import(cmd.Context(), a.db, known, os.Stdin, opts)
		} else {
			res, err = snapshot.ImportFile(cmd.Context(), a.db, known, args[0], opts)
		}
		if err != nil {
			return err
		}

		return render(cmd, res, func(w io.Writer) error {
			verb := "Imported"
			if opts.DryRun {
				verb = "Would import"
			}
			fmt.Fprintf(w, "%s %s %d records and %d cursors (%d skipped)\n",
				ui.RenderPass("✓"), verb, res.Records, res.Cursors, res.Skipped)
			for _, e := range res.Errors {
				fmt.Fprintf(w, "   %s %s\n", ui.RenderWarn("⚠"), e)
			}
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{exportCmd, importCmd} {
		c.Flags().StringSlice("collection", nil, "limit to these collections (default: all)")
		c.Flags().Bool("tombstones", false, "include confirmed tombstones")
		c.Flags().Bool("cursors", false, "include change cursors so syncing resumes incrementally")
	}
	importCmd.Flags().Bool("dry-run", false, "report what would be imported without writing")
	addFormatFlag(importCmd)
	rootCmd.AddCommand(exportCmd, importCmd)
}
