package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offsync/internal/engine"
	"github.com/mschirtzinger/offsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [collection...]",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Run a single sync cycle for the given collections (default: all).

A cycle:
  1. Sends queued local actions, oldest first
  2. Fetches remote changes since the stored cursor
     (a full fetch on first sync or when the cursor has expired)
  3. Resolves conflicts and applies the changes to the cache

A collection that cannot reach the remote is reported as offline; its
queued actions stay queued for the next cycle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		names, err := a.collectionsOrAll(args)
		if err != nil {
			return err
		}

		var (
			summaries []*engine.Summary
			failed    []error
		)
		for _, name := range names {
			sum, err := a.mgr.SyncNow(cmd.Context(), name)
			if sum != nil {
				summaries = append(summaries, sum)
			}
			if err != nil {
				failed = append(failed, fmt.Errorf("%s: %w", name, err))
			}
		}

		err = render(cmd, summaries, func(w io.Writer) error {
			for _, sum := range summaries {
				mark := ui.RenderPass("✓")
				if sum.Err != "" {
					mark = ui.RenderFail("✗")
				}
				fmt.Fprintf(w, "%s %s: %s\n", mark, ui.RenderBold(sum.Collection), ui.SummaryLine(sum))
				if sum.Err != "" {
					fmt.Fprintf(w, "   %s\n", ui.RenderMuted(sum.Err))
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		return errors.Join(failed...)
	},
}

func init() {
	addFormatFlag(syncCmd)
	rootCmd.AddCommand(syncCmd)
}
