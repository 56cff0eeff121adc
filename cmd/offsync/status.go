package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offsync/internal/config"
	"github.com/mschirtzinger/offsync/internal/engine"
	"github.com/mschirtzinger/offsync/internal/store"
	"github.com/mschirtzinger/offsync/internal/ui"
)

// collectionReport is the status command's view of one collection.
type collectionReport struct {
	engine.Status  `yaml:",inline"`
	Cache          *store.Counts `json:"cache" yaml:"cache"`
	LastFullSyncAt *time.Time    `json:"last_full_sync_at,omitempty" yaml:"last_full_sync_at,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status [collection...]",
	GroupID: "sync",
	Short:   "Show sync state, queue depth and cache size",
	Long: `Show the sync state of each collection without contacting the remote.

Reports the engine phase, the last successful sync, queued actions
(pending and failed) and cached record counts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		names, err := a.collectionsOrAll(args)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		reports := make([]*collectionReport, 0, len(names))
		for _, name := range names {
			st, err := a.mgr.GetSyncStatus(ctx, name)
			if err != nil {
				return err
			}
			counts, err := a.db.Stats(ctx, name)
			if err != nil {
				return err
			}
			cur, err := a.db.GetCursor(ctx, name)
			if err != nil {
				return err
			}
			// The engine only knows syncs from this process; fall back to
			// the cursor's last write.
			if st.LastSyncAt == nil && cur.HasToken() {
				t := cur.UpdatedAt
				st.LastSyncAt = &t
			}
			reports = append(reports, &collectionReport{Status: *st, Cache: counts, LastFullSyncAt: cur.LastFullSyncAt})
		}

		return render(cmd, reports, func(w io.Writer) error {
			statuses := make([]*engine.Status, len(reports))
			for i, r := range reports {
				statuses[i] = &r.Status
			}
			fmt.Fprintf(w, "\n%s Sync Status\n\n", ui.RenderAccent("📊"))
			fmt.Fprintln(w, ui.StatusTable(statuses))
			fmt.Fprintln(w)
			for _, r := range reports {
				fmt.Fprintf(w, "%s: %s cached (%s unread, %s starred), %s tombstones, last full sync %s\n",
					ui.RenderBold(r.Collection),
					humanize.Comma(int64(r.Cache.Live)),
					humanize.Comma(int64(r.Cache.Unread)),
					humanize.Comma(int64(r.Cache.Starred)),
					humanize.Comma(int64(r.Cache.Tombstones)),
					ui.RelativeTime(r.LastFullSyncAt))
			}
			if a.cfg.Store == config.StoreFile {
				fmt.Fprintf(w, "\nCache: %s\n", a.cfg.DBPath)
			}
			return nil
		})
	},
}

func init() {
	addFormatFlag(statusCmd)
	rootCmd.AddCommand(statusCmd)
}
