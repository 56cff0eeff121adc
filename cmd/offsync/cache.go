package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/store"
	"github.com/mschirtzinger/offsync/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list <collection>",
	GroupID: "cache",
	Short:   "List cached records, newest first",
	Long: `List records from the local cache. Never contacts the remote.

Results are paged; pass the printed page token to --page for the next page.
--since and --until accept dates, durations ("72h" means 72 hours ago) and
phrases such as "2 weeks ago" or "last monday".

Examples:
  offsync list inbox --unread
  offsync list calendar --group work@example.com --since "last monday"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		f := record.Filter{}
		f.Limit, _ = cmd.Flags().GetInt("limit")
		f.UnreadOnly, _ = cmd.Flags().GetBool("unread")
		f.StarredOnly, _ = cmd.Flags().GetBool("starred")
		f.GroupKey, _ = cmd.Flags().GetString("group")
		f.IncludeDeleted, _ = cmd.Flags().GetBool("deleted")
		now := time.Now()
		if s, _ := cmd.Flags().GetString("since"); s != "" {
			t, err := parseTimeExpr(s, now)
			if err != nil {
				return err
			}
			f.Since = &t
		}
		if s, _ := cmd.Flags().GetString("until"); s != "" {
			t, err := parseTimeExpr(s, now)
			if err != nil {
				return err
			}
			f.Until = &t
		}
		pageToken, _ := cmd.Flags().GetString("page")

		page, err := a.mgr.ListCached(cmd.Context(), args[0], f, pageToken)
		if err != nil {
			return err
		}

		return render(cmd, page, func(w io.Writer) error {
			if len(page.Records) == 0 {
				fmt.Fprintf(w, "%s No cached records\n", ui.RenderWarn("⚠"))
				return nil
			}
			fmt.Fprintln(w, ui.RecordsTable(page.Records))
			if page.NextPageToken != "" {
				fmt.Fprintf(w, "\nMore results: --page %s\n", page.NextPageToken)
			}
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:     "show <collection> <id>",
	GroupID: "cache",
	Short:   "Show one cached record",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		kind, err := a.kind(args[0])
		if err != nil {
			return err
		}
		rec, err := a.db.Get(cmd.Context(), args[0], args[1])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s/%s is not cached", args[0], args[1])
		}
		if err != nil {
			return err
		}

		return render(cmd, rec, func(w io.Writer) error {
			fmt.Fprint(w, ui.Describe(rec, kind))
			if rec.DeletedLocally {
				state := "deletion pending"
				if rec.DeletionConfirmed {
					state = "deleted"
				}
				fmt.Fprintf(w, "%s %s\n", ui.RenderWarn("⚠"), state)
			}
			return nil
		})
	},
}

var purgeCmd = &cobra.Command{
	Use:     "purge [collection...]",
	GroupID: "cache",
	Short:   "Remove confirmed tombstones",
	Long: `Remove tombstones of deletions the remote has confirmed.

Tombstones older than --older-than (default: tombstone_retention) are
removed. Deletions still waiting for the remote are never purged.

Examples:
  offsync purge
  offsync purge inbox --older-than "3 days ago"`,
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

		now := time.Now()
		cutoff := now.Add(-a.cfg.TombstoneRetention)
		if s, _ := cmd.Flags().GetString("older-than"); s != "" {
			if cutoff, err = parseTimeExpr(s, now); err != nil {
				return err
			}
		}

		for _, name := range names {
			n, err := a.db.PurgeTombstones(cmd.Context(), name, cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: purged %d tombstones deleted before %s\n",
				ui.RenderPass("✓"), name, n, cutoff.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "maximum records per page")
	listCmd.Flags().String("page", "", "page token from a previous listing")
	listCmd.Flags().Bool("unread", false, "only unread records")
	listCmd.Flags().Bool("starred", false, "only starred records")
	listCmd.Flags().String("group", "", "only records in this group (thread or calendar)")
	listCmd.Flags().String("since", "", "only records at or after this time")
	listCmd.Flags().String("until", "", "only records before this time")
	listCmd.Flags().Bool("deleted", false, "include locally deleted records")
	addFormatFlag(listCmd)

	addFormatFlag(showCmd)

	purgeCmd.Flags().String("older-than", "", "purge tombstones deleted before this time")

	rootCmd.AddCommand(listCmd, showCmd, purgeCmd)
}
