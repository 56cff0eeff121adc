package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offsync/internal/daemon"
	"github.com/mschirtzinger/offsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync engine in the foreground",
	Long: `Run one sync worker per collection until interrupted.

The daemon:
  1. Syncs every collection on start and every poll_interval after that
  2. Syncs immediately after local changes are queued
  3. Retries with backoff while the remote is unreachable
  4. Reloads the credential when the token file changes and resumes syncing

With --dashboard (or dashboard.addr) it also serves live sync events over
WebSocket at /ws, a JSON snapshot at /status and Prometheus metrics at
/metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("dashboard")
		if addr == "" {
			addr = cfg.Dashboard.Addr
		}

		a, err := openApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := daemon.New(a.svc, a.mgr, &daemon.Config{
			TokenFile:     cfg.Remote.TokenFile,
			DashboardAddr: addr,
			Gatherer:      a.registry,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		go func() {
			select {
			case <-d.Ready():
			case <-ctx.Done():
				return
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Starting offsync daemon...\n", ui.RenderAccent("🚀"))
			fmt.Fprintf(out, "   Collections: %v\n", a.mgr.Collections())
			fmt.Fprintf(out, "   Remote: %s\n", cfg.Remote.BaseURL)
			fmt.Fprintf(out, "   Cache: %s\n", cfg.DBPath)
			if dash := d.DashboardAddr(); dash != "" {
				fmt.Fprintf(out, "   Dashboard: http://%s\n", dash)
			}
			fmt.Fprintf(out, "\nPress Ctrl+C to stop\n\n")
		}()

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}
		return nil
	},
}

func init() {
	daemonCmd.Flags().String("dashboard", "", "serve the dashboard on this address (e.g. 127.0.0.1:7070)")
	rootCmd.AddCommand(daemonCmd)
}
