package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mschirtzinger/offsync/internal/record"
	"github.com/mschirtzinger/offsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "queue",
	Short:   "Inspect and manage queued local actions",
	Long: `Local changes are applied to the cache immediately and queued until a sync
cycle sends them to the remote, oldest first.

An action the remote rejects permanently (for example because the record
changed remotely in the meantime) is marked failed and blocks later actions
on the same record until it is resolved with 'offsync queue resolve'.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list [collection...]",
	Short: "List queued actions",
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
		status, _ := cmd.Flags().GetString("status")

		var actions []*record.QueuedAction
		for _, name := range names {
			list, err := a.queue.List(cmd.Context(), name, record.ActionStatus(status))
			if err != nil {
				return err
			}
			actions = append(actions, list...)
		}

		return render(cmd, actions, func(w io.Writer) error {
			if len(actions) == 0 {
				fmt.Fprintf(w, "%s Queue is empty\n", ui.RenderPass("✓"))
				return nil
			}
			fmt.Fprintln(w, ui.ActionsTable(actions))
			return nil
		})
	},
}

// marks maps --mark shortcuts to status changes.
var marks = map[string]record.StatusChange{
	"read":      {Set: record.FlagRead},
	"unread":    {Clear: record.FlagRead},
	"starred":   {Set: record.FlagStarred},
	"unstarred": {Clear: record.FlagStarred},
	"archived":  {Archive: true},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <collection> <create|update|delete|status_change> [record-id]",
	Short: "Queue a local change",
	Long: `Apply a change to the cache and queue it for the remote.

The payload is JSON: the full record for create, a field patch for update,
and a status change for status_change. For messages, --mark builds the
status change for common cases.

Examples:
  offsync queue add inbox status_change m-123 --mark read
  offsync queue add inbox delete m-123
  offsync queue add calendar update e-9 --payload '{"location":"Room 4"}'
  offsync queue add inbox create --payload-file draft.json`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ := record.ActionType(args[1])
		if !typ.Valid() {
			return fmt.Errorf("unknown action type %q", args[1])
		}
		in := &record.QueuedAction{Type: typ}
		if len(args) == 3 {
			in.RecordID = args[2]
		}

		payload, err := actionPayload(cmd, typ)
		if err != nil {
			return err
		}
		in.Payload = payload

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		queued, err := a.mgr.EnqueueLocalMutation(cmd.Context(), args[0], in)
		if err != nil {
			return err
		}
		return render(cmd, queued, func(w io.Writer) error {
			fmt.Fprintf(w, "%s Queued %s of %s/%s (action %d)\n",
				ui.RenderPass("✓"), queued.Type, queued.Collection, queued.RecordID, queued.ID)
			return nil
		})
	},
}

func actionPayload(cmd *cobra.Command, typ record.ActionType) (json.RawMessage, error) {
	payload, _ := cmd.Flags().GetString("payload")
	file, _ := cmd.Flags().GetString("payload-file")
	mark, _ := cmd.Flags().GetString("mark")

	switch {
	case file != "":
		// #nosec G304 - user-supplied path
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		return data, nil
	case payload != "":
		return json.RawMessage(payload), nil
	case mark != "":
		if typ != record.ActionStatusChange {
			return nil, fmt.Errorf("--mark only applies to status_change")
		}
		sc, ok := marks[mark]
		if !ok {
			return nil, fmt.Errorf("unknown mark %q (want read, unread, starred, unstarred or archived)", mark)
		}
		return json.Marshal(sc)
	}
	return nil, nil
}

var queueResolveCmd = &cobra.Command{
	Use:   "resolve [action-id]",
	Short: "Retry or discard a failed action",
	Long: `Resolve a failed action so later actions on the same record can proceed.

--retry puts the action back in the queue with a fresh retry budget;
--discard drops it (the cache keeps the local change until the next remote
update overwrites it). Without flags on a terminal, offsync asks which
failed action to resolve and how.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		retry, _ := cmd.Flags().GetBool("retry")
		discard, _ := cmd.Flags().GetBool("discard")
		if retry && discard {
			return fmt.Errorf("--retry and --discard are mutually exclusive")
		}

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		var id int64
		if len(args) == 1 {
			if id, err = strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("invalid action id %q", args[0])
			}
		}

		if id == 0 || (!retry && !discard) {
			if !isTerminal(os.Stdin) {
				return fmt.Errorf("action id and --retry or --discard are required when not running interactively")
			}
			var failed []*record.QueuedAction
			for _, name := range a.mgr.Collections() {
				list, err := a.queue.List(ctx, name, record.StatusFailed)
				if err != nil {
					return err
				}
				failed = append(failed, list...)
			}
			choice, err := promptResolution(failed, id)
			if err != nil {
				return err
			}
			if choice.action == "" {
				return nil
			}
			id = choice.id
			retry = choice.action == "retry"
			discard = choice.action == "discard"
		}

		if retry {
			err = a.queue.Retry(ctx, id)
		} else {
			err = a.queue.Discard(ctx, id)
		}
		if err != nil {
			return err
		}
		verb := "requeued"
		if discard {
			verb = "discarded"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Action %d %s\n", ui.RenderPass("✓"), id, verb)
		return nil
	},
}

type resolution struct {
	id     int64
	action string
}

var errNoFailedActions = errors.New("no failed actions")

// promptResolution asks which failed action to resolve (unless preselected)
// and whether to retry, discard or skip it.
func promptResolution(failed []*record.QueuedAction, preselected int64) (resolution, error) {
	if len(failed) == 0 {
		return resolution{}, errNoFailedActions
	}
	res := resolution{id: preselected}

	var fields []huh.Field
	if preselected == 0 {
		opts := make([]huh.Option[int64], 0, len(failed))
		for _, a := range failed {
			label := fmt.Sprintf("#%d %s %s/%s: %s", a.ID, a.Type, a.Collection, a.RecordID, a.LastError)
			opts = append(opts, huh.NewOption(label, a.ID))
		}
		fields = append(fields, huh.NewSelect[int64]().
			Title("Failed action").
			Options(opts...).
			Value(&res.id))
	}
	fields = append(fields, huh.NewSelect[string]().
		Title("Resolution").
		Options(
			huh.NewOption("Retry: send it again", "retry"),
			huh.NewOption("Discard: drop it from the queue", "discard"),
			huh.NewOption("Skip", ""),
		).
		Value(&res.action))

	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return resolution{}, err
	}
	return res, nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func init() {
	queueListCmd.Flags().String("status", "", "only actions in this status: pending, in_flight or failed")
	addFormatFlag(queueListCmd)

	queueAddCmd.Flags().String("payload", "", "action payload as JSON")
	queueAddCmd.Flags().String("payload-file", "", "read the action payload from a file")
	queueAddCmd.Flags().String("mark", "", "status change shortcut: read, unread, starred, unstarred or archived")
	addFormatFlag(queueAddCmd)

	queueResolveCmd.Flags().Bool("retry", false, "requeue the action")
	queueResolveCmd.Flags().Bool("discard", false, "drop the action")

	queueCmd.AddCommand(queueListCmd, queueAddCmd, queueResolveCmd)
	rootCmd.AddCommand(queueCmd)
}
