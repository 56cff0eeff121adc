// Package ui renders CLI output: status glyphs, sync state tables and cached
// record listings.
package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"

	"github.com/mschirtzinger/offsync/internal/collection"
	"github.com/mschirtzinger/offsync/internal/engine"
	"github.com/mschirtzinger/offsync/internal/record"
)

var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#EF6C00", Dark: "#FFB74D"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"}

	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

// Init picks the color profile for out. Colors are disabled when noColor is
// set, NO_COLOR is present, or out is not a terminal.
func Init(out io.Writer, noColor bool) {
	if _, ok := os.LookupEnv("NO_COLOR"); noColor || ok {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(out).EnvColorProfile())
}

func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderBold(s string) string   { return boldStyle.Render(s) }

// RenderPhase colors a sync phase.
func RenderPhase(p engine.Phase) string {
	switch p {
	case engine.PhaseIdle:
		return RenderPass(string(p))
	case engine.PhaseOffline:
		return RenderWarn(string(p))
	}
	return RenderAccent(string(p))
}

// RelativeTime formats t relative to now, or "never" for nil.
func RelativeTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return humanize.Time(*t)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Bold(true)
			}
			return s
		})
}

// StatusTable renders one row per collection.
func StatusTable(statuses []*engine.Status) string {
	t := newTable("COLLECTION", "PHASE", "LAST SYNC", "PENDING", "FAILED", "LAST ERROR")
	for _, s := range statuses {
		failed := humanize.Comma(int64(s.Failed))
		if s.Failed > 0 {
			failed = RenderFail(failed)
		}
		t.Row(
			s.Collection,
			RenderPhase(s.Phase),
			RelativeTime(s.LastSyncAt),
			humanize.Comma(int64(s.Pending+s.InFlight)),
			failed,
			truncate(s.LastError, 40),
		)
	}
	return t.String()
}

// SummaryLine renders a one-line description of a finished cycle.
func SummaryLine(sum *engine.Summary) string {
	if sum == nil {
		return RenderMuted("no cycle yet")
	}
	var parts []string
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s %s", humanize.Comma(int64(n)), label))
		}
	}
	add(sum.Sent, "sent")
	add(sum.Failed, "failed")
	add(sum.Voided, "voided")
	add(sum.Applied, "applied")
	add(sum.Deleted, "deleted")
	add(sum.Kept, "kept local")
	add(sum.Deferred, "deferred")
	add(sum.Purged, "purged")
	if len(parts) == 0 {
		parts = append(parts, "no changes")
	}
	line := strings.Join(parts, ", ")
	if sum.FullSync {
		line += RenderMuted(" (full sync)")
	}
	return fmt.Sprintf("%s in %v", line, sum.Duration.Round(time.Millisecond))
}

// RecordsTable renders cached records with a title taken from the payload.
func RecordsTable(recs []*record.CachedRecord) string {
	t := newTable("ID", "DATE", "GROUP", "FLAGS", "TITLE")
	for _, r := range recs {
		title := Title(r)
		if r.DeletedLocally {
			title = RenderMuted(title + " (deleted)")
		} else if !r.Flags.Has(record.FlagRead) {
			title = RenderBold(title)
		}
		date := ""
		if !r.SortKey.IsZero() {
			date = r.SortKey.Local().Format("2006-01-02 15:04")
		}
		t.Row(truncate(r.ID, 24), date, r.GroupKey, r.Flags.String(), truncate(title, 60))
	}
	return t.String()
}

// ActionsTable renders queued actions.
func ActionsTable(actions []*record.QueuedAction) string {
	t := newTable("ID", "COLLECTION", "RECORD", "TYPE", "STATUS", "RETRIES", "AGE", "LAST ERROR")
	for _, a := range actions {
		status := string(a.Status)
		if a.Status == record.StatusFailed {
			status = RenderFail(status)
		}
		created := a.CreatedAt
		t.Row(
			fmt.Sprint(a.ID),
			a.Collection,
			truncate(a.RecordID, 24),
			string(a.Type),
			status,
			fmt.Sprint(a.RetryCount),
			RelativeTime(&created),
			truncate(a.LastError, 40),
		)
	}
	return t.String()
}

// Title extracts a human label from a record payload: the subject of a
// message or the summary of an event.
func Title(r *record.CachedRecord) string {
	if len(r.Payload) == 0 {
		return ""
	}
	var fields struct {
		Subject string `json:"subject"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(r.Payload, &fields); err != nil {
		return ""
	}
	if fields.Subject != "" {
		return fields.Subject
	}
	return fields.Summary
}

// Describe renders a single record in a detail view.
func Describe(r *record.CachedRecord, kind collection.Kind) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", RenderAccent(r.ID), RenderMuted(r.VersionTag))
	switch kind {
	case collection.KindMessages:
		var m collection.MessagePayload
		if json.Unmarshal(r.Payload, &m) == nil {
			fmt.Fprintf(&b, "From:    %s\n", m.From)
			fmt.Fprintf(&b, "Subject: %s\n", m.Subject)
			fmt.Fprintf(&b, "Labels:  %s\n", strings.Join(m.Labels, ", "))
			fmt.Fprintf(&b, "Date:    %s (%s)\n", m.Date.Local().Format(time.RFC1123), humanize.Time(m.Date))
		}
	case collection.KindEvents:
		var e collection.EventPayload
		if json.Unmarshal(r.Payload, &e) == nil {
			fmt.Fprintf(&b, "Summary:  %s\n", e.Summary)
			fmt.Fprintf(&b, "Calendar: %s\n", e.CalendarID)
			fmt.Fprintf(&b, "When:     %s - %s\n", e.Start.Local().Format(time.RFC1123), e.End.Local().Format(time.Kitchen))
			if e.Location != "" {
				fmt.Fprintf(&b, "Where:    %s\n", e.Location)
			}
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
