package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseTimeExpr resolves a user-supplied point in time relative to now.
// It accepts RFC 3339 timestamps, dates (2006-01-02), Go durations meaning
// "that long ago" (72h) and natural language ("2 weeks ago", "last monday").
func parseTimeExpr(expr string, now time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}
	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", expr, now.Location()); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(expr); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("duration %s is negative", expr)
		}
		return now.Add(-d), nil
	}

	r, err := timeParser.Parse(expr, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", expr, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", expr)
	}
	return r.Time, nil
}
