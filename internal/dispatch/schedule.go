package dispatch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule decides when the next pass is due, measured from the end of the
// previous one.
type Schedule = cron.Schedule

// interval is a fixed delay between passes. cron.Every rounds to whole
// seconds; this keeps sub-second precision.
type interval time.Duration

func (d interval) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	cronParser = cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
)

// ParseSchedule accepts:
//   - a Go duration: "15s", "2m30s"
//   - an HH:MM interval: "00:05" is five minutes
//   - a cron expression, optionally with seconds: "*/30 * * * * *", "@hourly", "@every 15s"
//
// A "cron:" or "every:" prefix forces the interpretation.
func ParseSchedule(raw string, loc *time.Location) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	if loc == nil {
		loc = time.Local
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]), loc)
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s, loc)
	}

	sch, err := parseInterval(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q (use a duration like '15s', HH:MM like '00:05', or cron like '*/30 * * * * *')", raw)
	}
	return sch, nil
}

func parseCron(expr string, loc *time.Location) (Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	if !strings.HasPrefix(expr, "@") && !strings.HasPrefix(strings.ToUpper(expr), "CRON_TZ=") {
		expr = "CRON_TZ=" + loc.String() + " " + expr
	}
	sch, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule: %w", err)
	}
	if sch.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("cron schedule %q never fires", expr)
	}
	return sch, nil
}

func parseInterval(v string) (Schedule, error) {
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return interval(d), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	return interval(d), nil
}
