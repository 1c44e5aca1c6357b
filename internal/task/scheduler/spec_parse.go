package scheduler

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"chatdigest/internal/digest"

	"github.com/robfig/cron/v3"
)

// Parsed is a parsed schedule string: exactly one of Interval or Cron is set.
type Parsed struct {
	Interval time.Duration
	Cron     string
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reBareInt  = regexp.MustCompile(`^\d{1,4}$`)
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule accepts:
//   - cron: "0 9 * * *", "@daily", "@every 6h", or any of those after "cron:"
//   - interval duration: "55m", "2h30m"
//   - interval HH:MM: "02:30" (2 hours 30 minutes)
//   - a bare integer, read as hours: "24"
func ParseSchedule(raw string) (Parsed, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Parsed{}, digest.Invalidf("schedule required")
	}
	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		s = strings.TrimSpace(s[len("cron:"):])
		if s == "" {
			return Parsed{}, digest.Invalidf("cron expression required after 'cron:'")
		}
		return parseCron(s)
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	var d time.Duration
	switch {
	case reHHMM.MatchString(s):
		m := reHHMM.FindStringSubmatch(s)
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Parsed{}, digest.Invalidf("invalid minutes in %q", raw)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	case reBareInt.MatchString(s):
		n, _ := strconv.Atoi(s)
		d = time.Duration(n) * time.Hour
	default:
		var err error
		d, err = time.ParseDuration(s)
		if err != nil {
			return Parsed{}, digest.Invalidf("invalid schedule %q (use a duration like '6h', HH:MM like '02:30', hours like '24' or cron like '0 9 * * *')", raw)
		}
	}
	if d <= 0 {
		return Parsed{}, digest.Invalidf("interval must be > 0")
	}
	return Parsed{Interval: d}, nil
}

func parseCron(expr string) (Parsed, error) {
	if _, err := cronParser.Parse(expr); err != nil {
		return Parsed{}, digest.Invalidf("invalid cron %q: %v", expr, err)
	}
	return Parsed{Cron: expr}, nil
}

// every fires d after each tick. Unlike cron.Every it keeps sub-second
// precision.
type every struct{ d time.Duration }

func (e every) Next(t time.Time) time.Time { return t.Add(e.d) }

// scheduleFor builds the trigger schedule of a job.
func scheduleFor(job digest.Job, loc *time.Location) (cron.Schedule, string, error) {
	if expr := strings.TrimSpace(job.Cron); expr != "" {
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, "", digest.Invalidf("invalid cron %q: %v", expr, err)
		}
		return inLocation{sched: sched, loc: loc}, expr, nil
	}
	if job.Interval <= 0 {
		return nil, "", digest.Invalidf("interval required")
	}
	return every{d: job.Interval}, "@every " + job.Interval.String(), nil
}

type inLocation struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s inLocation) Next(t time.Time) time.Time {
	if s.loc != nil {
		t = t.In(s.loc)
	}
	return s.sched.Next(t)
}
