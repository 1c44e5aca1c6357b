package scheduler

import (
	"errors"
	"testing"
	"time"

	"chatdigest/internal/digest"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in   string
		want Parsed
	}{
		{"6h", Parsed{Interval: 6 * time.Hour}},
		{"2h30m", Parsed{Interval: 150 * time.Minute}},
		{"02:30", Parsed{Interval: 150 * time.Minute}},
		{"24", Parsed{Interval: 24 * time.Hour}},
		{"0 9 * * *", Parsed{Cron: "0 9 * * *"}},
		{"@daily", Parsed{Cron: "@daily"}},
		{"cron: 30 8 * * 1-5", Parsed{Cron: "30 8 * * 1-5"}},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseSchedule(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "soon", "01:75", "0", "-1h", "cron:", "61 * * * *"} {
		if _, err := ParseSchedule(bad); !errors.Is(err, digest.ErrInvalid) {
			t.Fatalf("ParseSchedule(%q) err = %v", bad, err)
		}
	}
}

func TestScheduleForCronUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	sched, spec, err := scheduleFor(digest.Job{Cron: "0 9 * * *"}, loc)
	if err != nil {
		t.Fatal(err)
	}
	if spec != "0 9 * * *" {
		t.Fatalf("spec = %q", spec)
	}
	next := sched.Next(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if want := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}

func TestSpreadOnlyDelaysFirstTick(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := withSpread(every{d: time.Hour}, time.Hour, 10*time.Second, now, "k")
	if jitter < 0 || jitter >= 10*time.Second {
		t.Fatalf("jitter = %s", jitter)
	}
	if first := sched.Next(now); !first.Equal(now.Add(time.Hour + jitter)) {
		t.Fatalf("first = %s", first)
	}
	if second := sched.Next(now); !second.Equal(now.Add(time.Hour)) {
		t.Fatalf("second = %s", second)
	}
}
