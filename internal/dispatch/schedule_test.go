package dispatch

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 10, 0, 7, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"15s", base.Add(15 * time.Second)},
		{"250ms", base.Add(250 * time.Millisecond)},
		{"00:05", base.Add(5 * time.Minute)},
		{"every: 1m", base.Add(time.Minute)},
		{"@every 30s", base.Add(30 * time.Second)},
		{"*/30 * * * * *", time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)},
		{"*/5 * * * *", time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)},
		{"cron: 0 11 * * *", time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			sch, err := ParseSchedule(tc.in, time.UTC)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
			}
			if got := sch.Next(base); !got.Equal(tc.want) {
				t.Fatalf("Next = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "soon", "0s", "-5s", "00:00", "01:75", "cron:", "* * *", "0 0 30 2 *", "cron:0 0 0 31 4 *"} {
		if _, err := ParseSchedule(in, time.UTC); err == nil {
			t.Fatalf("ParseSchedule(%q) accepted", in)
		}
	}
}
