package periodic

import (
	"testing"
	"time"
)

func TestCanonicalizeRecognizedForms(t *testing.T) {
	cases := map[string]string{
		"*/15 * * * *":     "*/15 * * * *",
		"0 */4 * * *":      "0 */4 * * *",
		"0 0 * * *":        "0 0 * * *",
		"Hourly":           "0 * * * *",
		"Daily":            "0 0 * * *",
		"Every 15 minutes": "*/15 * * * *",
		"every 30 minutes": "*/30 * * * *",
	}
	for input, want := range cases {
		got, err := Canonicalize(input)
		if err != nil {
			t.Errorf("Canonicalize(%q) error: %v", input, err)
			continue
		}
		if got != want {
			t.Errorf("Canonicalize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestCanonicalizeRejectsUnrecognized(t *testing.T) {
	bad := []string{"", "whenever", "*/15 */2 * * *", "1 2 3 4 5 6", "0 0 0 * * *"}
	for _, schedule := range bad {
		if _, err := Canonicalize(schedule); err == nil {
			t.Errorf("Canonicalize(%q) = nil error, want validation failure (no silent hourly fallback)", schedule)
		}
	}
}

func TestIntervalMinutes(t *testing.T) {
	cases := map[string]int{
		"*/15 * * * *": 15,
		"0 */4 * * *":  240,
		"0 0 * * *":    1440,
		"Hourly":       60,
	}
	for schedule, want := range cases {
		got, err := IntervalMinutes(schedule)
		if err != nil {
			t.Fatalf("IntervalMinutes(%q): %v", schedule, err)
		}
		if got != want {
			t.Errorf("IntervalMinutes(%q) = %d, want %d", schedule, got, want)
		}
	}
}

func TestShouldRunNow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tenMinAgo := now.Add(-10 * time.Minute)
	twentyMinAgo := now.Add(-20 * time.Minute)

	due, err := ShouldRunNow("*/15 * * * *", &tenMinAgo, now)
	if err != nil {
		t.Fatal(err)
	}
	if due {
		t.Error("should not be due yet (10 min < 15 min interval)")
	}

	due, err = ShouldRunNow("*/15 * * * *", &twentyMinAgo, now)
	if err != nil {
		t.Fatal(err)
	}
	if !due {
		t.Error("should be due (20 min >= 15 min interval)")
	}

	due, err = ShouldRunNow("*/15 * * * *", nil, now)
	if err != nil {
		t.Fatal(err)
	}
	if !due {
		t.Error("never-synced group should be due immediately")
	}
}

func TestNextRun(t *testing.T) {
	after := time.Date(2026, 1, 1, 12, 3, 0, 0, time.UTC)
	next, err := NextRun("*/15 * * * *", after)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 1, 12, 15, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextRun = %v, want %v", next, want)
	}
}
