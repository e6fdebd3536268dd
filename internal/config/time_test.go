package config

import (
	"testing"
	"time"
)

func TestCalculateMilliseconds(t *testing.T) {
	timer := Timer{Days: 1, Hours: 2, Minutes: 3, Seconds: 4, Milliseconds: 5}
	want := uint64((24*60*60+2*60*60+3*60+4)*1000 + 5)

	if got := CalculateMilliseconds(timer); got != want {
		t.Fatalf("CalculateMilliseconds returned %d, want %d", got, want)
	}
}

func TestCalculateBetweenTime(t *testing.T) {
	t.Run("enforces minimum interval", func(t *testing.T) {
		if got := CalculateBetweenTime(Timer{}, time.Second); got != time.Second {
			t.Fatalf("CalculateBetweenTime returned %s, want 1s", got)
		}
	})

	t.Run("returns configured duration", func(t *testing.T) {
		if got := CalculateBetweenTime(Timer{Minutes: 1, Seconds: 30}, time.Second); got != 90*time.Second {
			t.Fatalf("CalculateBetweenTime returned %s, want 1m30s", got)
		}
	})
}

func TestTimerFromDurationRoundTrips(t *testing.T) {
	d := 26*time.Hour + 3*time.Minute + 4*time.Second + 250*time.Millisecond
	timer := TimerFromDuration(d)

	want := Timer{Days: 1, Hours: 2, Minutes: 3, Seconds: 4, Milliseconds: 250}
	if timer != want {
		t.Fatalf("TimerFromDuration returned %+v, want %+v", timer, want)
	}
	if got := timer.Duration(); got != d {
		t.Fatalf("Duration returned %s, want %s", got, d)
	}
	if !TimerFromDuration(-time.Second).IsZero() {
		t.Fatal("negative duration should map to an empty timer")
	}
}
