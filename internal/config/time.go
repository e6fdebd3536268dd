package config

import "time"

type Timer struct {
	Days         uint32 `json:"days,omitempty" yaml:"days,omitempty"`
	Hours        uint32 `json:"hours,omitempty" yaml:"hours,omitempty"`
	Minutes      uint32 `json:"minutes,omitempty" yaml:"minutes,omitempty"`
	Seconds      uint32 `json:"seconds,omitempty" yaml:"seconds,omitempty"`
	Milliseconds uint32 `json:"milliseconds,omitempty" yaml:"milliseconds,omitempty"`
}

// Duration converts the timer; an empty timer is zero.
func (t Timer) Duration() time.Duration {
	return time.Duration(CalculateMilliseconds(t)) * time.Millisecond
}

func (t Timer) IsZero() bool {
	return CalculateMilliseconds(t) == 0
}

// CalculateBetweenTime converts timer and enforces a floor of minimum.
func CalculateBetweenTime(timer Timer, minimum time.Duration) time.Duration {
	d := timer.Duration()
	if d < minimum {
		return minimum
	}
	return d
}

func CalculateMilliseconds(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000 +
		uint64(timer.Milliseconds)
}

// TimerFromDuration splits d into timer fields, dropping anything below a
// millisecond.
func TimerFromDuration(d time.Duration) Timer {
	if d <= 0 {
		return Timer{}
	}
	ms := uint64(d / time.Millisecond)
	t := Timer{}
	t.Days = uint32(ms / (24 * 60 * 60 * 1000))
	ms %= 24 * 60 * 60 * 1000
	t.Hours = uint32(ms / (60 * 60 * 1000))
	ms %= 60 * 60 * 1000
	t.Minutes = uint32(ms / (60 * 1000))
	ms %= 60 * 1000
	t.Seconds = uint32(ms / 1000)
	t.Milliseconds = uint32(ms % 1000)
	return t
}
