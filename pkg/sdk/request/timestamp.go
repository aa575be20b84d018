package request

import (
	"sync"
	"time"
)

// uniqueWindow is how many issued timestamps are remembered.
const uniqueWindow = 10

// Instant is one issued timestamp plus the calendar fields derived from it.
type Instant struct {
	Millis int64
	Hour   int
	DOW    int // Sunday = 0
	TZ     int // offset from UTC in minutes
}

// TimeSource issues millisecond timestamps that never repeat within a process.
// A stalled clock yields last+1; a clock that jumps backwards below everything
// remembered resets the window and continues from the new time.
type TimeSource struct {
	now func() time.Time

	mu      sync.Mutex
	issued  []int64
	lastRaw int64
}

// NewTimeSource creates a TimeSource. A nil clock means time.Now.
func NewTimeSource(clock func() time.Time) *TimeSource {
	if clock == nil {
		clock = time.Now
	}
	return &TimeSource{
		now:    clock,
		issued: make([]int64, 0, uniqueWindow),
	}
}

// Now returns the next unique instant.
func (ts *TimeSource) Now() Instant {
	t := ts.now()
	ms := ts.unique(t.UnixMilli())

	_, offset := t.Zone()
	return Instant{
		Millis: ms,
		Hour:   t.Hour(),
		DOW:    int(t.Weekday()),
		TZ:     offset / 60,
	}
}

// Millis returns only the next unique millisecond value.
func (ts *TimeSource) Millis() int64 {
	return ts.unique(ts.now().UnixMilli())
}

func (ts *TimeSource) unique(raw int64) int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if len(ts.issued) > 2 && raw < ts.lastRaw && raw < minOf(ts.issued) {
		ts.issued = ts.issued[:0]
		ts.issued = append(ts.issued, raw)
		ts.lastRaw = raw
		return raw
	}
	ts.lastRaw = raw

	ms := raw
	if n := len(ts.issued); n > 0 && ms <= ts.issued[n-1] {
		ms = ts.issued[n-1] + 1
	}

	if len(ts.issued) >= uniqueWindow {
		copy(ts.issued, ts.issued[1:])
		ts.issued = ts.issued[:len(ts.issued)-1]
	}
	ts.issued = append(ts.issued, ms)
	return ms
}

func minOf(values []int64) int64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
