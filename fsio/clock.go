package fsio

import (
	"sync"
	"time"
)

var (
	clockMu  sync.Mutex
	lastTick time.Time
)

// Now returns the current UTC time, guaranteed strictly increasing within
// this process. Entity history relies on timestamps never repeating even
// when the wall clock has coarse resolution or steps backwards.
func Now() time.Time {
	clockMu.Lock()
	defer clockMu.Unlock()

	now := time.Now().UTC()
	if !now.After(lastTick) {
		now = lastTick.Add(time.Nanosecond)
	}
	lastTick = now
	return now
}

// Timestamp formats t as ISO-8601 with nanosecond precision, the encoding
// used for every persisted timestamp.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp parses an ISO-8601 timestamp as written by Timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
