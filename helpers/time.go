package helpers

import (
	"fmt"
	"time"
)

func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

func IntMillisecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Millisecond
}

// UTCDateTime formats t as ISO 8601 with second precision, e.g. 2021-07-08T00:34:59Z
func UTCDateTime(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02dZ",
		u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), u.Second())
}
