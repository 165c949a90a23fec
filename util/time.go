package util

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Track the time it takes to execute a function
func Track(s string, startTime time.Time) {
	endTime := time.Now()
	logrus.Infof("%s took %v", s, endTime.Sub(startTime))
}

// TimeToMillis converts a time to a unix timestamp in milliseconds.
func TimeToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// MillisToTime converts a unix timestamp in milliseconds to a time.
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// MillisToSeconds truncates a unix timestamp in milliseconds to whole seconds.
func MillisToSeconds(ms int64) int64 {
	return ms / 1000
}

// ParseTimestampMillis parses an RFC3339 timestamp into unix milliseconds,
// returning 0 if the input is empty or unparseable.
func ParseTimestampMillis(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// some upstreams omit the zone designator
		t, err = time.Parse("2006-01-02T15:04:05", s)
		if err != nil {
			return 0
		}
		t = t.UTC()
	}
	return t.UnixMilli()
}
