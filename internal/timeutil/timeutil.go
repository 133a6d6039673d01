// Package timeutil holds the timestamp conventions shared by the stores:
// everything is milliseconds UTC, and date keys are YYYY-MM-DD.
package timeutil

import "time"

// secondsThreshold separates second-resolution timestamps from
// millisecond ones. Anything at or below it is treated as seconds.
const secondsThreshold = 1e12

// NormalizeMillis converts a timestamp that may be in seconds or
// milliseconds to milliseconds. Zero and negative values pass through.
func NormalizeMillis(ts int64) int64 {
	if ts > 0 && ts <= secondsThreshold {
		return ts * 1000
	}
	return ts
}

// DateKey returns the UTC YYYY-MM-DD key for a millisecond timestamp.
func DateKey(millis int64) string {
	return time.UnixMilli(millis).UTC().Format("2006-01-02")
}

// NowMillis returns the current time in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
