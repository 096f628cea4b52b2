package types

import "time"

func TimeFromMillisecondTimestamp(timestamp int64) time.Time {
	return TimeFromTimestamp(timestamp / 1000)
}

func TimeFromTimestamp(timestamp int64) time.Time {
	return time.Unix(timestamp, 0).UTC()
}

// Timestamp returns whole seconds since the epoch, clamped at zero.
func Timestamp(t time.Time) int64 {
	if secs := t.Unix(); secs > 0 {
		return secs
	}
	return 0
}
