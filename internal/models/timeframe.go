package models

import (
	"fmt"
	"time"
)

// Timeframe is a supported candle resolution.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe12h Timeframe = "12h"
	Timeframe1d  Timeframe = "1d"
)

// AllTimeframes lists every supported resolution, smallest first.
var AllTimeframes = []Timeframe{
	Timeframe1m, Timeframe5m, Timeframe15m,
	Timeframe1h, Timeframe4h, Timeframe12h, Timeframe1d,
}

var timeframePeriods = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe12h: 12 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// apiPaths maps each resolution to the upstream path segment and aggregate
// parameter: timeframe in {day,hour,minute}, aggregate per timeframe.
var apiPaths = map[Timeframe]struct {
	Path      string
	Aggregate int
}{
	Timeframe1m:  {"minute", 1},
	Timeframe5m:  {"minute", 5},
	Timeframe15m: {"minute", 15},
	Timeframe1h:  {"hour", 1},
	Timeframe4h:  {"hour", 4},
	Timeframe12h: {"hour", 12},
	Timeframe1d:  {"day", 1},
}

// Valid reports whether tf is a supported resolution.
func (tf Timeframe) Valid() bool {
	_, ok := timeframePeriods[tf]
	return ok
}

// Period returns the duration of one candle interval.
func (tf Timeframe) Period() time.Duration {
	return timeframePeriods[tf]
}

// APIPath returns the upstream path segment and aggregate value for tf.
func (tf Timeframe) APIPath() (string, int) {
	p := apiPaths[tf]
	return p.Path, p.Aggregate
}

// AlignUnix truncates a unix timestamp down to the timeframe grid.
func (tf Timeframe) AlignUnix(ts int64) int64 {
	period := int64(tf.Period() / time.Second)
	if period <= 0 {
		return ts
	}
	return ts - ts%period
}

// Align truncates t down to the timeframe grid in UTC.
func (tf Timeframe) Align(t time.Time) time.Time {
	return time.Unix(tf.AlignUnix(t.UTC().Unix()), 0).UTC()
}

// Aligned reports whether ts sits exactly on the timeframe grid.
func (tf Timeframe) Aligned(ts int64) bool {
	return tf.AlignUnix(ts) == ts
}

// ParseTimeframe converts a config string to a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unsupported timeframe: %q", s)
	}
	return tf, nil
}
