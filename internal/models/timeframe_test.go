package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeframeAlignment(t *testing.T) {
	ts := int64(1_700_000_123)

	aligned := Timeframe1m.AlignUnix(ts)
	assert.Equal(t, int64(1_700_000_100), aligned)
	assert.True(t, Timeframe1m.Aligned(aligned))
	assert.False(t, Timeframe1m.Aligned(ts))

	assert.Equal(t, int64(0), Timeframe1h.AlignUnix(ts)%3600)
	assert.Equal(t, int64(0), Timeframe1d.AlignUnix(ts)%86400)

	at := time.Date(2026, 8, 26, 13, 47, 12, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 26, 13, 0, 0, 0, time.UTC), Timeframe1h.Align(at))
	assert.Equal(t, time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC), Timeframe4h.Align(at))
}

func TestTimeframeAPIPath(t *testing.T) {
	cases := map[Timeframe]struct {
		path      string
		aggregate int
	}{
		Timeframe1m:  {"minute", 1},
		Timeframe15m: {"minute", 15},
		Timeframe1h:  {"hour", 1},
		Timeframe12h: {"hour", 12},
		Timeframe1d:  {"day", 1},
	}
	for tf, want := range cases {
		path, agg := tf.APIPath()
		assert.Equal(t, want.path, path, tf)
		assert.Equal(t, want.aggregate, agg, tf)
	}
}

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("4h")
	require.NoError(t, err)
	assert.Equal(t, Timeframe4h, tf)
	assert.Equal(t, 4*time.Hour, tf.Period())

	_, err = ParseTimeframe("2h")
	require.Error(t, err)
	_, err = ParseTimeframe("")
	require.Error(t, err)
}
