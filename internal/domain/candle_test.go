package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCandleIsClosedBoundary(t *testing.T) {
	openTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Candle{OpenTime: openTime}

	notYetClosed := openTime.Add(4*time.Minute + 59*time.Second)
	assert.False(t, c.IsClosed(Interval5m, notYetClosed))

	exactlyClosed := openTime.Add(5 * time.Minute)
	assert.True(t, c.IsClosed(Interval5m, exactlyClosed))

	longPast := openTime.Add(time.Hour)
	assert.True(t, c.IsClosed(Interval5m, longPast))
}

func TestLastClosedCandlePicksGreatestClosedOpenTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(16 * time.Minute)

	candles := []Candle{
		{OpenTime: base},
		{OpenTime: base.Add(5 * time.Minute)},
		{OpenTime: base.Add(10 * time.Minute)},
		{OpenTime: base.Add(15 * time.Minute)}, // not yet closed relative to now
	}

	got, ok := LastClosedCandle(candles, Interval5m, now)
	assert.True(t, ok)
	assert.True(t, got.OpenTime.Equal(base.Add(10*time.Minute)))
}

func TestLastClosedCandleNoneClosedReturnsFalse(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []Candle{{OpenTime: base}}

	_, ok := LastClosedCandle(candles, Interval5m, base.Add(time.Minute))
	assert.False(t, ok)
}
