package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-exit-alerts/internal/indicator"
)

var passFilters = Filters{MinPrice: 5, MinDollarVolume: 1_000_000}

// neutral returns a snapshot that matches no rule on its own.
func neutral() indicator.Snapshot {
	return indicator.Snapshot{
		Price:           100,
		RSI:             50,
		SMAShort:        101,
		SMALong:         100,
		MACD:            1,
		MACDSignal:      0.5,
		ShortTrend:      0.2,
		AvgDollarVolume: 50_000_000,
	}
}

func TestScoreFiltered(t *testing.T) {
	cur := neutral()
	cur.Price = 3
	sig := Score(cur, neutral(), passFilters)
	assert.Equal(t, Hold, sig.Class)
	assert.Zero(t, sig.Confidence)
	require.NotEmpty(t, sig.Reasons)
	assert.Equal(t, ReasonFiltered, sig.Reasons[0])

	cur = neutral()
	cur.AvgDollarVolume = 10
	sig = Score(cur, neutral(), passFilters)
	assert.Equal(t, Hold, sig.Class)
	assert.Equal(t, ReasonFiltered, sig.Reasons[0])
}

func TestScoreFilterBeatsCrossover(t *testing.T) {
	prev := neutral()
	prev.SMAShort = 99
	cur := neutral()
	cur.Price = 1
	assert.Equal(t, Hold, Score(cur, prev, passFilters).Class)
}

func TestScoreCrossoverBeforeOversold(t *testing.T) {
	prev := neutral()
	prev.SMAShort, prev.SMALong, prev.RSI = 99, 100, 25
	cur := neutral()
	cur.SMAShort, cur.SMALong, cur.RSI = 101, 100, 35

	sig := Score(cur, prev, passFilters)
	assert.Equal(t, Buy, sig.Class)
	require.NotEmpty(t, sig.Reasons)
	assert.Equal(t, ReasonCrossAbove, sig.Reasons[0])

	// Still oversold: both rules agree, crossover is listed first.
	cur.RSI = 28
	sig = Score(cur, prev, passFilters)
	assert.Equal(t, Buy, sig.Class)
	require.GreaterOrEqual(t, len(sig.Reasons), 2)
	assert.Equal(t, ReasonCrossAbove, sig.Reasons[0])
	assert.Equal(t, ReasonOversold, sig.Reasons[1])
}

func TestScoreCrossoverBlockedByOverbought(t *testing.T) {
	prev := neutral()
	prev.SMAShort, prev.SMALong = 99, 100
	prev.MACD, prev.MACDSignal = 1, 0.5
	cur := neutral()
	cur.RSI = 75
	cur.ShortTrend = 1
	sig := Score(cur, prev, passFilters)
	assert.Equal(t, Hold, sig.Class)
}

func TestScoreCrossBelow(t *testing.T) {
	prev := neutral()
	prev.SMAShort, prev.SMALong = 101, 100
	cur := neutral()
	cur.SMAShort, cur.SMALong, cur.RSI = 99, 100, 45
	sig := Score(cur, prev, passFilters)
	assert.Equal(t, Sell, sig.Class)
	assert.Equal(t, ReasonCrossBelow, sig.Reasons[0])
}

func TestScoreRSIExtremes(t *testing.T) {
	cur := neutral()
	cur.RSI, cur.ShortTrend = 25, 0.5
	sig := Score(cur, neutral(), passFilters)
	assert.Equal(t, Buy, sig.Class)
	assert.Equal(t, ReasonOversold, sig.Reasons[0])

	cur = neutral()
	cur.RSI, cur.ShortTrend = 78, -0.5
	sig = Score(cur, neutral(), passFilters)
	assert.Equal(t, Sell, sig.Class)
	assert.Equal(t, ReasonOverbought, sig.Reasons[0])
}

func TestScoreMACDCrosses(t *testing.T) {
	prev := neutral()
	prev.MACD, prev.MACDSignal = -1, 0
	cur := neutral()
	cur.MACD, cur.MACDSignal = 0.5, 0
	sig := Score(cur, prev, passFilters)
	assert.Equal(t, Buy, sig.Class)
	assert.Equal(t, []string{ReasonMACDAbove}, sig.Reasons)

	prev = neutral()
	prev.MACD, prev.MACDSignal = 1, 0
	cur = neutral()
	cur.MACD, cur.MACDSignal = -0.5, 0
	sig = Score(cur, prev, passFilters)
	assert.Equal(t, Sell, sig.Class)
	assert.Equal(t, []string{ReasonMACDBelow}, sig.Reasons)
}

func TestScoreHoldOtherwise(t *testing.T) {
	sig := Score(neutral(), neutral(), passFilters)
	assert.Equal(t, Hold, sig.Class)
	assert.Equal(t, []string{ReasonNoSignal}, sig.Reasons)
	assert.InDelta(t, 0.5, sig.Confidence, 1e-12)
}

func TestConfidenceMonotoneAndSaturating(t *testing.T) {
	last := -1.0
	for _, rsi := range []float64{29, 25, 20, 10, 0} {
		cur := neutral()
		cur.RSI, cur.ShortTrend = rsi, 1
		sig := Score(cur, neutral(), passFilters)
		require.Equal(t, Buy, sig.Class)
		assert.GreaterOrEqual(t, sig.Confidence, last, "confidence must not drop as RSI moves away from 50")
		assert.LessOrEqual(t, sig.Confidence, 1.0)
		last = sig.Confidence
	}

	prev := neutral()
	prev.SMAShort, prev.SMALong = 99, 100
	prev.MACD, prev.MACDSignal = -1, 0
	cur := neutral()
	cur.RSI, cur.ShortTrend = 0, 1
	cur.MACD, cur.MACDSignal = 1, 0
	sig := Score(cur, prev, passFilters)
	assert.Len(t, sig.Reasons, 3)
	assert.Equal(t, 1.0, sig.Confidence)
}

func TestScoreIdempotent(t *testing.T) {
	prev := neutral()
	cur := neutral()
	cur.RSI = 64
	assert.Equal(t, Score(cur, prev, passFilters), Score(cur, prev, passFilters))
}

func TestRankOrdering(t *testing.T) {
	results := []Scored{
		{Ticker: "MSFT", Signal: Signal{Class: Hold, Confidence: 0.4}},
		{Ticker: "AAPL", Signal: Signal{Class: Buy, Confidence: 0.7}},
		{Ticker: "TSLA", Signal: Signal{Class: Sell, Confidence: 0.6}},
		{Ticker: "AMZN", Signal: Signal{Class: Buy, Confidence: 0.9}},
		{Ticker: "GOOG", Signal: Signal{Class: Buy, Confidence: 0.7}},
		{Ticker: "NVDA", Signal: Signal{Class: Sell, Confidence: 0.8}},
	}
	Rank(results)

	got := make([]string, len(results))
	for i, r := range results {
		got[i] = r.Ticker
	}
	assert.Equal(t, []string{"NVDA", "TSLA", "AMZN", "AAPL", "GOOG", "MSFT"}, got)
}
