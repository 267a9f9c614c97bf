// Package indicator computes the technical indicators used for exit signals.
// Every function here is a pure function of its input series.
package indicator

import (
	"fmt"
	"math"
)

// Params selects indicator windows.
type Params struct {
	RSIPeriod          int `mapstructure:"rsi_period"`
	SMAShort           int `mapstructure:"sma_short"`
	SMALong            int `mapstructure:"sma_long"`
	MACDFast           int `mapstructure:"macd_fast"`
	MACDSlow           int `mapstructure:"macd_slow"`
	MACDSignal         int `mapstructure:"macd_signal"`
	TrendLookback      int `mapstructure:"trend_lookback"`
	DollarVolumeWindow int `mapstructure:"dollar_volume_window"`
}

// DefaultParams returns the conventional 14 / 20-50 / 12-26-9 windows.
func DefaultParams() Params {
	return Params{
		RSIPeriod:          14,
		SMAShort:           20,
		SMALong:            50,
		MACDFast:           12,
		MACDSlow:           26,
		MACDSignal:         9,
		TrendLookback:      5,
		DollarVolumeWindow: 20,
	}
}

// Validate checks that every window is usable.
func (p Params) Validate() error {
	switch {
	case p.RSIPeriod < 2:
		return fmt.Errorf("rsi_period must be at least 2")
	case p.SMAShort < 1 || p.SMALong < 1:
		return fmt.Errorf("sma windows must be positive")
	case p.SMAShort >= p.SMALong:
		return fmt.Errorf("sma_short (%d) must be smaller than sma_long (%d)", p.SMAShort, p.SMALong)
	case p.MACDFast < 1 || p.MACDSlow <= p.MACDFast || p.MACDSignal < 1:
		return fmt.Errorf("macd windows must satisfy 0 < fast < slow and signal > 0")
	case p.TrendLookback < 1:
		return fmt.Errorf("trend_lookback must be positive")
	case p.DollarVolumeWindow < 1:
		return fmt.Errorf("dollar_volume_window must be positive")
	}
	return nil
}

// Required is the minimum series length Compute accepts.
func (p Params) Required() int {
	need := p.SMALong
	need = max(need, p.SMAShort+p.TrendLookback)
	need = max(need, p.MACDSlow+p.MACDSignal)
	need = max(need, p.RSIPeriod+1)
	need = max(need, p.DollarVolumeWindow)
	return need
}

// Snapshot holds the indicator values at the end of a series.
type Snapshot struct {
	Price           float64
	RSI             float64
	SMAShort        float64
	SMALong         float64
	MACD            float64
	MACDSignal      float64
	ShortTrend      float64
	AvgDollarVolume float64
}

// InsufficientDataError reports a series too short for the slowest indicator.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient price history: have %d samples, need %d", e.Have, e.Need)
}

// Compute derives a snapshot from the full series.
func Compute(series Series, p Params) (Snapshot, error) {
	if need := p.Required(); len(series) < need {
		return Snapshot{}, &InsufficientDataError{Have: len(series), Need: need}
	}

	prices := series.Prices()
	n := len(prices)
	macdLine, signalLine := MACD(prices, p.MACDFast, p.MACDSlow, p.MACDSignal)
	shortNow := SMA(prices, p.SMAShort)
	shortThen := SMA(prices[:n-p.TrendLookback], p.SMAShort)

	return Snapshot{
		Price:           prices[n-1],
		RSI:             RSI(prices, p.RSIPeriod),
		SMAShort:        shortNow,
		SMALong:         SMA(prices, p.SMALong),
		MACD:            macdLine[n-1],
		MACDSignal:      signalLine[n-1],
		ShortTrend:      shortNow - shortThen,
		AvgDollarVolume: avgDollarVolume(series[n-p.DollarVolumeWindow:]),
	}, nil
}

// ComputePair returns the snapshot for the series and for the series without
// its last sample, which is what crossover detection compares.
func ComputePair(series Series, p Params) (cur, prev Snapshot, err error) {
	if need := p.Required() + 1; len(series) < need {
		return Snapshot{}, Snapshot{}, &InsufficientDataError{Have: len(series), Need: need}
	}
	if cur, err = Compute(series, p); err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	if prev, err = Compute(series[:len(series)-1], p); err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	return cur, prev, nil
}

// SMA is the arithmetic mean of the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// RSI computes the Relative Strength Index with Wilder smoothing, seeded by the
// simple average of the first period deltas. A flat window yields 50.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) <= period {
		return math.NaN()
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		gain, loss := split(values[i] - values[i-1])
		avgGain += gain
		avgLoss += loss
	}
	p := float64(period)
	avgGain /= p
	avgLoss /= p

	for i := period + 1; i < len(values); i++ {
		gain, loss := split(values[i] - values[i-1])
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
	}

	switch {
	case avgGain == 0 && avgLoss == 0:
		return 50
	case avgLoss == 0:
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// EMA returns the exponential moving average series using the recursive
// form seeded with the first value.
func EMA(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 || span <= 0 {
		return out
	}
	alpha := 2.0 / float64(span+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// MACD returns the MACD line (fast EMA minus slow EMA) and its signal line.
func MACD(values []float64, fast, slow, signal int) ([]float64, []float64) {
	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)
	line := make([]float64, len(values))
	for i := range values {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	return line, EMA(line, signal)
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func avgDollarVolume(window Series) float64 {
	if len(window) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range window {
		sum += s.Price * s.Volume
	}
	return sum / float64(len(window))
}
