// Package signal classifies indicator snapshots into BUY/SELL/HOLD signals.
package signal

import (
	"fmt"
	"math"

	"position-exit-alerts/internal/indicator"
)

// Class is the direction a signal recommends.
type Class string

const (
	Buy  Class = "BUY"
	Sell Class = "SELL"
	Hold Class = "HOLD"
)

// Reasons attached to signals.
const (
	ReasonFiltered      = "filtered"
	ReasonInsufficient  = "insufficient history"
	ReasonCrossAbove    = "short MA crossed above long MA"
	ReasonCrossBelow    = "short MA crossed below long MA"
	ReasonOversold      = "RSI oversold in uptrend"
	ReasonOverbought    = "RSI overbought in downtrend"
	ReasonMACDAbove     = "MACD crossed above signal"
	ReasonMACDBelow     = "MACD crossed below signal"
	ReasonNoSignal      = "no strong signals"
	rsiOversold         = 30.0
	rsiOverbought       = 70.0
	rsiNeutral          = 50.0
	agreementBonus      = 0.1
	directionalBaseline = 0.5
)

// Signal is the scored outcome for one ticker.
type Signal struct {
	Class      Class    `json:"class"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
}

// Filters are the risk floors below which a ticker is never scored.
type Filters struct {
	MinPrice        float64 `mapstructure:"min_price"`
	MinDollarVolume float64 `mapstructure:"min_dollar_volume"`
}

// Insufficient is the HOLD signal used when history is too short.
func Insufficient() Signal {
	return Signal{Class: Hold, Reasons: []string{ReasonInsufficient}}
}

type rule struct {
	class  Class
	reason string
	match  func(cur, prev indicator.Snapshot) bool
}

// rules are evaluated in this order; the first match decides the class.
var rules = []rule{
	{Buy, ReasonCrossAbove, func(cur, prev indicator.Snapshot) bool {
		return prev.SMAShort <= prev.SMALong && cur.SMAShort > cur.SMALong && cur.RSI < rsiOverbought
	}},
	{Sell, ReasonCrossBelow, func(cur, prev indicator.Snapshot) bool {
		return prev.SMAShort >= prev.SMALong && cur.SMAShort < cur.SMALong && cur.RSI > rsiOversold
	}},
	{Buy, ReasonOversold, func(cur, _ indicator.Snapshot) bool {
		return cur.RSI < rsiOversold && cur.ShortTrend > 0
	}},
	{Sell, ReasonOverbought, func(cur, _ indicator.Snapshot) bool {
		return cur.RSI > rsiOverbought && cur.ShortTrend < 0
	}},
	{Buy, ReasonMACDAbove, func(cur, prev indicator.Snapshot) bool {
		return prev.MACD <= prev.MACDSignal && cur.MACD > cur.MACDSignal
	}},
	{Sell, ReasonMACDBelow, func(cur, prev indicator.Snapshot) bool {
		return prev.MACD >= prev.MACDSignal && cur.MACD < cur.MACDSignal
	}},
}

// Score classifies the current snapshot against the previous one.
func Score(cur, prev indicator.Snapshot, f Filters) Signal {
	if cur.Price < f.MinPrice || cur.AvgDollarVolume < f.MinDollarVolume {
		return Signal{Class: Hold, Confidence: 0, Reasons: []string{ReasonFiltered, filterDetail(cur, f)}}
	}

	winner := -1
	for i, r := range rules {
		if r.match(cur, prev) {
			winner = i
			break
		}
	}
	distance := rsiDistance(cur.RSI)
	if winner < 0 {
		return Signal{Class: Hold, Confidence: directionalBaseline * (1 - distance), Reasons: []string{ReasonNoSignal}}
	}

	class := rules[winner].class
	reasons := []string{rules[winner].reason}
	for _, r := range rules[winner+1:] {
		if r.class == class && r.match(cur, prev) {
			reasons = append(reasons, r.reason)
		}
	}

	return Signal{Class: class, Confidence: confidence(distance, len(reasons)), Reasons: reasons}
}

// confidence grows with RSI distance from neutral and with agreeing rules,
// saturating at 1.
func confidence(distance float64, agreeing int) float64 {
	c := directionalBaseline + directionalBaseline*distance + agreementBonus*float64(agreeing-1)
	return math.Min(1, c)
}

func rsiDistance(rsi float64) float64 {
	if math.IsNaN(rsi) {
		return 0
	}
	return math.Min(1, math.Abs(rsi-rsiNeutral)/rsiNeutral)
}

func filterDetail(cur indicator.Snapshot, f Filters) string {
	if cur.Price < f.MinPrice {
		return fmt.Sprintf("price %.2f below %.2f", cur.Price, f.MinPrice)
	}
	return fmt.Sprintf("avg dollar volume %.0f below %.0f", cur.AvgDollarVolume, f.MinDollarVolume)
}
