// Package exit decides when a monitored position should be closed.
//
// Evaluate is a pure step over (position, state, market input); Engine keeps
// the per-position state between ticks. Neither performs I/O: the caller
// dispatches notifications for outcomes with Notify set.
package exit

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"position-exit-alerts/internal/position"
	"position-exit-alerts/internal/signal"
)

// Reasons recorded when a rule fires, in evaluation order.
const (
	ReasonStopLoss     = "stop-loss"
	ReasonTrailingStop = "trailing-stop"
	ReasonExpiry       = "expiry proximity"
	ReasonAdverse      = "adverse signal"
	ReasonExpired      = "expired"
	ReasonRemoved      = "removed"
)

// Rules are the exit thresholds. A percentage of zero disables its rule.
type Rules struct {
	StopLossPct          float64 `mapstructure:"stop_loss_pct"`
	TrailingStopPct      float64 `mapstructure:"trailing_stop_pct"`
	ExpiryDays           int     `mapstructure:"expiry_days"`
	ExpiryProfitMargin   float64 `mapstructure:"expiry_profit_margin"`
	AdverseMinConfidence float64 `mapstructure:"adverse_min_confidence"`
	UnmonitorableAfter   int     `mapstructure:"unmonitorable_after"`
}

// DefaultRules mirrors the thresholds the desk has run with.
func DefaultRules() Rules {
	return Rules{
		StopLossPct:          0.40,
		TrailingStopPct:      0.35,
		ExpiryDays:           5,
		ExpiryProfitMargin:   2.0,
		AdverseMinConfidence: 0.6,
		UnmonitorableAfter:   3,
	}
}

// Validate checks threshold ranges.
func (r Rules) Validate() error {
	switch {
	case r.StopLossPct < 0 || r.StopLossPct >= 1:
		return fmt.Errorf("stop_loss_pct must be in [0, 1)")
	case r.TrailingStopPct < 0 || r.TrailingStopPct >= 1:
		return fmt.Errorf("trailing_stop_pct must be in [0, 1)")
	case r.ExpiryDays < 0:
		return fmt.Errorf("expiry_days cannot be negative")
	case r.ExpiryProfitMargin < 0:
		return fmt.Errorf("expiry_profit_margin cannot be negative")
	case r.AdverseMinConfidence < 0 || r.AdverseMinConfidence > 1:
		return fmt.Errorf("adverse_min_confidence must be in [0, 1]")
	case r.UnmonitorableAfter < 0:
		return fmt.Errorf("unmonitorable_after cannot be negative")
	}
	return nil
}

// Input is the market view of one position for one tick.
type Input struct {
	Price    decimal.Decimal
	Signal   signal.Signal
	Now      time.Time
	Location *time.Location
}

var one = decimal.NewFromInt(1)

// firstRule returns the first rule that fires for pos, evaluated in the
// order stop-loss, trailing-stop, expiry proximity, adverse signal.
func firstRule(pos position.Position, in Input, r Rules) (reason, detail string) {
	price := in.Price
	bearish := pos.Type.Bearish()

	if ref, ok := stopReference(pos); ok && r.StopLossPct > 0 {
		pct := decimal.NewFromFloat(r.StopLossPct)
		if bearish {
			if limit := ref.Mul(one.Add(pct)); price.GreaterThan(limit) {
				return ReasonStopLoss, fmt.Sprintf("price %s above stop %s", price, limit.StringFixed(2))
			}
		} else if limit := ref.Mul(one.Sub(pct)); price.LessThan(limit) {
			return ReasonStopLoss, fmt.Sprintf("price %s below stop %s", price, limit.StringFixed(2))
		}
	}

	if pos.PreviousPeak != nil && r.TrailingStopPct > 0 {
		peak := *pos.PreviousPeak
		pct := decimal.NewFromFloat(r.TrailingStopPct)
		if bearish {
			if limit := peak.Mul(one.Add(pct)); price.GreaterThan(limit) {
				return ReasonTrailingStop, fmt.Sprintf("price %s retraced above %s from peak %s", price, limit.StringFixed(2), peak)
			}
		} else if limit := peak.Mul(one.Sub(pct)); price.LessThan(limit) {
			return ReasonTrailingStop, fmt.Sprintf("price %s retraced below %s from peak %s", price, limit.StringFixed(2), peak)
		}
	}

	if dte, ok := pos.DaysToExpiry(in.Now, in.Location); ok && pos.Type.IsOption() && dte < r.ExpiryDays {
		if !profitableBeyondMargin(pos, price, decimal.NewFromFloat(r.ExpiryProfitMargin)) {
			return ReasonExpiry, fmt.Sprintf("%d days to expiry and not profitable beyond margin", dte)
		}
	}

	adverse := signal.Sell
	if pos.Type.ShortSide() {
		adverse = signal.Buy
	}
	if in.Signal.Class == adverse && in.Signal.Confidence >= r.AdverseMinConfidence {
		return ReasonAdverse, fmt.Sprintf("%s signal at confidence %.2f", adverse, in.Signal.Confidence)
	}

	return "", ""
}

// HasStopLoss reports whether the stop-loss rule can ever fire for pos.
// Options need entry_underlying for it.
func HasStopLoss(pos position.Position, r Rules) bool {
	_, ok := stopReference(pos)
	return ok && r.StopLossPct > 0
}

// stopReference is the underlying price the stop loss is measured from.
// Option positions need an explicit entry underlying.
func stopReference(pos position.Position) (decimal.Decimal, bool) {
	if pos.EntryUnderlying != nil {
		return *pos.EntryUnderlying, true
	}
	if !pos.Type.IsOption() {
		return pos.EntryPrice, true
	}
	return decimal.Decimal{}, false
}

func profitableBeyondMargin(pos position.Position, price, margin decimal.Decimal) bool {
	breakeven, ok := pos.Breakeven()
	if !ok {
		return false
	}
	if pos.Type.Bearish() {
		return price.LessThan(breakeven.Sub(margin))
	}
	return price.GreaterThan(breakeven.Add(margin))
}
