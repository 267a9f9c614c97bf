// Package position holds the set of monitored positions.
package position

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies the instrument held.
type Type string

const (
	LongPut         Type = "LONG_PUT"
	LongCall        Type = "LONG_CALL"
	DebitSpreadPut  Type = "DEBIT_SPREAD_PUT"
	DebitSpreadCall Type = "DEBIT_SPREAD_CALL"
	Share           Type = "SHARE"
	ShortShare      Type = "SHORT_SHARE"
)

// DateLayout is the calendar date format used in position records.
const DateLayout = "2006-01-02"

// ParseType accepts a case-insensitive type name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case LongPut, LongCall, DebitSpreadPut, DebitSpreadCall, Share, ShortShare:
		return t, nil
	}
	return "", fmt.Errorf("unknown position type %q", s)
}

// IsOption reports whether the instrument carries a strike and expiry.
func (t Type) IsOption() bool {
	return t != Share && t != ShortShare
}

// IsSpread reports whether the instrument has a short leg.
func (t Type) IsSpread() bool {
	return t == DebitSpreadPut || t == DebitSpreadCall
}

// Bearish reports whether the position profits from the underlying falling.
func (t Type) Bearish() bool {
	return t == LongPut || t == DebitSpreadPut || t == ShortShare
}

// ShortSide reports whether the holding itself is a short sale.
func (t Type) ShortSide() bool {
	return t == ShortShare
}

// Position is one monitored trade. Prices refer to the underlying, except
// EntryPrice, which is the premium paid for option types.
type Position struct {
	ID              string
	Ticker          string
	Type            Type
	Strike          *decimal.Decimal
	ShortStrike     *decimal.Decimal
	Expiry          *time.Time
	EntryPrice      decimal.Decimal
	EntryUnderlying *decimal.Decimal
	EntryDate       time.Time
	Quantity        int
	PreviousPeak    *decimal.Decimal
	Enabled         bool
}

// Key derives the default identifier for a position.
func (p Position) Key() string {
	parts := []string{strings.ToUpper(p.Ticker), string(p.Type)}
	if p.Strike != nil {
		parts = append(parts, p.Strike.String())
	}
	if p.ShortStrike != nil {
		parts = append(parts, p.ShortStrike.String())
	}
	if p.Expiry != nil {
		parts = append(parts, p.Expiry.Format(DateLayout))
	}
	return strings.Join(parts, "-")
}

// DaysToExpiry counts calendar days from now to expiry in loc. Positions
// without an expiry report ok=false.
func (p Position) DaysToExpiry(now time.Time, loc *time.Location) (int, bool) {
	if p.Expiry == nil {
		return 0, false
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	exp := time.Date(p.Expiry.Year(), p.Expiry.Month(), p.Expiry.Day(), 0, 0, 0, 0, time.UTC)
	return int(exp.Sub(today).Hours() / 24), true
}

// Breakeven is the underlying price at which an option position recovers its
// premium at expiry.
func (p Position) Breakeven() (decimal.Decimal, bool) {
	if !p.Type.IsOption() || p.Strike == nil {
		return decimal.Decimal{}, false
	}
	if p.Type.Bearish() {
		return p.Strike.Sub(p.EntryPrice), true
	}
	return p.Strike.Add(p.EntryPrice), true
}

// Improves reports whether candidate is more favorable than the current peak.
func (p Position) Improves(candidate decimal.Decimal) bool {
	if p.PreviousPeak == nil {
		return true
	}
	if p.Type.Bearish() {
		return candidate.LessThan(*p.PreviousPeak)
	}
	return candidate.GreaterThan(*p.PreviousPeak)
}

// Clone returns a deep copy so snapshots never share pointers with the registry.
func (p Position) Clone() Position {
	out := p
	out.Strike = cloneDecimal(p.Strike)
	out.ShortStrike = cloneDecimal(p.ShortStrike)
	out.EntryUnderlying = cloneDecimal(p.EntryUnderlying)
	out.PreviousPeak = cloneDecimal(p.PreviousPeak)
	if p.Expiry != nil {
		exp := *p.Expiry
		out.Expiry = &exp
	}
	return out
}

// Validate checks the record-level invariants.
func (p Position) Validate() error {
	if strings.TrimSpace(p.Ticker) == "" {
		return &ConfigError{Field: "ticker", Reason: "is required"}
	}
	if _, err := ParseType(string(p.Type)); err != nil {
		return &ConfigError{Ticker: p.Ticker, Field: "type", Reason: err.Error()}
	}
	if p.Type.IsOption() {
		if p.Strike == nil {
			return &ConfigError{Ticker: p.Ticker, Field: "strike", Reason: fmt.Sprintf("is required for %s", p.Type)}
		}
		if p.Expiry == nil {
			return &ConfigError{Ticker: p.Ticker, Field: "expiry", Reason: fmt.Sprintf("is required for %s", p.Type)}
		}
	}
	if p.Type.IsSpread() && p.ShortStrike == nil {
		return &ConfigError{Ticker: p.Ticker, Field: "short_strike", Reason: fmt.Sprintf("is required for %s", p.Type)}
	}
	if p.Strike != nil && !p.Strike.IsPositive() {
		return &ConfigError{Ticker: p.Ticker, Field: "strike", Reason: "must be positive"}
	}
	if p.EntryPrice.IsNegative() {
		return &ConfigError{Ticker: p.Ticker, Field: "entry_price", Reason: "cannot be negative"}
	}
	if !p.Type.IsOption() && !p.EntryPrice.IsPositive() {
		return &ConfigError{Ticker: p.Ticker, Field: "entry_price", Reason: "must be positive for share positions"}
	}
	if p.Quantity <= 0 {
		return &ConfigError{Ticker: p.Ticker, Field: "quantity", Reason: "must be positive"}
	}
	if p.PreviousPeak != nil && !p.PreviousPeak.IsPositive() {
		return &ConfigError{Ticker: p.Ticker, Field: "previous_peak", Reason: "must be positive when set"}
	}
	return nil
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
