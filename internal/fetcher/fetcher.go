package fetcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"position-exit-alerts/internal/indicator"
)

// Provider supplies daily price history and the latest quote for a ticker.
type Provider interface {
	PriceSeries(ctx context.Context, ticker string, lookback int) (indicator.Series, error)
	Quote(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// DataUnavailableError reports a failed or unusable provider response. The
// position is skipped for the current tick and retried on the next.
type DataUnavailableError struct {
	Provider string
	Ticker   string
	Op       string
	Err      error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("%s %s for %s unavailable: %v", e.Provider, e.Op, e.Ticker, e.Err)
}

func (e *DataUnavailableError) Unwrap() error { return e.Err }

func unavailable(provider, op, ticker string, err error) error {
	return &DataUnavailableError{Provider: provider, Ticker: ticker, Op: op, Err: err}
}

func normalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

// validQuote rejects zero and negative quotes.
func validQuote(provider, ticker string, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Decimal{}, unavailable(provider, "quote", ticker, fmt.Errorf("non-positive price %s", price))
	}
	return price, nil
}

// tail keeps the last n samples.
func tail(s indicator.Series, n int) indicator.Series {
	if n > 0 && len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
