package fetcher

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"position-exit-alerts/internal/indicator"
)

// Static serves fixed data. It backs dry runs and tests.
type Static struct {
	mu     sync.RWMutex
	series map[string]indicator.Series
	quotes map[string]decimal.Decimal
	errs   map[string]error
}

// NewStatic builds an empty static provider.
func NewStatic() *Static {
	return &Static{
		series: make(map[string]indicator.Series),
		quotes: make(map[string]decimal.Decimal),
		errs:   make(map[string]error),
	}
}

// SetSeries stores the history for ticker.
func (s *Static) SetSeries(ticker string, series indicator.Series) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[normalizeTicker(ticker)] = series
}

// SetQuote stores the latest price for ticker.
func (s *Static) SetQuote(ticker string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[normalizeTicker(ticker)] = price
}

// SetError makes every call for ticker fail with err; nil clears it.
func (s *Static) SetError(ticker string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, normalizeTicker(ticker))
		return
	}
	s.errs[normalizeTicker(ticker)] = err
}

func (s *Static) PriceSeries(ctx context.Context, ticker string, lookback int) (indicator.Series, error) {
	ticker = normalizeTicker(ticker)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.errs[ticker]; err != nil {
		return nil, unavailable("static", "series", ticker, err)
	}
	series, ok := s.series[ticker]
	if !ok {
		return nil, unavailable("static", "series", ticker, errors.New("unknown ticker"))
	}
	return append(indicator.Series(nil), tail(series, lookback)...), nil
}

// Quote falls back to the last close when no quote was set.
func (s *Static) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	ticker = normalizeTicker(ticker)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.errs[ticker]; err != nil {
		return decimal.Decimal{}, unavailable("static", "quote", ticker, err)
	}
	if q, ok := s.quotes[ticker]; ok {
		return validQuote("static", ticker, q)
	}
	if last, ok := s.series[ticker].Last(); ok {
		return validQuote("static", ticker, decimal.NewFromFloat(last.Price))
	}
	return decimal.Decimal{}, unavailable("static", "quote", ticker, errors.New("unknown ticker"))
}

var _ Provider = (*Static)(nil)
