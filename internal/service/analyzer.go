package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"position-exit-alerts/internal/fetcher"
	"position-exit-alerts/internal/indicator"
	"position-exit-alerts/internal/metrics"
	"position-exit-alerts/internal/signal"
)

// Analysis is the market view of one ticker at one instant.
type Analysis struct {
	Ticker   string
	Price    decimal.Decimal
	Signal   signal.Signal
	Snapshot *indicator.Snapshot
}

// Analyzer produces the current price and signal for a ticker.
type Analyzer interface {
	Analyze(ctx context.Context, ticker string) (Analysis, error)
}

// MarketAnalyzer fetches market data and scores it.
type MarketAnalyzer struct {
	provider fetcher.Provider
	params   indicator.Params
	filters  signal.Filters
	lookback int
	timeout  time.Duration
	metrics  *metrics.Metrics
}

// NewMarketAnalyzer bounds every provider call by timeout.
func NewMarketAnalyzer(provider fetcher.Provider, params indicator.Params, filters signal.Filters, lookback int, timeout time.Duration, m *metrics.Metrics) *MarketAnalyzer {
	if lookback <= params.Required() {
		lookback = params.Required() + 1
	}
	return &MarketAnalyzer{
		provider: provider,
		params:   params,
		filters:  filters,
		lookback: lookback,
		timeout:  timeout,
		metrics:  m,
	}
}

// Analyze returns an error only when market data is unavailable. Short
// history yields a HOLD signal.
func (a *MarketAnalyzer) Analyze(ctx context.Context, ticker string) (Analysis, error) {
	var series indicator.Series
	err := a.timed(ctx, "series", ticker, func(ctx context.Context) (err error) {
		series, err = a.provider.PriceSeries(ctx, ticker, a.lookback)
		return err
	})
	if err != nil {
		return Analysis{}, err
	}

	var price decimal.Decimal
	err = a.timed(ctx, "quote", ticker, func(ctx context.Context) (err error) {
		price, err = a.provider.Quote(ctx, ticker)
		return err
	})
	if err != nil {
		return Analysis{}, err
	}

	out := Analysis{Ticker: ticker, Price: price}
	cur, prev, err := indicator.ComputePair(series, a.params)
	var short *indicator.InsufficientDataError
	switch {
	case errors.As(err, &short):
		out.Signal = signal.Insufficient()
	case err != nil:
		return Analysis{}, fmt.Errorf("compute indicators for %s: %w", ticker, err)
	default:
		out.Signal = signal.Score(cur, prev, a.filters)
		out.Snapshot = &cur
	}
	return out, nil
}

// timed runs fn under the per-call timeout. A provider that gives up only
// because the deadline passed still surfaces as DataUnavailableError.
func (a *MarketAnalyzer) timed(ctx context.Context, op, ticker string, fn func(context.Context) error) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	a.metrics.ObserveFetch(op, time.Since(start))

	var unavailable *fetcher.DataUnavailableError
	if err != nil && ctx.Err() != nil && !errors.As(err, &unavailable) {
		return &fetcher.DataUnavailableError{Provider: "market", Ticker: ticker, Op: op, Err: err}
	}
	return err
}

// Signals scores tickers independently and ranks them. Tickers whose data
// could not be fetched are returned in failed.
func Signals(ctx context.Context, a Analyzer, tickers []string) (ranked []signal.Scored, failed map[string]error) {
	failed = make(map[string]error)
	for _, t := range tickers {
		res, err := a.Analyze(ctx, t)
		if err != nil {
			failed[t] = err
			continue
		}
		ranked = append(ranked, signal.Scored{Ticker: t, Signal: res.Signal})
	}
	signal.Rank(ranked)
	return ranked, failed
}
