package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"position-exit-alerts/internal/indicator"
)

// AlpacaOptions configure the Alpaca market data client.
type AlpacaOptions struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
	Feed      string `mapstructure:"feed"`
}

// alpacaAPI is the subset of marketdata.Client used here.
type alpacaAPI interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// Alpaca reads daily bars and latest trades from Alpaca market data.
type Alpaca struct {
	api    alpacaAPI
	feed   string
	now    func() time.Time
	logger zerolog.Logger
}

// NewAlpaca constructs an Alpaca fetcher.
func NewAlpaca(opts AlpacaOptions, logger zerolog.Logger) (*Alpaca, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, errors.New("alpaca api_key and api_secret must be set")
	}
	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   opts.BaseURL,
	})
	return newAlpaca(client, opts.Feed, logger), nil
}

func newAlpaca(api alpacaAPI, feed string, logger zerolog.Logger) *Alpaca {
	return &Alpaca{
		api:    api,
		feed:   feed,
		now:    time.Now,
		logger: logger.With().Str("component", "alpaca_fetcher").Logger(),
	}
}

// PriceSeries returns split- and dividend-adjusted daily closes.
func (a *Alpaca) PriceSeries(ctx context.Context, ticker string, lookback int) (indicator.Series, error) {
	ticker = normalizeTicker(ticker)
	// Calendar days covering lookback sessions plus holidays.
	days := lookback*7/5 + 10
	end := a.now().UTC()
	req := marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Adjustment: marketdata.All,
		Start:      end.AddDate(0, 0, -days),
		End:        end,
		Feed:       a.feed,
	}

	bars, err := call(ctx, func() ([]marketdata.Bar, error) { return a.api.GetBars(ticker, req) })
	if err != nil {
		return nil, unavailable("alpaca", "series", ticker, err)
	}

	series := make(indicator.Series, 0, len(bars))
	for _, bar := range bars {
		if bar.Close <= 0 {
			continue
		}
		series = append(series, indicator.Sample{Time: bar.Timestamp.UTC(), Price: bar.Close, Volume: float64(bar.Volume)})
	}
	if len(series) == 0 {
		return nil, unavailable("alpaca", "series", ticker, errors.New("no bars returned"))
	}
	if err := series.Validate(); err != nil {
		return nil, unavailable("alpaca", "series", ticker, err)
	}

	a.logger.Debug().Str("ticker", ticker).Int("bars", len(series)).Msg("price series fetched")
	return tail(series, lookback), nil
}

// Quote returns the latest trade price.
func (a *Alpaca) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	ticker = normalizeTicker(ticker)
	trade, err := call(ctx, func() (*marketdata.Trade, error) {
		return a.api.GetLatestTrade(ticker, marketdata.GetLatestTradeRequest{Feed: a.feed})
	})
	if err != nil {
		return decimal.Decimal{}, unavailable("alpaca", "quote", ticker, err)
	}
	if trade == nil {
		return decimal.Decimal{}, unavailable("alpaca", "quote", ticker, errors.New("no trade returned"))
	}
	return validQuote("alpaca", ticker, decimal.NewFromFloat(trade.Price))
}

// call bounds a context-unaware client call by ctx. The abandoned call
// finishes in the background under the client's own HTTP timeout.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}

var _ Provider = (*Alpaca)(nil)
