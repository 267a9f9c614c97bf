package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"position-exit-alerts/internal/indicator"
)

const yahooChartPath = "/v8/finance/chart/"

// YahooOptions parameterise the Yahoo Finance chart fetcher.
type YahooOptions struct {
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Yahoo reads daily bars and the regular-market price from the public chart
// endpoint.
type Yahoo struct {
	opts    YahooOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewYahoo constructs a Yahoo fetcher.
func NewYahoo(opts YahooOptions, logger zerolog.Logger) *Yahoo {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}

	return &Yahoo{
		opts:    opts,
		logger:  logger.With().Str("component", "yahoo_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// PriceSeries returns the last lookback daily closes, oldest first.
func (y *Yahoo) PriceSeries(ctx context.Context, ticker string, lookback int) (indicator.Series, error) {
	ticker = normalizeTicker(ticker)
	res, err := y.chart(ctx, ticker, rangeFor(lookback))
	if err != nil {
		return nil, unavailable("yahoo", "series", ticker, err)
	}

	if len(res.Indicators.Quote) == 0 {
		return nil, unavailable("yahoo", "series", ticker, errors.New("response has no quote block"))
	}
	q := res.Indicators.Quote[0]

	series := make(indicator.Series, 0, len(res.Timestamp))
	for i, ts := range res.Timestamp {
		if i >= len(q.Close) || q.Close[i] == nil || *q.Close[i] <= 0 {
			continue
		}
		s := indicator.Sample{Time: time.Unix(ts, 0).UTC(), Price: *q.Close[i]}
		if i < len(q.Volume) && q.Volume[i] != nil {
			s.Volume = *q.Volume[i]
		}
		if n := len(series); n > 0 && !s.Time.After(series[n-1].Time) {
			// The live bar can repeat the last session's timestamp.
			series[n-1] = s
			continue
		}
		series = append(series, s)
	}
	if len(series) == 0 {
		return nil, unavailable("yahoo", "series", ticker, errors.New("no usable bars"))
	}

	y.logger.Debug().Str("ticker", ticker).Int("bars", len(series)).Msg("price series fetched")
	return tail(series, lookback), nil
}

// Quote returns the regular-market price.
func (y *Yahoo) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	ticker = normalizeTicker(ticker)
	res, err := y.chart(ctx, ticker, "5d")
	if err != nil {
		return decimal.Decimal{}, unavailable("yahoo", "quote", ticker, err)
	}
	return validQuote("yahoo", ticker, decimal.NewFromFloat(res.Meta.RegularMarketPrice))
}

func (y *Yahoo) chart(ctx context.Context, ticker, rng string) (*chartResult, error) {
	q := url.Values{}
	q.Set("range", rng)
	q.Set("interval", "1d")
	q.Set("includePrePost", "false")
	endpoint := y.baseURL + yahooChartPath + url.PathEscape(ticker) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(y.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "exitwatch/1.0")
	}

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var body chartResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, parseHTTPError(resp.StatusCode, nil, payload)
		}
		return nil, fmt.Errorf("decode chart response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || body.Chart.Error != nil {
		return nil, parseHTTPError(resp.StatusCode, body.Chart.Error, payload)
	}
	if len(body.Chart.Result) == 0 {
		return nil, errors.New("chart response has no result")
	}
	return &body.Chart.Result[0], nil
}

// rangeFor picks the smallest chart range holding lookback trading days.
func rangeFor(lookback int) string {
	switch {
	case lookback <= 20:
		return "1mo"
	case lookback <= 60:
		return "3mo"
	case lookback <= 120:
		return "6mo"
	case lookback <= 250:
		return "1y"
	case lookback <= 500:
		return "2y"
	case lookback <= 1250:
		return "5y"
	default:
		return "max"
	}
}

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *chartError   `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Meta struct {
		Symbol             string  `json:"symbol"`
		Currency           string  `json:"currency"`
		RegularMarketPrice float64 `json:"regularMarketPrice"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Close  []*float64 `json:"close"`
			Volume []*float64 `json:"volume"`
		} `json:"quote"`
	} `json:"indicators"`
}

type chartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func parseHTTPError(status int, apiErr *chartError, payload []byte) error {
	if apiErr != nil {
		if apiErr.Description != "" {
			return fmt.Errorf("yahoo api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Code != "" {
			return fmt.Errorf("yahoo api error (%d): %s", status, apiErr.Code)
		}
	}
	if len(payload) > 0 {
		body := strings.TrimSpace(string(payload))
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("yahoo api error (%d): %s", status, body)
	}
	return fmt.Errorf("yahoo api error (%d)", status)
}

var _ Provider = (*Yahoo)(nil)
