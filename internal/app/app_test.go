package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-exit-alerts/internal/alerting"
	"position-exit-alerts/internal/config"
	"position-exit-alerts/internal/exit"
	"position-exit-alerts/internal/indicator"
	"position-exit-alerts/internal/markethours"
	"position-exit-alerts/internal/position"
	"position-exit-alerts/internal/service"
	"position-exit-alerts/internal/signal"
)

var day0 = time.Date(2026, 1, 5, 21, 0, 0, 0, time.UTC)

// fallingSeries declines by step per day from start.
func fallingSeries(n int, start, step float64) indicator.Series {
	series := make(indicator.Series, n)
	for i := range series {
		series[i] = indicator.Sample{
			Time:   day0.AddDate(0, 0, i),
			Price:  start - step*float64(i),
			Volume: 1e6,
		}
	}
	return series
}

func sharePosition(stopRef float64) position.Position {
	return position.Position{
		ID:         "AAPL-SHARE",
		Ticker:     "AAPL",
		Type:       position.Share,
		EntryPrice: decimal.NewFromFloat(stopRef),
		EntryDate:  day0,
		Quantity:   10,
		Enabled:    true,
	}
}

func TestReplayTriggersStopLossOnce(t *testing.T) {
	rules := exit.DefaultRules()
	rules.StopLossPct = 0.2
	// every signal is filtered to HOLD so only price rules fire
	filters := signal.Filters{MinPrice: 1000}

	steps, err := replay(sharePosition(100), fallingSeries(130, 100, 0.25), indicator.DefaultParams(), filters, rules, time.UTC, nil)
	require.NoError(t, err)
	require.Len(t, steps, 80)

	assert.True(t, steps[0].Outcome.PeakChanged)
	assert.True(t, decimal.NewFromFloat(87.5).Equal(*steps[0].Outcome.Peak))

	var notified []replayStep
	for _, s := range steps {
		if s.Outcome.Notify {
			notified = append(notified, s)
		}
	}
	require.Len(t, notified, 1)
	assert.Equal(t, exit.ReasonStopLoss, notified[0].Outcome.Reason)
	assert.True(t, decimal.NewFromFloat(79.75).Equal(notified[0].Price))

	last := steps[len(steps)-1].Outcome
	assert.Equal(t, exit.Triggered, last.State.Status)
	assert.Equal(t, exit.SellNow, last.Action)
}

func TestReplayHonorsFrom(t *testing.T) {
	from := day0.AddDate(0, 0, 120)
	steps, err := replay(sharePosition(100), fallingSeries(130, 100, 0.25), indicator.DefaultParams(), signal.Filters{}, exit.DefaultRules(), time.UTC, &from)
	require.NoError(t, err)
	require.Len(t, steps, 10)
	assert.Equal(t, from, steps[0].At)

	late := day0.AddDate(1, 0, 0)
	_, err = replay(sharePosition(100), fallingSeries(130, 100, 0.25), indicator.DefaultParams(), signal.Filters{}, exit.DefaultRules(), time.UTC, &late)
	assert.Error(t, err)
}

func TestReplayStopsWhenExpired(t *testing.T) {
	strike := decimal.NewFromInt(90)
	expiry := day0.AddDate(0, 0, 60)
	pos := position.Position{
		ID:         "AAPL-PUT",
		Ticker:     "AAPL",
		Type:       position.LongPut,
		Strike:     &strike,
		Expiry:     &expiry,
		EntryPrice: decimal.NewFromFloat(3.5),
		EntryDate:  day0,
		Quantity:   1,
		Enabled:    true,
	}

	steps, err := replay(pos, fallingSeries(130, 100, 0.25), indicator.DefaultParams(), signal.Filters{}, exit.DefaultRules(), time.UTC, nil)
	require.NoError(t, err)

	last := steps[len(steps)-1]
	assert.Equal(t, exit.Closed, last.Outcome.State.Status)
	assert.Equal(t, exit.ReasonExpired, last.Outcome.Reason)
	assert.Equal(t, expiry.AddDate(0, 0, 1), last.At)
}

func TestReplayNeedsHistory(t *testing.T) {
	_, err := replay(sharePosition(100), fallingSeries(20, 100, 0.25), indicator.DefaultParams(), signal.Filters{}, exit.DefaultRules(), time.UTC, nil)
	var insufficient *indicator.InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 51, insufficient.Need)
}

func TestPrintReplayCountsAlerts(t *testing.T) {
	rules := exit.DefaultRules()
	rules.StopLossPct = 0.2
	pos := sharePosition(100)
	steps, err := replay(pos, fallingSeries(130, 100, 0.25), indicator.DefaultParams(), signal.Filters{MinPrice: 1000}, rules, time.UTC, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	printReplay(&buf, pos, steps)
	out := buf.String()
	assert.Contains(t, out, "Replay AAPL-SHARE (SHARE)")
	assert.Contains(t, out, "stop-loss")
	assert.Contains(t, out, "80 samples, 1 alerts would have been sent")
}

func sampleReport() service.Report {
	peak := decimal.NewFromFloat(188)
	report := service.Report{
		At: day0,
		Rows: []service.Row{
			{
				PositionID: "QQQ-P-195",
				Ticker:     "QQQ",
				Type:       position.LongPut,
				Price:      decimal.NewFromFloat(190.25),
				Signal:     signal.Signal{Class: signal.Buy, Confidence: 0.72, Reasons: []string{signal.ReasonCrossAbove}},
				Action:     exit.SellNow,
				Status:     exit.Triggered,
				Reason:     exit.ReasonAdverse,
				Peak:       &peak,
				Notified:   true,
				Channels:   []string{"slack"},
			},
			{
				PositionID: "AAPL-SHARE",
				Ticker:     "AAPL",
				Type:       position.Share,
				Err:        errors.New("quote unavailable\nupstream 503"),
			},
		},
		Evaluated: 1,
		Failed:    1,
		SellNow:   1,
		Notified:  1,
	}
	return report
}

func TestWriteReportTable(t *testing.T) {
	var buf bytes.Buffer
	writeReport(&buf, sampleReport())
	out := buf.String()

	assert.Contains(t, out, "QQQ-P-195")
	assert.Contains(t, out, "190.25")
	assert.Contains(t, out, "188.00")
	assert.Contains(t, out, "SELL_NOW")
	assert.Contains(t, out, "slack")
	assert.Contains(t, out, "quote unavailable upstream 503")
	assert.Contains(t, out, "evaluated 1, failed 1, sell now 1, notified 1")

	buf.Reset()
	writeReport(&buf, service.Report{Skipped: true})
	assert.Contains(t, buf.String(), "advisory lock")

	buf.Reset()
	writeReport(&buf, service.Report{})
	assert.Equal(t, "no enabled positions\n", buf.String())
}

func TestWriteReportJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "decisions.json")
	require.NoError(t, writeReportJSON(path, sampleReport()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got reportJSON
	require.NoError(t, json.Unmarshal(raw, &got))

	assert.Equal(t, 1, got.Evaluated)
	assert.Equal(t, 1, got.Failed)
	require.Len(t, got.Decisions, 2)
	assert.Equal(t, "SELL_NOW", got.Decisions[0].Action)
	assert.Equal(t, "190.25", got.Decisions[0].Price)
	assert.Equal(t, "188", got.Decisions[0].Peak)
	assert.Equal(t, []string{"slack"}, got.Decisions[0].Channels)
	assert.Empty(t, got.Decisions[1].Price)
	assert.Contains(t, got.Decisions[1].Error, "quote unavailable")
}

func TestBuildChartRowsWarmUp(t *testing.T) {
	params := indicator.DefaultParams()
	rows := buildChartRows(fallingSeries(60, 100, 0.5), params)
	require.Len(t, rows, 60)

	assert.True(t, math.IsNaN(rows[params.SMAShort-2].SMAShort))
	assert.False(t, math.IsNaN(rows[params.SMAShort-1].SMAShort))
	assert.True(t, math.IsNaN(rows[params.SMALong-2].SMALong))
	assert.InDelta(t, 100-0.5*24.5, rows[params.SMALong-1].SMALong, 1e-9)

	xs, ys := averageSeries(rows, func(r chartRow) float64 { return r.SMALong })
	assert.Len(t, xs, 60-params.SMALong+1)
	assert.Len(t, ys, len(xs))
}

func TestDownsampleRowsKeepsEnds(t *testing.T) {
	rows := buildChartRows(fallingSeries(100, 100, 0.1), indicator.DefaultParams())
	out := downsampleRows(rows, 10)
	require.Len(t, out, 10)
	assert.Equal(t, rows[0].Time, out[0].Time)
	assert.Equal(t, rows[99].Time, out[9].Time)

	assert.Len(t, downsampleRows(rows, 0), 100)
	assert.Len(t, downsampleRows(rows, 500), 100)
}

func TestWriteRowsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "aapl.csv")
	rows := buildChartRows(fallingSeries(25, 100, 1), indicator.DefaultParams())
	require.NoError(t, writeRowsCSV(path, rows))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)

	require.Len(t, records, 26)
	assert.Equal(t, []string{"date", "close", "volume", "sma_short", "sma_long"}, records[0])
	assert.Equal(t, "100.0000", records[1][1])
	assert.Empty(t, records[1][3], "warm-up average is blank")
	assert.Equal(t, "85.5000", records[25][3])
	assert.Empty(t, records[25][4])
}

func TestWriteSignals(t *testing.T) {
	var buf bytes.Buffer
	writeSignals(&buf, []signal.Scored{
		{Ticker: "QQQ", Signal: signal.Signal{Class: signal.Sell, Confidence: 0.8, Reasons: []string{signal.ReasonCrossBelow, signal.ReasonMACDBelow}}},
		{Ticker: "SPY", Signal: signal.Signal{Class: signal.Hold, Confidence: 0.5, Reasons: []string{signal.ReasonNoSignal}}},
	}, map[string]error{"ZZZ": errors.New("not found")})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], "QQQ")
	assert.Contains(t, lines[1], "0.80")
	assert.Contains(t, lines[1], signal.ReasonCrossBelow+"; "+signal.ReasonMACDBelow)
	assert.Contains(t, lines[3], "ERROR")
	assert.Contains(t, lines[3], "not found")
}

// yahooHandler serves a falling daily history for any ticker, quoting last.
func yahooHandler(n int, start, step, last float64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timestamps := make([]int64, n)
		closes := make([]float64, n)
		volumes := make([]float64, n)
		for i := 0; i < n; i++ {
			timestamps[i] = day0.AddDate(0, 0, i).Unix()
			closes[i] = start - step*float64(i)
			volumes[i] = 2e6
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"chart": map[string]any{
				"result": []any{map[string]any{
					"meta":      map[string]any{"regularMarketPrice": last},
					"timestamp": timestamps,
					"indicators": map[string]any{"quote": []any{map[string]any{
						"close":  closes,
						"volume": volumes,
					}}},
				}},
				"error": nil,
			},
		})
	}
}

func TestOnceAlertsOnceAcrossRuns(t *testing.T) {
	yahoo := httptest.NewServer(yahooHandler(130, 100, 0.25, 70))
	defer yahoo.Close()

	var posts atomic.Int32
	slack := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer slack.Close()

	dir := t.TempDir()
	positionsPath := filepath.Join(dir, "positions.yaml")
	require.NoError(t, os.WriteFile(positionsPath, []byte(`positions:
  - id: AAPL-SHARE
    ticker: AAPL
    type: SHARE
    entry_price: 100
    entry_date: "2026-01-05"
    quantity: 10
`), 0o600))

	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(`database:
  dsn: "sqlite://%s"
market_hours:
  enabled: false
marketdata:
  yahoo:
    base_url: %q
positions:
  path: %q
exit:
  stop_loss_pct: 0.2
alerting:
  retry:
    attempts: 1
  slack:
    webhook_url: %q
`, filepath.Join(dir, "state.db"), yahoo.URL, positionsPath, slack.URL)), 0o600))

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	// drop channels picked up from the environment
	cfg.Alerting.Telegram = config.TelegramConfig{}
	cfg.Alerting.Email = alerting.EmailConfig{}

	a := NewApp(cfg, zerolog.Nop())
	out := filepath.Join(dir, "decisions.json")
	require.NoError(t, a.Once(context.Background(), OnceOptions{OutPath: out}))
	assert.EqualValues(t, 1, posts.Load())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var got reportJSON
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got.Decisions, 1)
	assert.Equal(t, "SELL_NOW", got.Decisions[0].Action)
	assert.Equal(t, exit.ReasonStopLoss, got.Decisions[0].Reason)
	assert.True(t, got.Decisions[0].Notified)

	// the second run restores the triggered state and stays quiet
	require.NoError(t, a.Once(context.Background(), OnceOptions{}))
	assert.EqualValues(t, 1, posts.Load())

	require.NoError(t, a.Show(context.Background(), ShowOptions{Limit: 10}))

	// closing persists, so the id stays closed while it is still in the file
	require.Error(t, a.ClosePosition(context.Background(), "MSFT-SHARE"))
	require.NoError(t, a.ClosePosition(context.Background(), "AAPL-SHARE"))
	require.NoError(t, a.Once(context.Background(), OnceOptions{OutPath: out}))
	assert.EqualValues(t, 1, posts.Load())

	raw, err = os.ReadFile(out)
	require.NoError(t, err)
	got = reportJSON{}
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got.Decisions, 1)
	assert.Equal(t, "CLOSED", got.Decisions[0].Status)
	assert.Equal(t, exit.ReasonRemoved, got.Decisions[0].Reason)
}

func TestMeteredGateWarnsOnceWhenHolidaysRunOut(t *testing.T) {
	cfg := markethours.DefaultConfig()
	cfg.Holidays = []string{"2026-01-01"}
	cal, err := markethours.New(cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	gate := &meteredGate{cal: cal, logger: zerolog.New(&buf)}
	gate.IsOpen(time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC))
	gate.IsOpen(time.Date(2026, 10, 15, 15, 0, 0, 0, time.UTC))

	assert.Equal(t, 1, strings.Count(buf.String(), "market_hours.holidays"))
}

func TestLoadRegistryWarnsWithoutStopReference(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`positions:
  - id: QQQ-P-195
    ticker: QQQ
    type: LONG_PUT
    strike: 195
    expiry: "2026-12-18"
    entry_price: 16.05
  - id: SPY-P-500
    ticker: SPY
    type: LONG_PUT
    strike: 500
    expiry: "2026-12-18"
    entry_price: 9.10
    entry_underlying: 512.40
  - id: AAPL-SHARE
    ticker: AAPL
    type: SHARE
    entry_price: 212.30
`), 0o600))

	var buf bytes.Buffer
	a := &App{
		Config: &config.Config{Positions: config.PositionsConfig{Path: path}, Exit: exit.DefaultRules()},
		Logger: zerolog.New(&buf),
	}
	reg, err := a.loadRegistry()
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Len())

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "stop-loss is disabled"))
	assert.Contains(t, out, `"position_id":"QQQ-P-195"`)
}
