package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"position-exit-alerts/internal/indicator"
)

// chartRow is one exported sample with its moving averages. NaN marks an
// average whose window is not yet full.
type chartRow struct {
	Time     time.Time
	Price    float64
	Volume   float64
	SMAShort float64
	SMALong  float64
}

// Export renders a ticker's recent history as CSV and/or a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Ticker == "" {
		return errors.New("ticker is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)
	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = a.Config.Export.Lookback
	}

	provider, err := a.newProvider()
	if err != nil {
		return err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, a.Config.Scheduler.FetchTimeout)
	defer cancel()
	series, err := provider.PriceSeries(fetchCtx, opts.Ticker, lookback)
	if err != nil {
		return err
	}
	if len(series) == 0 {
		a.Logger.Info().Str("ticker", opts.Ticker).Msg("no samples found for export window")
		return nil
	}

	rows := buildChartRows(series, a.Config.Indicators)
	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Str("ticker", opts.Ticker).Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRowsPNG(opts.PNGPath, opts.Ticker, downsampled, a.Config.Indicators); err != nil {
			return err
		}
	}

	return nil
}

func buildChartRows(series indicator.Series, p indicator.Params) []chartRow {
	prices := series.Prices()
	rows := make([]chartRow, len(series))
	for i, s := range series {
		rows[i] = chartRow{
			Time:     s.Time,
			Price:    s.Price,
			Volume:   s.Volume,
			SMAShort: indicator.SMA(prices[:i+1], p.SMAShort),
			SMALong:  indicator.SMA(prices[:i+1], p.SMALong),
		}
	}
	return rows
}

func downsampleRows(rows []chartRow, max int) []chartRow {
	if max <= 1 || len(rows) <= max {
		return rows
	}

	result := make([]chartRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeRowsCSV(path string, rows []chartRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"date", "close", "volume", "sma_short", "sma_long"}); err != nil {
		return err
	}

	for _, row := range rows {
		record := []string{
			row.Time.UTC().Format(time.RFC3339),
			formatFloat(row.Price),
			formatFloat(row.Volume),
			formatFloat(row.SMAShort),
			formatFloat(row.SMALong),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRowsPNG(path, ticker string, rows []chartRow, p indicator.Params) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	price := make([]float64, len(rows))
	for i, row := range rows {
		x[i] = row.Time
		price[i] = row.Price
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{Name: ticker, XValues: x, YValues: price},
	}
	if sx, sy := averageSeries(rows, func(r chartRow) float64 { return r.SMAShort }); len(sx) > 1 {
		series = append(series, chart.TimeSeries{Name: "SMA " + strconv.Itoa(p.SMAShort), XValues: sx, YValues: sy})
	}
	if lx, ly := averageSeries(rows, func(r chartRow) float64 { return r.SMALong }); len(lx) > 1 {
		series = append(series, chart.TimeSeries{Name: "SMA " + strconv.Itoa(p.SMALong), XValues: lx, YValues: ly})
	}

	graph := chart.Chart{
		Title:  ticker,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

// averageSeries drops the warm-up samples where the average is undefined.
func averageSeries(rows []chartRow, pick func(chartRow) float64) ([]time.Time, []float64) {
	var (
		xs []time.Time
		ys []float64
	)
	for _, r := range rows {
		if v := pick(r); !math.IsNaN(v) {
			xs = append(xs, r.Time)
			ys = append(ys, v)
		}
	}
	return xs, ys
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
