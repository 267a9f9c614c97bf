package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"position-exit-alerts/internal/service"
	"position-exit-alerts/internal/signal"
)

// Signal prints the current ranked signal for each ticker.
func (a *App) Signal(ctx context.Context, tickers []string) error {
	if len(tickers) == 0 {
		return errors.New("at least one ticker is required")
	}
	provider, err := a.newProvider()
	if err != nil {
		return err
	}
	analyzer := service.NewMarketAnalyzer(provider, a.Config.Indicators, a.Config.Signals,
		a.Config.MarketData.Lookback, a.Config.Scheduler.FetchTimeout, nil)

	for i, t := range tickers {
		tickers[i] = strings.ToUpper(strings.TrimSpace(t))
	}
	ranked, failed := service.Signals(ctx, analyzer, tickers)
	writeSignals(os.Stdout, ranked, failed)
	if len(ranked) == 0 {
		return errors.New("no signal could be computed")
	}
	return nil
}

func writeSignals(w io.Writer, ranked []signal.Scored, failed map[string]error) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Ticker\tSignal\tConfidence\tReasons")
	for _, s := range ranked {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n", s.Ticker, s.Signal.Class, s.Signal.Confidence, strings.Join(s.Signal.Reasons, "; "))
	}
	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(tw, "%s\tERROR\t-\t%s\n", name, sanitizeInline(failed[name].Error()))
	}
	tw.Flush()
}
