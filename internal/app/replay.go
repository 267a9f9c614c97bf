package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"position-exit-alerts/internal/exit"
	"position-exit-alerts/internal/indicator"
	"position-exit-alerts/internal/position"
	"position-exit-alerts/internal/signal"
)

// replayStep is the decision the engine would have taken on one sample.
type replayStep struct {
	At      time.Time
	Price   decimal.Decimal
	Signal  signal.Signal
	Outcome exit.Outcome
}

// Replay walks a position's price history through the exit engine without
// sending or persisting anything, printing every state change.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	reg, err := a.loadRegistry()
	if err != nil {
		return err
	}
	pos, ok := reg.Get(opts.PositionID)
	if !ok {
		return fmt.Errorf("%w: %s", position.ErrNotFound, opts.PositionID)
	}

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
	series, err := provider.PriceSeries(fetchCtx, pos.Ticker, lookback)
	if err != nil {
		return err
	}

	loc, err := time.LoadLocation(a.Config.Timezone())
	if err != nil {
		return err
	}
	steps, err := replay(pos, series, a.Config.Indicators, a.Config.Signals, a.Config.Exit, loc, opts.From)
	if err != nil {
		return err
	}
	printReplay(os.Stdout, pos, steps)
	a.Logger.Info().Str("position_id", pos.ID).Int("samples", len(steps)).Msg("replay complete")
	return nil
}

func replay(pos position.Position, series indicator.Series, params indicator.Params, filters signal.Filters, rules exit.Rules, loc *time.Location, from *time.Time) ([]replayStep, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}
	need := params.Required() + 1
	if len(series) < need {
		return nil, &indicator.InsufficientDataError{Have: len(series), Need: need}
	}

	engine := exit.NewEngine(rules, loc)
	var steps []replayStep
	for i := need; i <= len(series); i++ {
		sample := series[i-1]
		if from != nil && sample.Time.Before(*from) {
			continue
		}
		cur, prev, err := indicator.ComputePair(series[:i], params)
		if err != nil {
			return nil, err
		}
		sig := signal.Score(cur, prev, filters)
		price := decimal.NewFromFloat(sample.Price)

		out := engine.Evaluate(pos, exit.Input{Price: price, Signal: sig, Now: sample.Time})
		if out.PeakChanged {
			pos.PreviousPeak = out.Peak
		}
		steps = append(steps, replayStep{At: sample.Time, Price: price, Signal: sig, Outcome: out})
		if out.State.Status == exit.Closed {
			break
		}
	}
	if len(steps) == 0 {
		return nil, errors.New("no samples in the replay window")
	}
	return steps, nil
}

func printReplay(w io.Writer, pos position.Position, steps []replayStep) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Replay %s (%s)\n", pos.ID, pos.Type)
	fmt.Fprintln(tw, "Date\tPrice\tPeak\tSignal\tConf\tAction\tStatus\tReason")

	var (
		lastStatus exit.Status
		triggers   int
	)
	for i, s := range steps {
		changed := s.Outcome.State.Status != lastStatus
		lastStatus = s.Outcome.State.Status
		if s.Outcome.Notify {
			triggers++
		}
		if !changed && i != len(steps)-1 {
			continue
		}
		peak := "-"
		if s.Outcome.Peak != nil {
			peak = s.Outcome.Peak.StringFixed(2)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\t%s\n",
			s.At.Format(position.DateLayout), s.Price.StringFixed(2), peak,
			s.Signal.Class, s.Signal.Confidence, s.Outcome.Action, s.Outcome.State.Status, s.Outcome.Reason)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d samples, %d alerts would have been sent\n", len(steps), triggers)
}
