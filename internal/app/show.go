package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"position-exit-alerts/internal/position"
)

// Show prints recently dispatched notifications.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show notifications")
	}
	defer closeStore()

	records, err := store.ListRecentNotifications(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no notifications found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Decided (UTC)\tKind\tPosition\tReason\tPrice\tSucceeded\tFailed")
	for _, rec := range records {
		price := "-"
		if rec.Price != nil {
			price = rec.Price.StringFixed(2)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.DecidedAt.UTC().Format(time.RFC3339),
			rec.Kind,
			rec.PositionID,
			rec.Reason,
			price,
			strings.Join(rec.Succeeded, ","),
			sanitizeInline(strings.Join(rec.Failed, "; ")),
		)
	}

	writer.Flush()
	return nil
}

// Positions validates the positions file and lists it.
func (a *App) Positions(ctx context.Context) error {
	reg, err := a.loadRegistry()
	if err != nil {
		return err
	}
	positions := reg.List()
	if len(positions) == 0 {
		fmt.Fprintln(os.Stdout, "no positions configured")
		return nil
	}

	now := time.Now()
	loc, err := time.LoadLocation(a.Config.Timezone())
	if err != nil {
		loc = time.UTC
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTicker\tType\tStrike\tExpiry\tDTE\tEntry\tBreakeven\tPeak\tQty\tEnabled")
	for _, p := range positions {
		strike, expiry, dte, breakeven, peak := "-", "-", "-", "-", "-"
		if p.Strike != nil {
			strike = p.Strike.String()
			if p.ShortStrike != nil {
				strike += "/" + p.ShortStrike.String()
			}
		}
		if p.Expiry != nil {
			expiry = p.Expiry.Format(position.DateLayout)
		}
		if d, ok := p.DaysToExpiry(now, loc); ok {
			dte = fmt.Sprintf("%d", d)
		}
		if be, ok := p.Breakeven(); ok {
			breakeven = be.StringFixed(2)
		}
		if p.PreviousPeak != nil {
			peak = p.PreviousPeak.String()
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%t\n",
			p.ID, p.Ticker, p.Type, strike, expiry, dte, p.EntryPrice.String(), breakeven, peak, p.Quantity, p.Enabled)
	}
	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
