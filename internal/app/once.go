package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"position-exit-alerts/internal/service"
)

// Once evaluates every position a single time and prints the result table.
// It fails when every evaluation failed.
func (a *App) Once(ctx context.Context, opts OnceOptions) error {
	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close()

	now := time.Now()
	if !rt.calendar.IsOpen(now) {
		a.Logger.Warn().Str("market", rt.calendar.Status(now)).Msg("evaluating outside trading hours")
	}

	report, tickErr := rt.svc.Tick(ctx, now)
	writeReport(os.Stdout, report)

	if opts.OutPath != "" {
		if err := writeReportJSON(opts.OutPath, report); err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.OutPath).Msg("decision log written")
	}
	if errors.Is(tickErr, service.ErrAllFailed) {
		return fmt.Errorf("single-shot run: %w", tickErr)
	}
	return tickErr
}

func writeReport(w io.Writer, report service.Report) {
	if report.Skipped {
		fmt.Fprintln(w, "tick skipped: another instance holds the advisory lock")
		return
	}
	if len(report.Rows) == 0 {
		fmt.Fprintln(w, "no enabled positions")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Position\tType\tPrice\tPeak\tSignal\tConf\tAction\tStatus\tReason\tNotified\tError")
	for _, row := range report.Rows {
		price, peak, sig, conf := "-", "-", "-", "-"
		if !row.Price.IsZero() {
			price = row.Price.StringFixed(2)
		}
		if row.Peak != nil {
			peak = row.Peak.StringFixed(2)
		}
		if row.Signal.Class != "" {
			sig = string(row.Signal.Class)
			conf = fmt.Sprintf("%.2f", row.Signal.Confidence)
		}
		errMsg := ""
		if row.Err != nil {
			errMsg = sanitizeInline(row.Err.Error())
		}
		notified := ""
		if row.Notified {
			notified = strings.Join(row.Channels, ",")
			if notified == "" {
				notified = "logged"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.PositionID, row.Type, price, peak, sig, conf,
			row.Action, row.Status, row.Reason, notified, errMsg)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nevaluated %d, failed %d, sell now %d, notified %d\n",
		report.Evaluated, report.Failed, report.SellNow, report.Notified)
}

type reportJSON struct {
	At        time.Time `json:"at"`
	Evaluated int       `json:"evaluated"`
	Failed    int       `json:"failed"`
	SellNow   int       `json:"sell_now"`
	Notified  int       `json:"notified"`
	Decisions []rowJSON `json:"decisions"`
}

type rowJSON struct {
	PositionID string   `json:"position_id"`
	Ticker     string   `json:"ticker"`
	Type       string   `json:"type"`
	Price      string   `json:"price,omitempty"`
	Peak       string   `json:"peak,omitempty"`
	Signal     string   `json:"signal,omitempty"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"signal_reasons,omitempty"`
	Action     string   `json:"action"`
	Status     string   `json:"status"`
	Reason     string   `json:"reason,omitempty"`
	Detail     string   `json:"detail,omitempty"`
	Notified   bool     `json:"notified"`
	Channels   []string `json:"channels,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func writeReportJSON(path string, report service.Report) error {
	out := reportJSON{
		At:        report.At.UTC(),
		Evaluated: report.Evaluated,
		Failed:    report.Failed,
		SellNow:   report.SellNow,
		Notified:  report.Notified,
		Decisions: make([]rowJSON, 0, len(report.Rows)),
	}
	for _, row := range report.Rows {
		r := rowJSON{
			PositionID: row.PositionID,
			Ticker:     row.Ticker,
			Type:       string(row.Type),
			Signal:     string(row.Signal.Class),
			Confidence: row.Signal.Confidence,
			Reasons:    row.Signal.Reasons,
			Action:     string(row.Action),
			Status:     string(row.Status),
			Reason:     row.Reason,
			Detail:     row.Detail,
			Notified:   row.Notified,
			Channels:   row.Channels,
		}
		if !row.Price.IsZero() {
			r.Price = row.Price.String()
		}
		if row.Peak != nil {
			r.Peak = row.Peak.String()
		}
		if row.Err != nil {
			r.Error = row.Err.Error()
		}
		out.Decisions = append(out.Decisions, r)
	}

	if err := ensureDir(path); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}
