package service

import (
	"time"

	"github.com/shopspring/decimal"

	"position-exit-alerts/internal/exit"
	"position-exit-alerts/internal/position"
	"position-exit-alerts/internal/signal"
)

// Row is the outcome of one position in one tick.
type Row struct {
	PositionID string
	Ticker     string
	Type       position.Type
	Price      decimal.Decimal
	Signal     signal.Signal
	Action     exit.Action
	Status     exit.Status
	Reason     string
	Detail     string
	Peak       *decimal.Decimal
	Notified   bool
	Channels   []string
	// Skipped rows belong to closed positions and were not evaluated.
	Skipped bool
	Err     error
}

// Report summarises a tick.
type Report struct {
	At        time.Time
	Skipped   bool
	Rows      []Row
	Evaluated int
	Failed    int
	SellNow   int
	Notified  int
}

func (r *Report) summarize() {
	r.Evaluated, r.Failed, r.SellNow, r.Notified = 0, 0, 0, 0
	for _, row := range r.Rows {
		switch {
		case row.Skipped:
			continue
		case row.Err != nil:
			r.Failed++
			continue
		}
		r.Evaluated++
		if row.Action == exit.SellNow {
			r.SellNow++
		}
		if row.Notified {
			r.Notified++
		}
	}
}
