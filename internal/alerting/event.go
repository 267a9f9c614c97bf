// Package alerting delivers exit decisions to external channels.
package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind distinguishes what an event reports.
type Kind string

const (
	KindExit          Kind = "exit"
	KindUnmonitorable Kind = "unmonitorable"
	KindTest          Kind = "test"
)

// Event is one notification, created once per OPEN to TRIGGERED transition
// or per escalation.
type Event struct {
	ID           string
	Kind         Kind
	PositionID   string
	Ticker       string
	PositionType string
	Reason       string
	Detail       string
	Price        decimal.Decimal
	Peak         *decimal.Decimal
	Signal       string
	Confidence   float64
	Failures     int
	LastError    string
	DecidedAt    time.Time
}

// NewEvent stamps a fresh event identifier.
func NewEvent(kind Kind, positionID, ticker string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Kind: kind, PositionID: positionID, Ticker: ticker, DecidedAt: at}
}

// Message is the channel-neutral rendering of an event.
type Message struct {
	Subject string
	Text    string
}

// Render formats an event for delivery.
func Render(ev Event) Message {
	var b strings.Builder
	var subject string

	switch ev.Kind {
	case KindUnmonitorable:
		subject = fmt.Sprintf("[Unmonitorable] %s", ev.Ticker)
		b.WriteString(subject + "\n")
		b.WriteString(fmt.Sprintf("Position: %s\n", ev.PositionID))
		b.WriteString(fmt.Sprintf("Failed evaluations: %d in a row\n", ev.Failures))
		if ev.LastError != "" {
			b.WriteString(fmt.Sprintf("Last error: %s\n", ev.LastError))
		}
	case KindTest:
		subject = "[Test Alert] exitwatch"
		b.WriteString(subject + "\n")
		if ev.Detail != "" {
			b.WriteString(ev.Detail + "\n")
		}
	default:
		subject = fmt.Sprintf("[Exit Alert] %s %s", ev.Ticker, ev.PositionType)
		b.WriteString(subject + "\n")
		b.WriteString(fmt.Sprintf("Position: %s\n", ev.PositionID))
		b.WriteString("Action: SELL_NOW\n")
		if ev.Detail != "" {
			b.WriteString(fmt.Sprintf("Reason: %s (%s)\n", ev.Reason, ev.Detail))
		} else {
			b.WriteString(fmt.Sprintf("Reason: %s\n", ev.Reason))
		}
		price := fmt.Sprintf("Price: %s", ev.Price.StringFixed(2))
		if ev.Peak != nil {
			price += fmt.Sprintf("  Peak: %s", ev.Peak.StringFixed(2))
		}
		b.WriteString(price + "\n")
		if ev.Signal != "" {
			b.WriteString(fmt.Sprintf("Signal: %s %.2f\n", ev.Signal, ev.Confidence))
		}
	}
	b.WriteString(fmt.Sprintf("Decided: %s UTC\n", ev.DecidedAt.UTC().Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("Event: %s", ev.ID))
	return Message{Subject: subject, Text: b.String()}
}
