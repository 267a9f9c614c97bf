package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PeakRecord is the most favorable underlying price seen for a position.
type PeakRecord struct {
	PositionID string
	Ticker     string
	Peak       decimal.Decimal
	UpdatedAt  time.Time
}

// ExitStateRecord persists the exit state machine between restarts.
type ExitStateRecord struct {
	PositionID          string
	Status              string
	LastDecision        string
	TriggerReason       string
	TriggeredAt         *time.Time
	LastNotifiedAt      *time.Time
	ConsecutiveFailures int
	Unmonitorable       bool
	UpdatedAt           time.Time
}

// NotificationRecord is the delivery audit of one dispatched event.
type NotificationRecord struct {
	ID         int64
	EventID    string
	Kind       string
	PositionID string
	Ticker     string
	Reason     string
	Detail     string
	Price      *decimal.Decimal
	DecidedAt  time.Time
	Attempted  []string
	Succeeded  []string
	// Failed holds "channel: error" entries.
	Failed    []string
	CreatedAt time.Time
}
