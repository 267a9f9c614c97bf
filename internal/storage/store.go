package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"position-exit-alerts/internal/config"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")

	//go:embed migrations/postgres.sql
	postgresSchema string
	//go:embed migrations/sqlite.sql
	sqliteSchema string
)

// PeakStore persists position peaks.
type PeakStore interface {
	SavePeak(ctx context.Context, rec PeakRecord) error
	LoadPeaks(ctx context.Context) (map[string]decimal.Decimal, error)
}

// StateStore persists exit states.
type StateStore interface {
	SaveExitState(ctx context.Context, rec ExitStateRecord) error
	LoadExitStates(ctx context.Context) ([]ExitStateRecord, error)
}

// NotificationStore audits dispatched notifications.
type NotificationStore interface {
	InsertNotification(ctx context.Context, rec NotificationRecord) (NotificationRecord, error)
	ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error)
	DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// Store aggregates every persistence concern of the monitor.
type Store interface {
	PeakStore
	StateStore
	NotificationStore
	EnsureSchema(ctx context.Context) error
	Backend() string
	Close()
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Open selects a backend from the DSN: sqlite for "sqlite:" and "file:"
// prefixes or .db/.sqlite paths, PostgreSQL otherwise. An empty DSN returns
// a nil store and no error. The schema is applied before returning.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, nil
	}

	var (
		st  Store
		err error
	)
	if path, ok := sqlitePath(dsn); ok {
		st, err = OpenSQLite(path)
	} else {
		var pg *PostgresStore
		pg, err = OpenPostgres(ctx, cfg)
		st = pg
	}
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func sqlitePath(dsn string) (string, bool) {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "sqlite://"):
		return dsn[len("sqlite://"):], true
	case strings.HasPrefix(lower, "sqlite:"):
		return dsn[len("sqlite:"):], true
	case strings.HasPrefix(lower, "file:"):
		return dsn, true
	case strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"), strings.HasSuffix(lower, ".sqlite3"):
		return dsn, true
	case dsn == ":memory:":
		return dsn, true
	}
	return "", false
}

// statements splits a schema file into individual statements.
func statements(schema string) []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}
