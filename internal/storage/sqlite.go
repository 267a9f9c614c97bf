package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore is the single-file Store for local deployments.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer avoids SQLITE_BUSY between the tick's concurrent saves.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Backend() string { return "sqlite" }

func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// EnsureSchema creates missing tables.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	for _, stmt := range statements(sqliteSchema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SavePeak(ctx context.Context, rec PeakRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO position_peaks (position_id, ticker, peak, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (position_id) DO UPDATE SET
			ticker = excluded.ticker, peak = excluded.peak, updated_at = excluded.updated_at`,
		rec.PositionID, rec.Ticker, rec.Peak.String(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert peak: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadPeaks(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT position_id, peak FROM position_peaks`)
	if err != nil {
		return nil, fmt.Errorf("list peaks: %w", err)
	}
	defer rows.Close()

	peaks := make(map[string]decimal.Decimal)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		peak, err := parseDecimal("peak", raw)
		if err != nil {
			return nil, err
		}
		peaks[id] = peak
	}
	return peaks, rows.Err()
}

func (s *SQLiteStore) SaveExitState(ctx context.Context, rec ExitStateRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO exit_states (
			position_id, status, last_decision, trigger_reason, triggered_at,
			last_notified_at, consecutive_failures, unmonitorable, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (position_id) DO UPDATE SET
			status = excluded.status,
			last_decision = excluded.last_decision,
			trigger_reason = excluded.trigger_reason,
			triggered_at = excluded.triggered_at,
			last_notified_at = excluded.last_notified_at,
			consecutive_failures = excluded.consecutive_failures,
			unmonitorable = excluded.unmonitorable,
			updated_at = excluded.updated_at`,
		rec.PositionID, rec.Status, rec.LastDecision, rec.TriggerReason,
		utcPtr(rec.TriggeredAt), utcPtr(rec.LastNotifiedAt),
		rec.ConsecutiveFailures, rec.Unmonitorable, rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert exit state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadExitStates(ctx context.Context) ([]ExitStateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT position_id, status, last_decision, trigger_reason,
		triggered_at, last_notified_at, consecutive_failures, unmonitorable, updated_at
		FROM exit_states ORDER BY position_id`)
	if err != nil {
		return nil, fmt.Errorf("list exit states: %w", err)
	}
	defer rows.Close()

	var out []ExitStateRecord
	for rows.Next() {
		var (
			rec                       ExitStateRecord
			triggeredAt, lastNotified sql.NullTime
		)
		if err := rows.Scan(&rec.PositionID, &rec.Status, &rec.LastDecision, &rec.TriggerReason,
			&triggeredAt, &lastNotified, &rec.ConsecutiveFailures, &rec.Unmonitorable, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.TriggeredAt = nullTime(triggeredAt)
		rec.LastNotifiedAt = nullTime(lastNotified)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertNotification(ctx context.Context, rec NotificationRecord) (NotificationRecord, error) {
	attempted, succeeded, failed, err := encodeLists(rec)
	if err != nil {
		return NotificationRecord{}, err
	}
	var price any
	if rec.Price != nil {
		price = rec.Price.String()
	}
	rec.CreatedAt = time.Now().UTC()

	row := s.db.QueryRowContext(ctx, `INSERT INTO notifications (
			event_id, kind, position_id, ticker, reason, detail, price,
			decided_at, attempted, succeeded, failed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			attempted = excluded.attempted,
			succeeded = excluded.succeeded,
			failed = excluded.failed
		RETURNING id`,
		rec.EventID, rec.Kind, rec.PositionID, rec.Ticker, rec.Reason, rec.Detail, price,
		rec.DecidedAt.UTC(), attempted, succeeded, failed, rec.CreatedAt)
	if err := row.Scan(&rec.ID); err != nil {
		return NotificationRecord{}, fmt.Errorf("insert notification: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, event_id, kind, position_id, ticker, reason, detail,
		price, decided_at, attempted, succeeded, failed, created_at
		FROM notifications ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent notifications: %w", err)
	}
	defer rows.Close()

	var out []NotificationRecord
	for rows.Next() {
		var (
			rec                          NotificationRecord
			price                        sql.NullString
			attempted, succeeded, failed string
		)
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Kind, &rec.PositionID, &rec.Ticker, &rec.Reason,
			&rec.Detail, &price, &rec.DecidedAt, &attempted, &succeeded, &failed, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if price.Valid {
			p, err := parseDecimal("price", price.String)
			if err != nil {
				return nil, err
			}
			rec.Price = &p
		}
		for _, pair := range []struct {
			raw string
			dst *[]string
		}{{attempted, &rec.Attempted}, {succeeded, &rec.Succeeded}, {failed, &rec.Failed}} {
			if err := json.Unmarshal([]byte(pair.raw), pair.dst); err != nil {
				return nil, fmt.Errorf("decode channel list: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete notifications before: %w", err)
	}
	return res.RowsAffected()
}

func encodeLists(rec NotificationRecord) (attempted, succeeded, failed string, err error) {
	enc := func(s []string) (string, error) {
		raw, err := json.Marshal(nonNil(s))
		return string(raw), err
	}
	if attempted, err = enc(rec.Attempted); err != nil {
		return
	}
	if succeeded, err = enc(rec.Succeeded); err != nil {
		return
	}
	failed, err = enc(rec.Failed)
	return
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

var _ Store = (*SQLiteStore)(nil)
