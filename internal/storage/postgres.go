package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"position-exit-alerts/internal/config"
)

const (
	upsertPeakSQL = `INSERT INTO position_peaks (position_id, ticker, peak, updated_at)
    VALUES ($1,$2,$3,$4)
    ON CONFLICT (position_id) DO UPDATE
    SET ticker     = EXCLUDED.ticker,
        peak       = EXCLUDED.peak,
        updated_at = EXCLUDED.updated_at;`

	listPeaksSQL = `SELECT position_id, peak::text FROM position_peaks;`

	upsertExitStateSQL = `INSERT INTO exit_states (
        position_id,
        status,
        last_decision,
        trigger_reason,
        triggered_at,
        last_notified_at,
        consecutive_failures,
        unmonitorable,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (position_id) DO UPDATE
    SET
        status               = EXCLUDED.status,
        last_decision        = EXCLUDED.last_decision,
        trigger_reason       = EXCLUDED.trigger_reason,
        triggered_at         = EXCLUDED.triggered_at,
        last_notified_at     = EXCLUDED.last_notified_at,
        consecutive_failures = EXCLUDED.consecutive_failures,
        unmonitorable        = EXCLUDED.unmonitorable,
        updated_at           = EXCLUDED.updated_at;`

	listExitStatesSQL = `SELECT
        position_id,
        status,
        last_decision,
        trigger_reason,
        triggered_at,
        last_notified_at,
        consecutive_failures,
        unmonitorable,
        updated_at
    FROM exit_states
    ORDER BY position_id;`

	insertNotificationSQL = `INSERT INTO notifications (
        event_id,
        kind,
        position_id,
        ticker,
        reason,
        detail,
        price,
        decided_at,
        attempted,
        succeeded,
        failed
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (event_id) DO UPDATE
    SET attempted = EXCLUDED.attempted,
        succeeded = EXCLUDED.succeeded,
        failed    = EXCLUDED.failed
    RETURNING id, created_at;`

	listRecentNotificationsSQL = `SELECT
        id,
        event_id,
        kind,
        position_id,
        ticker,
        reason,
        detail,
        price::text,
        decided_at,
        attempted,
        succeeded,
        failed,
        created_at
    FROM notifications
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	deleteNotificationsBeforeSQL = `DELETE FROM notifications WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// OpenPostgres connects a pool and wraps it.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewPostgresStore(pool), nil
}

// NewPostgresStore wires a pgx pool into a Store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Backend() string { return "postgres" }

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates missing tables.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range statements(postgresSchema) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Best effort: the session lock also ends when the connection does.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SavePeak upserts the peak of one position.
func (s *PostgresStore) SavePeak(ctx context.Context, rec PeakRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if _, err := pool.Exec(ctx, upsertPeakSQL, rec.PositionID, rec.Ticker, rec.Peak.String(), rec.UpdatedAt); err != nil {
		return fmt.Errorf("upsert peak: %w", err)
	}
	return nil
}

// LoadPeaks returns every stored peak keyed by position identifier.
func (s *PostgresStore) LoadPeaks(ctx context.Context) (map[string]decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listPeaksSQL)
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
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return peaks, nil
}

// SaveExitState upserts one exit state.
func (s *PostgresStore) SaveExitState(ctx context.Context, rec ExitStateRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if _, err := pool.Exec(ctx, upsertExitStateSQL,
		rec.PositionID,
		rec.Status,
		rec.LastDecision,
		rec.TriggerReason,
		rec.TriggeredAt,
		rec.LastNotifiedAt,
		rec.ConsecutiveFailures,
		rec.Unmonitorable,
		rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert exit state: %w", err)
	}
	return nil
}

// LoadExitStates lists all stored exit states.
func (s *PostgresStore) LoadExitStates(ctx context.Context) ([]ExitStateRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listExitStatesSQL)
	if err != nil {
		return nil, fmt.Errorf("list exit states: %w", err)
	}
	defer rows.Close()

	var out []ExitStateRecord
	for rows.Next() {
		rec, err := scanExitState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// InsertNotification records a dispatched event. Re-inserting the same event
// identifier updates its delivery outcome.
func (s *PostgresStore) InsertNotification(ctx context.Context, rec NotificationRecord) (NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return NotificationRecord{}, err
	}

	var price *string
	if rec.Price != nil {
		p := rec.Price.String()
		price = &p
	}

	row := pool.QueryRow(ctx, insertNotificationSQL,
		rec.EventID,
		rec.Kind,
		rec.PositionID,
		rec.Ticker,
		rec.Reason,
		rec.Detail,
		price,
		rec.DecidedAt,
		nonNil(rec.Attempted),
		nonNil(rec.Succeeded),
		nonNil(rec.Failed),
	)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return NotificationRecord{}, fmt.Errorf("insert notification: %w", err)
	}
	return rec, nil
}

// ListRecentNotifications lists the most recent notifications first.
func (s *PostgresStore) ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentNotificationsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent notifications: %w", err)
	}
	defer rows.Close()

	out := make([]NotificationRecord, 0, limit)
	for rows.Next() {
		var (
			rec   NotificationRecord
			price sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.EventID,
			&rec.Kind,
			&rec.PositionID,
			&rec.Ticker,
			&rec.Reason,
			&rec.Detail,
			&price,
			&rec.DecidedAt,
			&rec.Attempted,
			&rec.Succeeded,
			&rec.Failed,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if price.Valid {
			p, err := parseDecimal("price", price.String)
			if err != nil {
				return nil, err
			}
			rec.Price = &p
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// DeleteNotificationsBefore deletes historical notifications.
func (s *PostgresStore) DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteNotificationsBeforeSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete notifications before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanExitState(rows pgx.Rows) (ExitStateRecord, error) {
	var (
		rec          ExitStateRecord
		triggeredAt  sql.NullTime
		lastNotified sql.NullTime
	)
	if err := rows.Scan(
		&rec.PositionID,
		&rec.Status,
		&rec.LastDecision,
		&rec.TriggerReason,
		&triggeredAt,
		&lastNotified,
		&rec.ConsecutiveFailures,
		&rec.Unmonitorable,
		&rec.UpdatedAt,
	); err != nil {
		return ExitStateRecord{}, err
	}
	rec.TriggeredAt = nullTime(triggeredAt)
	rec.LastNotifiedAt = nullTime(lastNotified)
	return rec, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var (
	_ Store          = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
