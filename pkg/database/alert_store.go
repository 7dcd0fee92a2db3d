package database

import (
	"context"
	"database/sql"

	"kb-health-agent/pkg/alerting"
)

// AlertStore persists alert events
type AlertStore struct {
	db *Database
}

func NewAlertStore(db *Database) *AlertStore {
	return &AlertStore{db: db}
}

// SaveEvents inserts new events and applies the resolved transition to
// existing ones, all in one transaction. Other columns are never rewritten.
func (as *AlertStore) SaveEvents(ctx context.Context, events []alerting.Event) error {
	if len(events) == 0 {
		return nil
	}
	err := as.db.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			var resolvedAt sql.NullInt64
			if e.Resolved {
				resolvedAt = sql.NullInt64{Int64: e.ResolvedAt, Valid: true}
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO alert_events (
					id, rule_id, metric, ts, severity, value, threshold, message, resolved, resolved_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					resolved = excluded.resolved,
					resolved_at = excluded.resolved_at
				WHERE alert_events.resolved = 0`,
				e.ID, e.RuleID, e.Metric, e.Timestamp, string(e.Severity),
				e.Value, e.Threshold, e.Message, e.Resolved, resolvedAt,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return persistErr("save alert events", err)
	}
	return nil
}

// ListUnresolved returns every open event, oldest first
func (as *AlertStore) ListUnresolved(ctx context.Context) ([]alerting.Event, error) {
	rows, err := as.db.db.QueryContext(ctx, `
		SELECT id, rule_id, metric, ts, severity, value, threshold, message, resolved, resolved_at
		FROM alert_events
		WHERE resolved = 0
		ORDER BY ts`)
	if err != nil {
		return nil, persistErr("list unresolved alerts", err)
	}
	return scanAlertEvents(rows)
}

// ListEvents returns events at or after since, newest first
func (as *AlertStore) ListEvents(ctx context.Context, since int64, limit int) ([]alerting.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := as.db.db.QueryContext(ctx, `
		SELECT id, rule_id, metric, ts, severity, value, threshold, message, resolved, resolved_at
		FROM alert_events
		WHERE ts >= ?
		ORDER BY ts DESC
		LIMIT ?`,
		since, limit,
	)
	if err != nil {
		return nil, persistErr("list alerts", err)
	}
	return scanAlertEvents(rows)
}

// CountActive returns the number of unresolved events
func (as *AlertStore) CountActive(ctx context.Context) (int, error) {
	var count int
	if err := as.db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alert_events WHERE resolved = 0").Scan(&count); err != nil {
		return 0, persistErr("count active alerts", err)
	}
	return count, nil
}

// DeleteResolvedBefore removes resolved events created before cutoff (ms).
// Unresolved events are kept regardless of age.
func (as *AlertStore) DeleteResolvedBefore(ctx context.Context, cutoff int64) (int64, error) {
	var deleted int64
	err := as.db.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM alert_events WHERE resolved = 1 AND ts < ?", cutoff)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, persistErr("delete alerts", err)
	}
	return deleted, nil
}

func scanAlertEvents(rows *sql.Rows) ([]alerting.Event, error) {
	defer rows.Close()

	var events []alerting.Event
	for rows.Next() {
		var e alerting.Event
		var severity string
		var resolvedAt sql.NullInt64
		err := rows.Scan(&e.ID, &e.RuleID, &e.Metric, &e.Timestamp, &severity,
			&e.Value, &e.Threshold, &e.Message, &e.Resolved, &resolvedAt)
		if err != nil {
			return nil, persistErr("scan alert event", err)
		}
		e.Severity = alerting.Severity(severity)
		if resolvedAt.Valid {
			e.ResolvedAt = resolvedAt.Int64
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate alert events", err)
	}
	return events, nil
}
