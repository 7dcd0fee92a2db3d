package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"kb-health-agent/pkg/analyzer"
)

// AnalysisStore keeps bottleneck history and applied optimizations
type AnalysisStore struct {
	db *Database
}

func NewAnalysisStore(db *Database) *AnalysisStore {
	return &AnalysisStore{db: db}
}

// SaveBottlenecks appends one detection run to the history
func (as *AnalysisStore) SaveBottlenecks(ctx context.Context, bottlenecks []analyzer.Bottleneck) error {
	if len(bottlenecks) == 0 {
		return nil
	}
	err := as.db.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
		for _, b := range bottlenecks {
			payload, err := json.Marshal(b)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO bottleneck_history (id, component, metric, severity, detected_at, payload)
				VALUES (?, ?, ?, ?, ?, ?)`,
				b.ID, b.Component, b.Metric, string(b.Severity), b.DetectedAt.UnixMilli(), string(payload),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return persistErr("save bottlenecks", err)
	}
	return nil
}

// ListBottlenecks returns history entries detected at or after since, newest first
func (as *AnalysisStore) ListBottlenecks(ctx context.Context, since time.Time, limit int) ([]analyzer.Bottleneck, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := as.db.db.QueryContext(ctx, `
		SELECT payload FROM bottleneck_history
		WHERE detected_at >= ?
		ORDER BY detected_at DESC
		LIMIT ?`,
		since.UnixMilli(), limit,
	)
	if err != nil {
		return nil, persistErr("list bottlenecks", err)
	}
	defer rows.Close()

	var out []analyzer.Bottleneck
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, persistErr("scan bottleneck", err)
		}
		var b analyzer.Bottleneck
		if err := json.Unmarshal([]byte(payload), &b); err != nil {
			continue // Skip unreadable history rows
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate bottlenecks", err)
	}
	return out, nil
}

// DeleteBottlenecksBefore prunes history older than cutoff
func (as *AnalysisStore) DeleteBottlenecksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := as.db.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM bottleneck_history WHERE detected_at < ?", cutoff.UnixMilli())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, persistErr("delete bottlenecks", err)
	}
	return deleted, nil
}

// SaveOptimization records an applied recommendation
func (as *AnalysisStore) SaveOptimization(ctx context.Context, opt analyzer.AppliedOptimization) error {
	err := as.db.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO applied_optimizations (
				id, recommendation_id, bottleneck_id, component, title, status, detail, applied_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			opt.ID, opt.RecommendationID, opt.BottleneckID, opt.Component,
			opt.Title, opt.Status, opt.Detail, opt.AppliedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return persistErr("save optimization", err)
	}
	return nil
}

// ListOptimizations returns applied optimizations, newest first
func (as *AnalysisStore) ListOptimizations(ctx context.Context, limit int) ([]analyzer.AppliedOptimization, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := as.db.db.QueryContext(ctx, `
		SELECT id, recommendation_id, bottleneck_id, component, title, status, detail, applied_at
		FROM applied_optimizations
		ORDER BY applied_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, persistErr("list optimizations", err)
	}
	defer rows.Close()

	var out []analyzer.AppliedOptimization
	for rows.Next() {
		var opt analyzer.AppliedOptimization
		var appliedAt int64
		if err := rows.Scan(&opt.ID, &opt.RecommendationID, &opt.BottleneckID, &opt.Component,
			&opt.Title, &opt.Status, &opt.Detail, &appliedAt); err != nil {
			return nil, persistErr("scan optimization", err)
		}
		opt.AppliedAt = time.UnixMilli(appliedAt)
		out = append(out, opt)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate optimizations", err)
	}
	return out, nil
}
