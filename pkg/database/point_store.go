package database

import (
	"context"
	"database/sql"

	"kb-health-agent/pkg/metrics"
)

// PointStore persists raw data points
type PointStore struct {
	db *Database
}

// NewPointStore creates a new point store
func NewPointStore(db *Database) *PointStore {
	return &PointStore{db: db}
}

// InsertPoints writes a batch in a single transaction. Points whose Seq is
// already stored are skipped, so retrying a batch is safe.
func (ps *PointStore) InsertPoints(ctx context.Context, points []metrics.DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	err := ps.db.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO raw_points (seq, metric, ts, value, labels) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range points {
			if _, err := stmt.ExecContext(ctx, p.Seq, p.Metric, p.Timestamp, p.Value, p.Labels.JSON()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return persistErr("insert points", err)
	}
	return nil
}

// PointsInRange returns points of metric with start <= ts < end ordered by (ts, seq)
func (ps *PointStore) PointsInRange(ctx context.Context, metric string, start, end int64) ([]metrics.DataPoint, error) {
	rows, err := ps.db.db.QueryContext(ctx, `
		SELECT seq, metric, ts, value, labels
		FROM raw_points
		WHERE metric = ? AND ts >= ? AND ts < ?
		ORDER BY ts, seq`,
		metric, start, end,
	)
	if err != nil {
		return nil, persistErr("query points", err)
	}
	return scanPoints(rows)
}

// RecentPoints returns the newest n points of metric in ascending time order
func (ps *PointStore) RecentPoints(ctx context.Context, metric string, n int) ([]metrics.DataPoint, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := ps.db.db.QueryContext(ctx, `
		SELECT seq, metric, ts, value, labels FROM (
			SELECT seq, metric, ts, value, labels
			FROM raw_points
			WHERE metric = ?
			ORDER BY ts DESC, seq DESC
			LIMIT ?
		) ORDER BY ts, seq`,
		metric, n,
	)
	if err != nil {
		return nil, persistErr("query recent points", err)
	}
	return scanPoints(rows)
}

// PointsAbove returns points of metric at or after since whose value exceeds threshold, slowest first
func (ps *PointStore) PointsAbove(ctx context.Context, metric string, threshold float64, since int64, limit int) ([]metrics.DataPoint, error) {
	rows, err := ps.db.db.QueryContext(ctx, `
		SELECT seq, metric, ts, value, labels
		FROM raw_points
		WHERE metric = ? AND ts >= ? AND value > ?
		ORDER BY value DESC, ts DESC
		LIMIT ?`,
		metric, since, threshold, limit,
	)
	if err != nil {
		return nil, persistErr("query slow points", err)
	}
	return scanPoints(rows)
}

// CountPoints returns the number of stored points of metric
func (ps *PointStore) CountPoints(ctx context.Context, metric string) (int64, error) {
	var count int64
	err := ps.db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM raw_points WHERE metric = ?", metric).Scan(&count)
	if err != nil {
		return 0, persistErr("count points", err)
	}
	return count, nil
}

// DeleteBefore removes points of metric older than cutoff (ms) and returns the number deleted
func (ps *PointStore) DeleteBefore(ctx context.Context, metric string, cutoff int64) (int64, error) {
	var deleted int64
	err := ps.db.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM raw_points WHERE metric = ? AND ts < ?", metric, cutoff)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, persistErr("delete points", err)
	}
	return deleted, nil
}

// MaxSeq returns the highest stored sequence number (0 when empty)
func (ps *PointStore) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := ps.db.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM raw_points").Scan(&seq); err != nil {
		return 0, persistErr("max seq", err)
	}
	return seq.Int64, nil
}

func scanPoints(rows *sql.Rows) ([]metrics.DataPoint, error) {
	defer rows.Close()

	var points []metrics.DataPoint
	for rows.Next() {
		var p metrics.DataPoint
		var labels string
		if err := rows.Scan(&p.Seq, &p.Metric, &p.Timestamp, &p.Value, &labels); err != nil {
			return nil, persistErr("scan point", err)
		}
		parsed, err := metrics.ParseLabelsJSON(labels)
		if err != nil {
			continue // Skip rows with corrupt labels
		}
		p.Labels = parsed
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate points", err)
	}
	return points, nil
}
