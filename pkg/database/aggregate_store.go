package database

import (
	"context"
	"database/sql"

	"kb-health-agent/pkg/metrics"
)

// AggregateStore persists aggregated buckets
type AggregateStore struct {
	db *Database
}

func NewAggregateStore(db *Database) *AggregateStore {
	return &AggregateStore{db: db}
}

const bucketColumns = `metric, label_key, labels, bucket_start, interval_ms, count, sum, min, max, avg, p50, p95, p99, stddev, updated_at`

// UpsertBuckets writes the buckets in one transaction. An existing bucket with
// the same (metric, label_key, bucket_start) has its statistics replaced.
func (as *AggregateStore) UpsertBuckets(ctx context.Context, buckets []metrics.Bucket) error {
	if len(buckets) == 0 {
		return nil
	}
	err := as.db.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO aggregated_buckets (`+bucketColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(metric, label_key, bucket_start) DO UPDATE SET
				labels = excluded.labels,
				interval_ms = excluded.interval_ms,
				count = excluded.count,
				sum = excluded.sum,
				min = excluded.min,
				max = excluded.max,
				avg = excluded.avg,
				p50 = excluded.p50,
				p95 = excluded.p95,
				p99 = excluded.p99,
				stddev = excluded.stddev,
				updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, b := range buckets {
			_, err := stmt.ExecContext(ctx,
				b.Metric, b.LabelKey, b.Labels.JSON(), b.Start, b.Interval,
				b.Count, b.Sum, b.Min, b.Max, b.Avg, b.P50, b.P95, b.P99, b.StdDev, b.UpdatedAt,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return persistErr("upsert buckets", err)
	}
	return nil
}

// BucketsInRange returns buckets of metric with start <= bucket_start < end, all label sets
func (as *AggregateStore) BucketsInRange(ctx context.Context, metric string, start, end int64) ([]metrics.Bucket, error) {
	rows, err := as.db.db.QueryContext(ctx, `
		SELECT `+bucketColumns+`
		FROM aggregated_buckets
		WHERE metric = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start, label_key`,
		metric, start, end,
	)
	if err != nil {
		return nil, persistErr("query buckets", err)
	}
	return scanBuckets(rows)
}

// GetBucket returns one bucket; found is false when it does not exist
func (as *AggregateStore) GetBucket(ctx context.Context, metric, labelKey string, start int64) (metrics.Bucket, bool, error) {
	rows, err := as.db.db.QueryContext(ctx, `
		SELECT `+bucketColumns+`
		FROM aggregated_buckets
		WHERE metric = ? AND label_key = ? AND bucket_start = ?`,
		metric, labelKey, start,
	)
	if err != nil {
		return metrics.Bucket{}, false, persistErr("get bucket", err)
	}
	buckets, err := scanBuckets(rows)
	if err != nil || len(buckets) == 0 {
		return metrics.Bucket{}, false, err
	}
	return buckets[0], true, nil
}

// LatestBuckets returns the most recent bucket of every label set of metric
func (as *AggregateStore) LatestBuckets(ctx context.Context, metric string) ([]metrics.Bucket, error) {
	rows, err := as.db.db.QueryContext(ctx, `
		SELECT `+bucketColumns+`
		FROM aggregated_buckets b
		WHERE metric = ? AND bucket_start = (
			SELECT MAX(bucket_start) FROM aggregated_buckets
			WHERE metric = b.metric AND label_key = b.label_key
		)
		ORDER BY label_key`,
		metric,
	)
	if err != nil {
		return nil, persistErr("query latest buckets", err)
	}
	return scanBuckets(rows)
}

// DeleteBucketsBefore removes buckets starting before cutoff (ms)
func (as *AggregateStore) DeleteBucketsBefore(ctx context.Context, cutoff int64) (int64, error) {
	var deleted int64
	err := as.db.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM aggregated_buckets WHERE bucket_start < ?", cutoff)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, persistErr("delete buckets", err)
	}
	return deleted, nil
}

func scanBuckets(rows *sql.Rows) ([]metrics.Bucket, error) {
	defer rows.Close()

	var buckets []metrics.Bucket
	for rows.Next() {
		var b metrics.Bucket
		var labels string
		err := rows.Scan(
			&b.Metric, &b.LabelKey, &labels, &b.Start, &b.Interval,
			&b.Count, &b.Sum, &b.Min, &b.Max, &b.Avg, &b.P50, &b.P95, &b.P99, &b.StdDev, &b.UpdatedAt,
		)
		if err != nil {
			return nil, persistErr("scan bucket", err)
		}
		b.Labels, _ = metrics.ParseLabelsJSON(labels)
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate buckets", err)
	}
	return buckets, nil
}
