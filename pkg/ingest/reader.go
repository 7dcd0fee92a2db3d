package ingest

import (
	"context"
	"fmt"

	"kb-health-agent/pkg/metrics"
)

// Store is the durable read side the merged reader consults
type Store interface {
	PointsInRange(ctx context.Context, metric string, start, end int64) ([]metrics.DataPoint, error)
	RecentPoints(ctx context.Context, metric string, n int) ([]metrics.DataPoint, error)
}

// MergedReader reads raw points from both the buffer and the store, so
// consumers see points that have not been flushed yet.
type MergedReader struct {
	buffer *Buffer
	store  Store
}

func NewMergedReader(buffer *Buffer, store Store) *MergedReader {
	return &MergedReader{buffer: buffer, store: store}
}

// PointsInRange returns points with start <= ts < end ordered by (ts, seq).
// The buffer is read before the store so a flush committing in between
// leaves its points in at least one of the two sets.
func (r *MergedReader) PointsInRange(ctx context.Context, metric string, start, end int64) ([]metrics.DataPoint, error) {
	var pending []metrics.DataPoint
	for _, p := range r.buffer.Pending(metric) {
		if p.Timestamp >= start && p.Timestamp < end {
			pending = append(pending, p)
		}
	}

	stored, err := r.store.PointsInRange(ctx, metric, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", metric, err)
	}
	return merge(stored, pending), nil
}

// RecentPoints returns the newest n points in ascending time order
func (r *MergedReader) RecentPoints(ctx context.Context, metric string, n int) ([]metrics.DataPoint, error) {
	if n <= 0 {
		return nil, nil
	}
	pending := r.buffer.Pending(metric)
	stored, err := r.store.RecentPoints(ctx, metric, n)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", metric, err)
	}

	all := merge(stored, pending)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// merge unions the two sets, dropping duplicate sequence numbers
func merge(stored, pending []metrics.DataPoint) []metrics.DataPoint {
	seen := make(map[int64]struct{}, len(stored)+len(pending))
	out := make([]metrics.DataPoint, 0, len(stored)+len(pending))
	for _, set := range [][]metrics.DataPoint{stored, pending} {
		for _, p := range set {
			if _, dup := seen[p.Seq]; dup {
				continue
			}
			seen[p.Seq] = struct{}{}
			out = append(out, p)
		}
	}
	metrics.SortPoints(out)
	return out
}
