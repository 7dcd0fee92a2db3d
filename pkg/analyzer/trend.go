package analyzer

import (
	"math"
	"time"

	"kb-health-agent/pkg/metrics"
)

const trendThresholdPercent = 10

// compareWindows classifies the change from prev to recent. worse is the
// direction-aware sign: for "above" metrics an increase is worse.
func compareWindows(prev, recent []float64, dir Direction) (TrendDirection, float64) {
	if len(prev) == 0 || len(recent) == 0 {
		return TrendStable, 0
	}
	p, r := meanOf(prev), meanOf(recent)

	var change float64
	switch {
	case p != 0:
		change = (r - p) / math.Abs(p) * 100
	case r > 0:
		change = 100
	case r < 0:
		change = -100
	}

	worse := change
	if dir == DirectionBelow {
		worse = -change
	}
	switch {
	case worse > trendThresholdPercent:
		return TrendDegrading, change
	case worse < -trendThresholdPercent:
		return TrendImproving, change
	}
	return TrendStable, change
}

// computeTrend compares the most recent third of the window with the third
// before it and extrapolates the total change over horizon.
func computeTrend(points []metrics.DataPoint, dir Direction, horizon time.Duration) Trend {
	n := len(points)
	if n == 0 {
		return Trend{Direction: TrendStable}
	}
	last := points[n-1]
	trend := Trend{Direction: TrendStable, Prediction: last.Value}

	k := n / 3
	if k > 0 {
		values := valuesOf(points)
		trend.Direction, trend.ChangePercent = compareWindows(values[n-2*k:n-k], values[n-k:], dir)
	}

	elapsed := float64(last.Timestamp-points[0].Timestamp) / 1000
	if elapsed > 0 {
		trend.Velocity = (last.Value - points[0].Value) / elapsed
		trend.Prediction = last.Value + trend.Velocity*horizon.Seconds()
	}
	return trend
}

func valuesOf(points []metrics.DataPoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Value
	}
	return out
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
