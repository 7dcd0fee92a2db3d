package metrics

import (
	"math"
	"sort"
)

// Summary holds the statistics of a set of values
type Summary struct {
	Count  int64
	Sum    float64
	Min    float64
	Max    float64
	Avg    float64
	P50    float64
	P95    float64
	P99    float64
	StdDev float64
}

// SortPoints orders points by timestamp then sequence number
func SortPoints(points []DataPoint) {
	sort.SliceStable(points, func(i, j int) bool {
		if points[i].Timestamp != points[j].Timestamp {
			return points[i].Timestamp < points[j].Timestamp
		}
		return points[i].Seq < points[j].Seq
	})
}

// Summarize computes count/sum/min/max/avg/percentiles/stddev over points.
// Points are summed in (timestamp, seq) order so the same input set always
// yields bit-identical results regardless of the order it was read in.
func Summarize(points []DataPoint) Summary {
	if len(points) == 0 {
		return Summary{}
	}

	ordered := make([]DataPoint, len(points))
	copy(ordered, points)
	SortPoints(ordered)

	values := make([]float64, len(ordered))
	s := Summary{
		Count: int64(len(ordered)),
		Min:   math.Inf(1),
		Max:   math.Inf(-1),
	}
	for i, p := range ordered {
		values[i] = p.Value
		s.Sum += p.Value
		if p.Value < s.Min {
			s.Min = p.Value
		}
		if p.Value > s.Max {
			s.Max = p.Value
		}
	}
	s.Avg = s.Sum / float64(s.Count)

	var sq float64
	for _, v := range values {
		d := v - s.Avg
		sq += d * d
	}
	s.StdDev = math.Sqrt(sq / float64(s.Count))

	sort.Float64s(values)
	s.P50 = Percentile(values, 0.50)
	s.P95 = Percentile(values, 0.95)
	s.P99 = Percentile(values, 0.99)

	// avg can drift outside [min, max] by one ulp on constant input
	if s.Avg < s.Min {
		s.Avg = s.Min
	}
	if s.Avg > s.Max {
		s.Avg = s.Max
	}
	return s
}

// Percentile returns the value at index floor(n*q) of an ascending slice
func Percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor(float64(n) * q))
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// Mean returns the arithmetic mean of the point values (0 when empty)
func Mean(points []DataPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	var sum float64
	for _, p := range points {
		sum += p.Value
	}
	return sum / float64(len(points))
}

// Apply copies the summary into a bucket
func (s Summary) Apply(b *Bucket) {
	b.Count = s.Count
	b.Sum = s.Sum
	b.Min = s.Min
	b.Max = s.Max
	b.Avg = s.Avg
	b.P50 = s.P50
	b.P95 = s.P95
	b.P99 = s.P99
	b.StdDev = s.StdDev
}
