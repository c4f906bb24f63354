package controller

import (
	"sort"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"
)

// latencyWindow is the number of recent resolutions kept for statistics
const latencyWindow = 256

// LatencyStats summarize recent rearrangement resolutions, in microseconds
type LatencyStats struct {
	Count  uint64  `json:"count"`
	Window int     `json:"window"`
	Mean   float64 `json:"mean_us"`
	Median float64 `json:"median_us"`
	P99    float64 `json:"p99_us"`
	Max    float64 `json:"max_us"`
}

// latencies is a lock free ring of resolution times.  One goroutine records;
// any goroutine may summarize.
type latencies struct {
	n  atomic.Uint64
	ns [latencyWindow]atomic.Int64
}

func (l *latencies) record(d time.Duration) {
	i := l.n.Add(1) - 1
	l.ns[i%latencyWindow].Store(int64(d))
}

func (l *latencies) stats() LatencyStats {
	n := l.n.Load()
	w := int(min(n, latencyWindow))
	out := LatencyStats{Count: n, Window: w}
	if w == 0 {
		return out
	}
	xs := make([]float64, w)
	for i := range xs {
		xs[i] = float64(l.ns[i].Load()) / 1e3
	}
	sort.Float64s(xs)
	out.Mean = stat.Mean(xs, nil)
	out.Median = stat.Quantile(0.5, stat.Empirical, xs, nil)
	out.P99 = stat.Quantile(0.99, stat.Empirical, xs, nil)
	out.Max = xs[w-1]
	return out
}
