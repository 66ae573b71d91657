// v0
// internal/analytics/window.go
package analytics

import (
	"math"
	"sort"
	"time"

	"nrgchamp/floorctl/internal/telemetry"
)

// Step is the resampling interval of analysed windows.
const Step = time.Minute

// gapFillLimit is the longest run of missing minutes filled by
// interpolation.
const gapFillLimit = 2

// grid is a dense, minute-aligned view of a window. Missing readings are
// NaN.
type grid struct {
	times []time.Time
	cols  map[string][]float64
}

func (g grid) len() int { return len(g.times) }

func (g grid) has(col string) bool {
	_, ok := g.cols[col]
	return ok
}

func (g grid) col(col string) []float64 {
	return g.cols[col]
}

// resample averages rows into one-minute buckets, inserts empty minutes
// and fills short gaps by linear interpolation.
func resample(frame telemetry.Frame) grid {
	if len(frame) == 0 {
		return grid{cols: map[string][]float64{}}
	}
	rows := append(telemetry.Frame(nil), frame...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })

	start := rows[0].Time.Truncate(Step)
	end := rows[len(rows)-1].Time.Truncate(Step)
	n := int(end.Sub(start)/Step) + 1

	g := grid{times: make([]time.Time, n), cols: map[string][]float64{}}
	for i := range g.times {
		g.times[i] = start.Add(time.Duration(i) * Step)
	}
	sums := map[string][]float64{}
	counts := map[string][]int{}
	for _, r := range rows {
		i := int(r.Time.Truncate(Step).Sub(start) / Step)
		for col, v := range r.Values {
			if math.IsNaN(v) {
				continue
			}
			if _, ok := sums[col]; !ok {
				sums[col] = make([]float64, n)
				counts[col] = make([]int, n)
			}
			sums[col][i] += v
			counts[col][i]++
		}
	}
	for col, s := range sums {
		out := make([]float64, n)
		for i := range out {
			if c := counts[col][i]; c > 0 {
				out[i] = s[i] / float64(c)
			} else {
				out[i] = math.NaN()
			}
		}
		fillGaps(out, gapFillLimit)
		g.cols[col] = out
	}
	return g
}

// fillGaps interpolates up to limit missing values after each valid one.
// Interior gaps interpolate towards the next valid value; trailing gaps
// repeat the last one. Leading gaps stay missing.
func fillGaps(xs []float64, limit int) {
	last := -1
	for i := 0; i < len(xs); i++ {
		if !math.IsNaN(xs[i]) {
			last = i
			continue
		}
		if last < 0 {
			continue
		}
		j := i
		for j < len(xs) && math.IsNaN(xs[j]) {
			j++
		}
		for k := i; k < j && k-i < limit; k++ {
			if j < len(xs) {
				frac := float64(k-last) / float64(j-last)
				xs[k] = xs[last] + (xs[j]-xs[last])*frac
			} else {
				xs[k] = xs[last]
			}
		}
		i = j - 1
	}
}

// scale multiplies a column in place.
func (g grid) scale(col string, factor float64) {
	for i, v := range g.cols[col] {
		g.cols[col][i] = v * factor
	}
}

// powerColumn prefers pt when it carries any energy, else demand.
func (g grid) powerColumn() (string, bool) {
	if g.has("pt") && sum(g.col("pt")) > 0 {
		return "pt", true
	}
	if g.has("demand") {
		return "demand", true
	}
	return "", false
}

func sum(xs []float64) float64 {
	var s float64
	for _, v := range xs {
		if !math.IsNaN(v) {
			s += v
		}
	}
	return s
}

func maxOf(xs []float64) float64 {
	m := math.NaN()
	for _, v := range xs {
		if math.IsNaN(v) {
			continue
		}
		if math.IsNaN(m) || v > m {
			m = v
		}
	}
	return m
}

// quantile uses linear interpolation between closest ranks.
func quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	if lo >= len(s)-1 {
		return s[len(s)-1]
	}
	frac := pos - float64(lo)
	return s[lo] + (s[lo+1]-s[lo])*frac
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
