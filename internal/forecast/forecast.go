// Package forecast implements the linear trend forecaster (C5), following
// the original aggregator's AnomalyDetector.forecast: a closed-form
// degree-1 least-squares fit over timestamp->value pairs, extrapolated at
// the median sample interval.
package forecast

import (
	"errors"
	"sort"

	"github.com/sk-tech/sysmonitor/internal/storage"
)

// minForecastSamples mirrors forecast()'s implicit requirement that a
// degree-1 fit and an interval estimate both need at least a handful of
// points to be meaningful.
const minForecastSamples = 10

// ErrInsufficientData is returned when fewer than minForecastSamples
// samples are available in the lookback window.
var ErrInsufficientData = errors.New("fewer than minimum samples available to forecast")

// Point is one predicted (timestamp, value) pair.
type Point struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Forecast is the full trend-projection result.
type Forecast struct {
	Slope       float64 `json:"slope"`
	Intercept   float64 `json:"intercept"`
	IntervalSec int64   `json:"interval_seconds"`
	Predictions []Point `json:"predictions"`
}

// Predict fits a linear trend to the last `hours` of raw samples for
// (host, metricType) and projects `horizonHours` forward at the median
// observed sample interval, matching forecast()'s np.polyfit(degree=1) +
// median(np.diff(timestamps)) approach.
func Predict(store *storage.Store, host, metricType string, now int64, hours int, horizonHours int) (Forecast, error) {
	start := now - int64(hours)*3600
	samples, err := store.Range(storage.Query{Host: host, MetricType: metricType, Start: start, End: now, Limit: 1_000_000})
	if err != nil {
		return Forecast{}, err
	}
	if len(samples) < minForecastSamples {
		return Forecast{}, ErrInsufficientData
	}

	// samples come back timestamp DESC; the fit wants chronological order.
	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp < samples[j].Timestamp })

	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = float64(s.Timestamp)
		ys[i] = s.Value
	}
	slope, intercept := leastSquares(xs, ys)
	interval := medianInterval(samples)

	var predictions []Point
	if interval > 0 {
		steps := int(int64(horizonHours)*3600) / int(interval)
		last := samples[len(samples)-1].Timestamp
		for i := 1; i <= steps; i++ {
			ts := last + interval*int64(i)
			predictions = append(predictions, Point{
				Timestamp: ts,
				Value:     slope*float64(ts) + intercept,
			})
		}
	}

	return Forecast{Slope: slope, Intercept: intercept, IntervalSec: interval, Predictions: predictions}, nil
}

// leastSquares solves the degree-1 polynomial fit y = slope*x + intercept
// in closed form; this is four lines of arithmetic with no edge case a
// library would handle better, so it stays on the standard library rather
// than pulling in a solver for it.
func leastSquares(xs, ys []float64) (slope, intercept float64) {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

func medianInterval(samples []storage.Sample) int64 {
	if len(samples) < 2 {
		return 0
	}
	diffs := make([]int64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		d := samples[i].Timestamp - samples[i-1].Timestamp
		if d > 0 {
			diffs = append(diffs, d)
		}
	}
	if len(diffs) == 0 {
		return 0
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i] < diffs[j] })
	mid := len(diffs) / 2
	if len(diffs)%2 == 0 {
		return (diffs[mid-1] + diffs[mid]) / 2
	}
	return diffs[mid]
}
