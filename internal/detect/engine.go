package detect

import (
	"errors"
	"sync"

	"github.com/sk-tech/sysmonitor/internal/apierr"
	"github.com/sk-tech/sysmonitor/internal/storage"
)

// minTrainSamples is the floor the isolation-forest fit requires (the
// statistical detector's warm-up is statMinSamples), matching anomaly_detector.py's
// train_metric (it needs >=50 rows before attempting ML training).
const minTrainSamples = 50

var errInsufficientTraining = errors.New("fewer than minimum samples available to train")

// ErrNotTrained is returned by Detect when a (host, metric) key has never
// been trained and lazy training also failed for lack of data.
var ErrNotTrained = apierr.New(apierr.KindNotFound, "no trained model for this host/metric; insufficient history")

// key identifies one independently-trained (host, metric) detector, as in
// anomaly_detector.py's f"{host}:{metric_type}" cache key.
type key struct {
	host   string
	metric string
}

// model bundles the three detectors trained for one (host, metric) pair.
type model struct {
	statistical *Statistical
	trained     *Trained
	mlAvailable bool
}

// Engine orchestrates training and detection across every (host, metric)
// pair, following anomaly_detector.py's AnomalyDetector. Each key gets its
// own mutex so a long training run for one pair never blocks detect calls
// for another (spec.md §5's per-key isolation requirement).
type Engine struct {
	samples *storage.Store

	mu     sync.Mutex // guards the maps below, not the per-key locks themselves
	locks  map[key]*sync.Mutex
	models map[key]*model
}

// NewEngine wraps the sample store Train reads history from.
func NewEngine(samples *storage.Store) *Engine {
	return &Engine{
		samples: samples,
		locks:   make(map[key]*sync.Mutex),
		models:  make(map[key]*model),
	}
}

func (e *Engine) lockFor(k key) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[k]
	if !ok {
		l = &sync.Mutex{}
		e.locks[k] = l
	}
	return l
}

// Train fits the statistical and (if enough data) isolation-forest
// detectors for (host, metricType) against up to limit recent raw samples,
// oldest first. Returns the number of samples used for training.
func (e *Engine) Train(host, metricType string, now int64, limit int) (int, error) {
	k := key{host, metricType}
	lock := e.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	rows, err := e.samples.Range(storage.Query{Host: host, MetricType: metricType, Limit: limit})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, ErrNotTrained
	}

	// rows come back timestamp DESC; detectors expect chronological order.
	values := make([]float64, len(rows))
	for i, r := range rows {
		values[len(rows)-1-i] = r.Value
	}

	stat := NewStatistical()
	for _, v := range values {
		stat.Update(v)
	}

	m := &model{statistical: stat}
	if trained, err := TrainIsolation(values, trainSeed(host, metricType, now)); err == nil {
		m.trained = trained
		m.mlAvailable = true
	} else if !errors.Is(err, errInsufficientTraining) {
		return 0, err
	}

	e.mu.Lock()
	e.models[k] = m
	e.mu.Unlock()

	return len(values), nil
}

// trainSeed derives a deterministic per-(host,metric,now) seed so repeated
// training calls at different times explore different random partitions
// without reaching into a shared global generator.
func trainSeed(host, metric string, now int64) uint64 {
	var h uint64 = 1469598103934665603
	for _, c := range host + "|" + metric {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h ^ uint64(now)
}

// Report is the combined output of every detector that ran for one value,
// keyed by detector name, following anomaly_detector.py's detect() dict.
type Report struct {
	Statistical *Result `json:"statistical"`
	ML          *Result `json:"ml,omitempty"`
	Baseline    *Result `json:"baseline,omitempty"`
	Consensus   bool    `json:"consensus_is_anomaly"`
	Confidence  float64 `json:"consensus_confidence"`
}

// Detect scores value for (host, metricType), lazily training on first use
// the way anomaly_detector.py's detect() does when the key is unknown.
// baseline is optional; pass nil to skip the baseline vote.
func (e *Engine) Detect(host, metricType string, now int64, timestamp int64, value float64, baseline *storage.Baseline, sigma float64) (Report, error) {
	k := key{host, metricType}

	e.mu.Lock()
	m, ok := e.models[k]
	e.mu.Unlock()

	if !ok {
		if _, err := e.Train(host, metricType, now, 1000); err != nil {
			return Report{}, err
		}
		e.mu.Lock()
		m = e.models[k]
		e.mu.Unlock()
	}

	lock := e.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	statRes := m.statistical.Detect(timestamp, value)
	report := Report{Statistical: &statRes}
	m.statistical.Update(value)

	votes, anomalies := 1, 0
	if statRes.IsAnomaly {
		anomalies++
	}

	if m.mlAvailable {
		history := m.statistical.window
		mlRes := m.trained.Detect(history, timestamp, value)
		report.ML = &mlRes
		votes++
		if mlRes.IsAnomaly {
			anomalies++
		}
	}

	if baseline != nil {
		anomalous, score := baseline.IsAnomalous(value, sigma)
		baseRes := Result{
			IsAnomaly:     anomalous,
			Score:         score,
			Threshold:     sigma,
			Timestamp:     timestamp,
			Value:         value,
			ExpectedValue: baseline.Mean,
			Confidence:    clamp01(score / (sigma + 1)),
		}
		report.Baseline = &baseRes
		votes++
		if anomalous {
			anomalies++
		}
	}

	// Majority vote; a tie (including the 0-vote case) resolves to
	// not-anomalous, matching get_consensus's strict ">" comparison.
	report.Consensus = anomalies*2 > votes
	if votes > 0 {
		report.Confidence = float64(anomalies) / float64(votes)
	}
	return report, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// IsTrained reports whether (host, metricType) currently has a model.
func (e *Engine) IsTrained(host, metricType string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.models[key{host, metricType}]
	return ok
}

// Forget drops the trained model for (host, metricType), used when a host
// is removed or its training window is deleted by retention.
func (e *Engine) Forget(host, metricType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.models, key{host, metricType})
}

// TrainAll enumerates every (host, metric_type) pair with data and trains
// each, matching train_all_metrics. Returns the count trained and a map of
// key to error for any that failed outright (not counting insufficient
// data, which is simply skipped).
func (e *Engine) TrainAll(now int64, pairs [][2]string) (trained int, failures map[string]error) {
	failures = make(map[string]error)
	for _, pair := range pairs {
		host, metric := pair[0], pair[1]
		if _, err := e.Train(host, metric, now, 1000); err != nil {
			if errors.Is(err, ErrNotTrained) {
				continue
			}
			failures[host+":"+metric] = err
			continue
		}
		trained++
	}
	return trained, failures
}
