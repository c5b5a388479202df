package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sk-tech/sysmonitor/internal/apierr"
	"github.com/sk-tech/sysmonitor/internal/detect"
	"github.com/sk-tech/sysmonitor/internal/forecast"
	"github.com/sk-tech/sysmonitor/internal/storage"
)

const defaultSigma = 3.0

type trainRequest struct {
	Host       string `json:"host"`
	MetricType string `json:"metric_type"`
	All        bool   `json:"all"`
}

// PostTrain trains one (host, metric) pair, or every pair with data when
// "all" is set, matching anomaly_detector.py's train_metric/train_all_metrics.
func (s *State) PostTrain(c *gin.Context) {
	var req trainRequest
	_ = c.ShouldBindJSON(&req)

	now := s.Now()
	if req.All {
		pairs, err := s.Baselines.Distinct()
		if err != nil {
			fail(c, s, err)
			return
		}
		trained, failures := s.Detectors.TrainAll(now, pairs)
		respond(c, s, http.StatusOK, gin.H{"trained": trained, "total": len(pairs), "failures": failures})
		return
	}

	if req.Host == "" || req.MetricType == "" {
		fail(c, s, apierr.New(apierr.KindClientInput, "missing required field: host or metric_type"))
		return
	}
	n, err := s.Detectors.Train(req.Host, req.MetricType, now, 1000)
	if err != nil {
		fail(c, s, err)
		return
	}
	respond(c, s, http.StatusOK, gin.H{"host": req.Host, "metric_type": req.MetricType, "samples_used": n})
}

// GetDetect answers GET /api/ml/detect?metric=&host=&sigma=, scoring the
// latest stored sample for metric rather than a caller-supplied value,
// matching api/server.py's handle_ml_detect: it reads query_db_latest(metric)
// fleet-wide (host only labels the response and the per-host detector/
// baseline lookup), 404s when no sample exists yet, and emits the
// {metric, host, timestamp, value, is_anomaly, confidence, methods} envelope.
func (s *State) GetDetect(c *gin.Context) {
	metric := c.Query("metric")
	if metric == "" {
		fail(c, s, apierr.New(apierr.KindClientInput, "metric parameter required"))
		return
	}
	host := c.Query("host")
	if host == "" {
		host = "localhost"
	}
	sigma := defaultSigma
	if v := c.Query("sigma"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			sigma = parsed
		}
	}

	latest, found, err := s.Samples.LatestForMetric(metric)
	if err != nil {
		fail(c, s, err)
		return
	}
	if !found {
		fail(c, s, apierr.New(apierr.KindNotFound, "no data found for metric"))
		return
	}

	now := s.Now()
	baseline, baselineFound, err := s.Baselines.Get(host, metric, now)
	if err != nil {
		fail(c, s, err)
		return
	}
	var baselinePtr *storage.Baseline
	if baselineFound {
		baselinePtr = &baseline
	}

	report, err := s.Detectors.Detect(host, metric, now, latest.Timestamp, latest.Value, baselinePtr, sigma)
	if err != nil {
		fail(c, s, err)
		return
	}

	methods := gin.H{}
	if report.Statistical != nil {
		methods["statistical"] = detectMethodEnvelope(*report.Statistical)
	}
	if report.ML != nil {
		methods["ml"] = detectMethodEnvelope(*report.ML)
	}
	if report.Baseline != nil {
		methods["baseline"] = detectMethodEnvelope(*report.Baseline)
	}

	respond(c, s, http.StatusOK, gin.H{
		"metric":     metric,
		"host":       host,
		"timestamp":  latest.Timestamp,
		"value":      latest.Value,
		"is_anomaly": report.Consensus,
		"confidence": report.Confidence,
		"methods":    methods,
	})
}

// detectMethodEnvelope narrows a detect.Result to the fields handle_ml_detect
// reports per method (is_anomaly, score, threshold, expected_value).
func detectMethodEnvelope(r detect.Result) gin.H {
	return gin.H{
		"is_anomaly":     r.IsAnomaly,
		"score":          r.Score,
		"threshold":      r.Threshold,
		"expected_value": r.ExpectedValue,
	}
}

// GetBaseline answers GET /api/ml/baseline, matching baseline_learner.py's
// get_baseline (serve fresh cached row, relearn if stale).
func (s *State) GetBaseline(c *gin.Context) {
	host := c.Query("host")
	metric := c.Query("metric")
	if host == "" || metric == "" {
		fail(c, s, apierr.New(apierr.KindClientInput, "missing required query param: host or metric"))
		return
	}

	baseline, found, err := s.Baselines.Get(host, metric, s.Now())
	if err != nil {
		fail(c, s, err)
		return
	}
	if !found {
		fail(c, s, apierr.New(apierr.KindNotFound, "no baseline available for this host/metric"))
		return
	}
	respond(c, s, http.StatusOK, baseline)
}

// GetPredict answers GET /api/ml/predict, the linear forecaster from
// anomaly_detector.py's forecast().
func (s *State) GetPredict(c *gin.Context) {
	host := c.Query("host")
	metric := c.Query("metric")
	if host == "" || metric == "" {
		fail(c, s, apierr.New(apierr.KindClientInput, "missing required query param: host or metric"))
		return
	}
	hours := 24
	if v := c.Query("hours"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			hours = parsed
		}
	}
	horizonStr := c.DefaultQuery("horizon", "1h")
	horizon, err := parseHorizonHours(horizonStr)
	if err != nil {
		fail(c, s, apierr.New(apierr.KindClientInput, "invalid horizon format (use: 1h, 2h, etc.)"))
		return
	}

	result, err := forecast.Predict(s.Samples, host, metric, s.Now(), hours, horizon)
	if err == forecast.ErrInsufficientData {
		fail(c, s, apierr.New(apierr.KindNotFound, "insufficient data to forecast"))
		return
	}
	if err != nil {
		fail(c, s, err)
		return
	}
	respond(c, s, http.StatusOK, result)
}

// parseHorizonHours parses a horizon string like "1h" or "2h" into whole
// hours, matching server.py's int(horizon.rstrip('h')).
func parseHorizonHours(horizon string) (int, error) {
	return strconv.Atoi(strings.TrimSuffix(horizon, "h"))
}
