package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sk-tech/sysmonitor/internal/apierr"
	"github.com/sk-tech/sysmonitor/internal/storage"
)

// sampleWire is the wire shape for one sample in a POST /api/metrics batch,
// matching spec.md §6's documented format.
type sampleWire struct {
	Timestamp  int64   `json:"timestamp"`
	MetricType string  `json:"metric_type"`
	Value      float64 `json:"value"`
	Tags       string  `json:"tags"`
}

type postMetricsRequest struct {
	Hostname string       `json:"hostname"`
	Metrics  []sampleWire `json:"metrics"`
}

// PostMetrics ingests a batch, atomically marking the host active in the
// same transaction (spec.md §4.1 bullet 3), matching server.py's do_POST
// /api/metrics validation of required fields.
func (s *State) PostMetrics(c *gin.Context) {
	var req postMetricsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, s, apierr.New(apierr.KindClientInput, "invalid request body"))
		return
	}
	if req.Hostname == "" {
		fail(c, s, apierr.New(apierr.KindClientInput, "missing required field: hostname"))
		return
	}
	if len(req.Metrics) == 0 {
		fail(c, s, apierr.New(apierr.KindClientInput, "missing required field: metrics"))
		return
	}

	samples := make([]storage.Sample, len(req.Metrics))
	for i, m := range req.Metrics {
		samples[i] = storage.Sample{Timestamp: m.Timestamp, MetricType: m.MetricType, Tags: m.Tags, Value: m.Value}
	}

	now := s.Now()
	success, failed, err := s.Samples.WriteBatch(req.Hostname, now, samples)
	if err != nil {
		fail(c, s, err)
		return
	}
	if s.Hub != nil {
		s.Hub.Broadcast(hostEventJSON(req.Hostname, now))
	}
	respond(c, s, http.StatusOK, gin.H{
		"status":           "success",
		"hostname":         req.Hostname,
		"metrics_received": len(req.Metrics),
		"metrics_stored":   success,
		"metrics_failed":   failed,
		"timestamp":        now,
	})
}

// GetMetrics answers GET /api/metrics, the dynamic-WHERE range query from
// storage.py's get_host_metrics.
func (s *State) GetMetrics(c *gin.Context) {
	q := storage.Query{
		Host:       c.Query("host"),
		MetricType: c.Query("metric_type"),
	}
	if v := c.Query("start"); v != "" {
		q.Start, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := c.Query("end"); v != "" {
		q.End, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := c.Query("limit"); v != "" {
		limit, _ := strconv.Atoi(v)
		q.Limit = limit
	}

	samples, err := s.Samples.Range(q)
	if err != nil {
		fail(c, s, err)
		return
	}
	respond(c, s, http.StatusOK, gin.H{
		"host":      q.Host,
		"metrics":   samples,
		"count":     len(samples),
		"timestamp": s.Now(),
	})
}

// GetLatest answers GET /api/latest, matching storage.py's
// get_latest_metrics for both the host-scoped and fleet-wide cases.
func (s *State) GetLatest(c *gin.Context) {
	samples, err := s.Samples.Latest(c.Query("host"))
	if err != nil {
		fail(c, s, err)
		return
	}
	respond(c, s, http.StatusOK, gin.H{
		"metrics":   samples,
		"count":     len(samples),
		"timestamp": s.Now(),
	})
}

// GetFleetSummary answers GET /api/fleet/summary, matching storage.py's
// get_fleet_summary.
func (s *State) GetFleetSummary(c *gin.Context) {
	summary, err := s.Samples.FleetSummary(s.Now())
	if err != nil {
		fail(c, s, err)
		return
	}
	respond(c, s, http.StatusOK, summary)
}
