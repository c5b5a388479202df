package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/sk-tech/sysmonitor/internal/detect"
	"github.com/sk-tech/sysmonitor/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testToken = "test-token-abc123"

func newTestState(t *testing.T) *State {
	t.Helper()
	db, err := storage.Open(t.TempDir() + "/api.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	samples := storage.NewStore(db)
	hosts := storage.NewHostRegistry(db)
	baselines := storage.NewBaselineStore(db, samples)
	engine := detect.NewEngine(samples)

	s := NewState(samples, hosts, baselines, engine, testToken)
	s.Now = func() int64 { return 1700000000 }
	return s
}

func TestHealthDoesNotRequireAuth(t *testing.T) {
	s := newTestState(t)
	router := Router(s)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w.Code)
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	s := newTestState(t)
	router := Router(s)

	req := httptest.NewRequest(http.MethodGet, "/api/hosts", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", w.Code)
	}
}

func TestProtectedRouteAcceptsHeaderToken(t *testing.T) {
	s := newTestState(t)
	router := Router(s)

	req := httptest.NewRequest(http.MethodGet, "/api/hosts", nil)
	req.Header.Set("X-SysMon-Token", testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w.Code)
	}
}

func TestProtectedRouteAcceptsBearerToken(t *testing.T) {
	s := newTestState(t)
	router := Router(s)

	req := httptest.NewRequest(http.MethodGet, "/api/hosts", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w.Code)
	}
}

func TestOptionsPreflightBypassesAuth(t *testing.T) {
	s := newTestState(t)
	router := Router(s)

	req := httptest.NewRequest(http.MethodOptions, "/api/hosts", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("got status %d, want 204", w.Code)
	}
}

func TestPostMetricsMissingHostnameReturns400(t *testing.T) {
	s := newTestState(t)
	router := Router(s)

	body, _ := json.Marshal(postMetricsRequest{Metrics: []sampleWire{{MetricType: "cpu.total_usage", Value: 1}}})
	req := httptest.NewRequest(http.MethodPost, "/api/metrics", bytes.NewReader(body))
	req.Header.Set("X-SysMon-Token", testToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", w.Code)
	}
}

func TestPostMetricsThenLatestRoundTrip(t *testing.T) {
	s := newTestState(t)
	router := Router(s)

	body, _ := json.Marshal(postMetricsRequest{
		Hostname: "web-01",
		Metrics: []sampleWire{
			{Timestamp: 1700000000, MetricType: "cpu.total_usage", Value: 42.0},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/metrics", bytes.NewReader(body))
	req.Header.Set("X-SysMon-Token", testToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /api/metrics: got %d, body=%s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/latest?host=web-01", nil)
	req.Header.Set("X-SysMon-Token", testToken)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/latest: got %d", w.Code)
	}

	var resp struct {
		Metrics   []storage.Sample `json:"metrics"`
		Count     int              `json:"count"`
		Timestamp int64            `json:"timestamp"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Metrics[0].Value != 42.0 {
		t.Fatalf("unexpected latest response: %+v", resp)
	}
}

func TestGetBaselineNotFoundWithoutData(t *testing.T) {
	s := newTestState(t)
	router := Router(s)

	req := httptest.NewRequest(http.MethodGet, "/api/ml/baseline?host=web-01&metric=cpu.total_usage", nil)
	req.Header.Set("X-SysMon-Token", testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", w.Code)
	}
}

func TestHealthResponseShape(t *testing.T) {
	s := newTestState(t)
	s.Version = "1.2.3"
	router := Router(s)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp struct {
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
		Version   string `json:"version"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || resp.Version != "1.2.3" || resp.Timestamp == 0 {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestPostMetricsResponseShape(t *testing.T) {
	s := newTestState(t)
	router := Router(s)

	body, _ := json.Marshal(postMetricsRequest{
		Hostname: "web-01",
		Metrics: []sampleWire{
			{Timestamp: 1700000000, MetricType: "cpu.total_usage", Value: 1.0},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/metrics", bytes.NewReader(body))
	req.Header.Set("X-SysMon-Token", testToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Status          string `json:"status"`
		Hostname        string `json:"hostname"`
		MetricsReceived int    `json:"metrics_received"`
		MetricsStored   int    `json:"metrics_stored"`
		MetricsFailed   int    `json:"metrics_failed"`
		Timestamp       int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "success" || resp.Hostname != "web-01" || resp.MetricsReceived != 1 || resp.MetricsStored != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPostRegisterResponseShape(t *testing.T) {
	s := newTestState(t)
	router := Router(s)

	body, _ := json.Marshal(registerRequest{Hostname: "web-02"})
	req := httptest.NewRequest(http.MethodPost, "/api/register", bytes.NewReader(body))
	req.Header.Set("X-SysMon-Token", testToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Status   string `json:"status"`
		Hostname string `json:"hostname"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "registered" || resp.Hostname != "web-02" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetHostsEmptyReturnsEmptyArrayNotNull(t *testing.T) {
	s := newTestState(t)
	router := Router(s)

	req := httptest.NewRequest(http.MethodGet, "/api/hosts", nil)
	req.Header.Set("X-SysMon-Token", testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got %d, body=%s", w.Code, w.Body.String())
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw["hosts"]) != "[]" {
		t.Fatalf("got hosts=%s, want []", raw["hosts"])
	}
}

func TestGetDetectUsesLatestSampleWithoutValueParam(t *testing.T) {
	s := newTestState(t)
	router := Router(s)

	body, _ := json.Marshal(postMetricsRequest{
		Hostname: "web-01",
		Metrics: []sampleWire{
			{Timestamp: 1700000000, MetricType: "cpu.total_usage", Value: 42.0},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/metrics", bytes.NewReader(body))
	req.Header.Set("X-SysMon-Token", testToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("seed POST /api/metrics: got %d, body=%s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/ml/detect?metric=cpu.total_usage&host=web-01", nil)
	req.Header.Set("X-SysMon-Token", testToken)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/ml/detect: got %d, body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Metric    string         `json:"metric"`
		Host      string         `json:"host"`
		Value     float64        `json:"value"`
		IsAnomaly bool           `json:"is_anomaly"`
		Methods   map[string]any `json:"methods"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Metric != "cpu.total_usage" || resp.Host != "web-01" || resp.Value != 42.0 {
		t.Fatalf("unexpected detect response: %+v", resp)
	}
	if _, ok := resp.Methods["statistical"]; !ok {
		t.Fatalf("expected a statistical entry in methods: %+v", resp.Methods)
	}
}

func TestGetDetectMissingMetricReturns404ForNoData(t *testing.T) {
	s := newTestState(t)
	router := Router(s)

	req := httptest.NewRequest(http.MethodGet, "/api/ml/detect?metric=cpu.total_usage", nil)
	req.Header.Set("X-SysMon-Token", testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", w.Code)
	}
}
