// Package api implements the ingest/query HTTP surface (C6): routing,
// auth, and JSON handlers, following the teacher's gin.New() + route
// group + CORS-middleware shape and the original aggregator's
// AggregatorHandler request dispatch (server.py).
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sk-tech/sysmonitor/internal/apierr"
	"github.com/sk-tech/sysmonitor/internal/detect"
	"github.com/sk-tech/sysmonitor/internal/forecast"
	"github.com/sk-tech/sysmonitor/internal/storage"
)

// Clock lets tests substitute a fixed "now" instead of reaching for
// time.Now directly in every handler.
type Clock func() int64

func systemClock() int64 { return time.Now().Unix() }

// State bundles every dependency a handler needs, mirroring the teacher's
// AppState.
type State struct {
	Samples    *storage.Store
	Hosts      *storage.HostRegistry
	Baselines  *storage.BaselineStore
	Detectors  *detect.Engine
	Now        Clock
	Token      string
	Audit      *AuditLog
	Hub        *Hub
	Version    string
	upgrader   websocket.Upgrader
}

// NewState wires a State with a real wall clock and a ready websocket
// upgrader, matching the teacher's permissive same-origin policy (the
// dashboard and aggregator are served from the same CORS-open surface).
func NewState(samples *storage.Store, hosts *storage.HostRegistry, baselines *storage.BaselineStore, detectors *detect.Engine, token string) *State {
	return &State{
		Samples:   samples,
		Hosts:     hosts,
		Baselines: baselines,
		Detectors: detectors,
		Now:       systemClock,
		Token:     token,
		Audit:     NewAuditLog(200),
		Hub:       NewHub(),
		Version:   "dev",
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Router builds the full gin engine: a CORS/OPTIONS-handling middleware
// layer, public routes, and an auth-gated group, the way the teacher's
// main.go lays out r.Use/r.Group.
func Router(s *State) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(corsMiddleware())

	r.GET("/health", s.Health)

	protected := r.Group("/")
	protected.Use(s.authMiddleware())
	{
		protected.GET("/api/hosts", s.GetHosts)
		protected.GET("/api/metrics", s.GetMetrics)
		protected.GET("/api/latest", s.GetLatest)
		protected.GET("/api/fleet/summary", s.GetFleetSummary)
		protected.POST("/api/metrics", s.PostMetrics)
		protected.POST("/api/register", s.PostRegister)
		protected.POST("/api/ml/train", s.PostTrain)
		protected.GET("/api/ml/detect", s.GetDetect)
		protected.GET("/api/ml/baseline", s.GetBaseline)
		protected.GET("/api/ml/predict", s.GetPredict)
		protected.GET("/api/audit", s.GetAudit)
		protected.GET("/ws/fleet", s.ServeFleetWebsocket)
	}

	return r
}

// requestIDHeader is the header every response carries, so an operator
// can correlate a client-reported failure with an /api/audit entry.
const requestIDHeader = "X-Request-Id"

// requestIDMiddleware stamps every request with a UUID, mirroring the
// correlation-ID convention the teacher's job/connection identifiers use
// elsewhere (e.g. agent connection IDs), generalized here to every request
// rather than just long-lived connections.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

const requestIDKey = "request_id"

func requestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "X-SysMon-Token, Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// respond writes the handler's successful result with the given status.
func respond(c *gin.Context, s *State, status int, body gin.H) {
	c.JSON(status, body)
}

// fail writes err as a JSON error, mapping apierr.Error kinds to their
// fixed HTTP status and everything else to a transient 500, per spec.md §7.
func fail(c *gin.Context, s *State, err error) {
	kind := apierr.KindTransient
	msg := err.Error()
	if apiErr, ok := err.(*apierr.Error); ok {
		kind = apiErr.Kind
	}
	status := kind.Status()
	if status >= http.StatusInternalServerError && s != nil && s.Audit != nil {
		s.Audit.Record(AuditEntry{Time: s.Now(), Status: status, Message: msg, RequestID: requestID(c)})
	}
	c.JSON(status, gin.H{"error": msg})
}

// Health is exempt from auth, matching server.py's health-check handling.
func (s *State) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": s.Now(), "version": s.Version})
}

// extractToken checks X-SysMon-Token first, then an Authorization: Bearer
// header, matching auth.py's extract_from_header order.
func extractToken(c *gin.Context) string {
	if tok := c.GetHeader("X-SysMon-Token"); tok != "" {
		return tok
	}
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
