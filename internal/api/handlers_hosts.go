package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sk-tech/sysmonitor/internal/apierr"
)

// GetHosts lists registered hosts, optionally including inactive ones,
// matching server.py's /api/hosts?include_inactive=.
func (s *State) GetHosts(c *gin.Context) {
	includeInactive, _ := strconv.ParseBool(c.Query("include_inactive"))
	hosts, err := s.Hosts.List(s.Now(), includeInactive)
	if err != nil {
		fail(c, s, err)
		return
	}
	respond(c, s, http.StatusOK, gin.H{"hosts": hosts, "count": len(hosts), "timestamp": s.Now()})
}

// registerRequest is the POST /api/register body.
type registerRequest struct {
	Hostname string            `json:"hostname"`
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Tags     map[string]string `json:"tags"`
}

// PostRegister upserts host metadata, matching storage.py's register_host
// contract.
func (s *State) PostRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Hostname == "" {
		fail(c, s, apierr.New(apierr.KindClientInput, "missing required field: hostname"))
		return
	}

	now := s.Now()
	if _, err := s.Hosts.Register(req.Hostname, now, req.Version, req.Platform, req.Tags); err != nil {
		fail(c, s, err)
		return
	}
	respond(c, s, http.StatusOK, gin.H{"status": "registered", "hostname": req.Hostname, "timestamp": now})
}
