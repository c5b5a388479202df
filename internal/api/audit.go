package api

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// AuditEntry is one recorded failure, scaled down from the teacher's
// audit_logs table (handlers_audit.go) to just what spec.md's Non-goals
// leave room for: auth failures and server errors, not a full action log.
type AuditEntry struct {
	Time      int64  `json:"time"`
	Status    int    `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// AuditLog is a fixed-capacity ring buffer of recent failures.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	cap     int
	next    int
	full    bool
}

// NewAuditLog returns a ring buffer holding at most capacity entries.
func NewAuditLog(capacity int) *AuditLog {
	return &AuditLog{entries: make([]AuditEntry, capacity), cap: capacity}
}

// Record appends entry, overwriting the oldest once the buffer is full.
func (a *AuditLog) Record(entry AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[a.next] = entry
	a.next = (a.next + 1) % a.cap
	if a.next == 0 {
		a.full = true
	}
}

// Snapshot returns entries oldest-first.
func (a *AuditLog) Snapshot() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.full {
		out := make([]AuditEntry, a.next)
		copy(out, a.entries[:a.next])
		return out
	}
	out := make([]AuditEntry, a.cap)
	copy(out, a.entries[a.next:])
	copy(out[a.cap-a.next:], a.entries[:a.next])
	return out
}

// GetAudit answers GET /api/audit with the recent-failures ring buffer.
func (s *State) GetAudit(c *gin.Context) {
	respond(c, s, http.StatusOK, gin.H{"entries": s.Audit.Snapshot()})
}
