package api

import (
	"crypto/hmac"
	"net/http"

	"github.com/gin-gonic/gin"
)

// authMiddleware rejects requests whose token doesn't constant-time-match
// the configured one, following auth.py's TokenAuthenticator.validate,
// which deliberately uses hmac.compare_digest instead of "==" so timing
// can't leak how many leading bytes matched.
func (s *State) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" || !hmac.Equal([]byte(token), []byte(s.Token)) {
			if s.Audit != nil {
				s.Audit.Record(AuditEntry{Time: s.Now(), Status: http.StatusUnauthorized, Message: "authentication failed", RequestID: requestID(c)})
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Next()
	}
}
