package auth

import (
	"net/http"
	"strings"
	"time"

	"call-dispatcher/pkg/logger"

	"github.com/gin-gonic/gin"
)

const bearerPrefix = "Bearer "

// RequireAccessToken verifies a bearer access token, puts the operator
// identity on the request context and tags the request logger with it.
// Role checks belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return requireAccessToken(m, time.Now)
}

func requireAccessToken(m *Manager, now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		tok, ok := strings.CutPrefix(raw, bearerPrefix)
		if !ok || strings.TrimSpace(tok) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(strings.TrimSpace(tok), TokenTypeAccess, now())
		if err != nil {
			logger.FromGin(c).Debug("access token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.Role)
		reqLogger := logger.FromGin(c).With("user_id", claims.UserID, "role", claims.Role)
		ctx = logger.With(ctx, reqLogger)
		c.Request = c.Request.WithContext(ctx)
		c.Set(logger.GinKey, reqLogger)

		c.Next()
	}
}
