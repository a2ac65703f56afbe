package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/logger"
)

const userContextKey = "user"

// authMiddleware accepts a bearer token in the Authorization header or, for
// EventSource and WebSocket clients that cannot set headers, in the "token"
// query parameter.
func (s *RESTServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if len(token) > 7 && strings.EqualFold(token[:7], "Bearer ") {
			token = token[7:]
		}
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No authentication token provided"})
			return
		}

		user, err := s.tokens.Verify(token)
		if err != nil {
			logger.Debugf("Rejected token from %s: %v", c.ClientIP(), err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		c.Set(userContextKey, user)
		c.Next()
	}
}

// currentUser returns the user authMiddleware stored on c.
func currentUser(c *gin.Context) domain.User {
	if v, ok := c.Get(userContextKey); ok {
		if u, ok := v.(domain.User); ok {
			return u
		}
	}
	return domain.User{}
}

// loadManagedMap loads the :id map and checks the current user may manage it.
// On failure the response is written and ok is false.
func (s *RESTServer) loadManagedMap(c *gin.Context) (m domain.Map, ok bool) {
	mapID, ok := parseIDParam(c, "id")
	if !ok {
		return domain.Map{}, false
	}
	return s.authorizeMap(c, mapID)
}

// authorizeMap loads mapID and checks the current user may manage it.
func (s *RESTServer) authorizeMap(c *gin.Context, mapID int64) (domain.Map, bool) {
	m, err := s.repo.GetMap(c.Request.Context(), mapID)
	if err != nil {
		respondStoreError(c, "Map", err)
		return domain.Map{}, false
	}
	if !currentUser(c).CanManageMap(m) {
		respondForbidden(c)
		return domain.Map{}, false
	}
	return m, true
}

// requireRoot rejects everyone but root.
func requireRoot() gin.HandlerFunc {
	return func(c *gin.Context) {
		if currentUser(c).Role != domain.RoleRoot {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrMsgAccessDenied})
			return
		}
		c.Next()
	}
}
