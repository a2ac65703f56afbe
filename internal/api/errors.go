package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/panoguard/internal/db"
	"github.com/mescon/panoguard/internal/logger"
)

// Standard error messages (don't leak internal details)
const (
	ErrMsgDatabaseError       = "Database error"
	ErrMsgAuthenticationError = "Authentication error"
	ErrMsgInvalidRequest      = "Invalid request"
	ErrMsgNotFound            = "Not found"
	ErrMsgAccessDenied        = "Access denied"
	ErrMsgServiceUnavailable  = "Service unavailable"
	ErrMsgInternalError       = "Internal server error"
	ErrMsgScanNotFound        = "Scan not found"
	ErrMsgScanInProgress      = "A scan of this map is already in progress"
	ErrMsgInvalidOffset       = "offset must be a non-negative integer"
	ErrMsgNoIDsProvided       = "No IDs provided"
	ErrMsgInvalidID           = "Invalid ID"
)

// respondWithError sends a JSON error response and logs the actual error
func respondWithError(c *gin.Context, status int, publicMsg string, err error) {
	if err != nil {
		logger.Debugf("%s: %v", publicMsg, err)
	}
	c.JSON(status, gin.H{"error": publicMsg})
}

// respondDatabaseError handles database errors consistently
func respondDatabaseError(c *gin.Context, err error) {
	respondWithError(c, http.StatusInternalServerError, ErrMsgDatabaseError, err)
}

// respondStoreError maps db.ErrNotFound to 404 for resource and anything
// else to a database error.
func respondStoreError(c *gin.Context, resource string, err error) {
	if errors.Is(err, db.ErrNotFound) {
		respondNotFound(c, resource)
		return
	}
	respondDatabaseError(c, err)
}

// respondBadRequest handles bad request errors, optionally exposing the error message
// Use exposeError=true only for validation errors safe to show users
func respondBadRequest(c *gin.Context, err error, exposeError bool) {
	if exposeError && err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	respondWithError(c, http.StatusBadRequest, ErrMsgInvalidRequest, err)
}

// respondNotFound handles not found errors
func respondNotFound(c *gin.Context, resource string) {
	c.JSON(http.StatusNotFound, gin.H{"error": resource + " not found"})
}

func respondForbidden(c *gin.Context) {
	c.JSON(http.StatusForbidden, gin.H{"error": ErrMsgAccessDenied})
}

// respondServiceUnavailable handles service unavailable errors
func respondServiceUnavailable(c *gin.Context, service string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": service + " not available"})
}
