package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/logger"
	"github.com/mescon/panoguard/internal/pipeline"
	"github.com/mescon/panoguard/internal/services"
)

func (s *RESTServer) streamAvailabilityScan(c *gin.Context) {
	s.streamScan(c, domain.ModeAvailability)
}

func (s *RESTServer) streamRefreshScan(c *gin.Context) {
	s.streamScan(c, domain.ModeRefresh)
}

// streamScan runs a scan for the lifetime of the request, writing progress
// frames as server-sent events. Closing the connection stops the scan at the
// next boundary; the client resumes with the offset of its last frame.
func (s *RESTServer) streamScan(c *gin.Context, mode domain.ScanMode) {
	m, ok := s.loadManagedMap(c)
	if !ok {
		return
	}

	var offset int64
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": ErrMsgInvalidOffset})
			return
		}
		offset = n
	}

	sink := newSSESink(c)
	summary, err := s.scanner.Run(c.Request.Context(), services.ScanRequest{
		MapID:   m.ID,
		Mode:    mode,
		Offset:  offset,
		Trigger: services.TriggerAPI,
	}, sink)

	if sink.opened {
		// The stream already carries the outcome as its last frame.
		if err != nil && !errors.Is(err, pipeline.ErrClientGone) {
			logger.Warnf("Scan of map %d (%s) ended with %s: %v", m.ID, mode, summary.State, err)
		}
		return
	}

	switch {
	case err == nil:
		// A scan always emits a start frame; nothing to add.
		c.Status(http.StatusOK)
	case errors.Is(err, services.ErrScanInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": ErrMsgScanInProgress})
	case errors.Is(err, pipeline.ErrInvalidOffset):
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMsgInvalidOffset})
	case errors.Is(err, services.ErrShuttingDown):
		respondServiceUnavailable(c, "Scanner")
	case errors.Is(err, pipeline.ErrClientGone):
		logger.Debugf("Client left before scan of map %d started", m.ID)
	default:
		logger.Errorf("Scan of map %d (%s) failed before streaming: %v", m.ID, mode, err)
		respondWithError(c, http.StatusInternalServerError, ErrMsgInternalError, err)
	}
}

func (s *RESTServer) getActiveScans(c *gin.Context) {
	scans := s.scanner.GetActiveScans()
	user := currentUser(c)
	if user.Role != domain.RoleRoot {
		// Non-root users only see scans of maps they manage
		visible := scans[:0]
		for _, scan := range scans {
			m, err := s.repo.GetMap(c.Request.Context(), scan.MapID)
			if err == nil && user.CanManageMap(m) {
				visible = append(visible, scan)
			}
		}
		scans = visible
	}
	c.JSON(http.StatusOK, scans)
}

func (s *RESTServer) cancelScan(c *gin.Context) {
	scanID := c.Param("scan_id")

	var target *services.ScanProgress
	for _, scan := range s.scanner.GetActiveScans() {
		if scan.ID == scanID {
			target = &scan
			break
		}
	}
	if target == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrMsgScanNotFound})
		return
	}
	if _, ok := s.authorizeMap(c, target.MapID); !ok {
		return
	}

	if err := s.scanner.CancelScan(scanID); err != nil {
		if errors.Is(err, services.ErrScanNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrMsgScanNotFound})
			return
		}
		respondWithError(c, http.StatusInternalServerError, ErrMsgInternalError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Scan cancelled"})
}
