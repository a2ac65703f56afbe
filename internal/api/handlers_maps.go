package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/logger"
	"github.com/mescon/panoguard/internal/services"
)

var errInvalidID = errors.New(ErrMsgInvalidID)

// maxImportBody caps raw import payloads.
const maxImportBody = 8 << 20

// parseIDParam reads a positive int64 path parameter. On failure a 400 is
// written and ok is false.
func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id < 1 {
		respondBadRequest(c, errInvalidID, true)
		return 0, false
	}
	return id, true
}

func (s *RESTServer) getMap(c *gin.Context) {
	mapID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	m, err := s.repo.GetMap(ctx, mapID)
	if err != nil {
		respondStoreError(c, "Map", err)
		return
	}
	total, err := s.repo.CountLocations(ctx, mapID)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	active, err := s.repo.CountActiveLocations(ctx, mapID)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"map":              m,
		"total_locations":  total,
		"active_locations": active,
		"deleted":          total - active,
		"scanning":         s.scanner.IsMapBeingScanned(mapID),
	})
}

func (s *RESTServer) getLocations(c *gin.Context) {
	mapID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.repo.GetMap(ctx, mapID); err != nil {
		respondStoreError(c, "Map", err)
		return
	}

	p := ParsePagination(c, DefaultPaginationConfig())
	includeDeleted := c.Query("include_deleted") == "true"

	var total int64
	var err error
	if includeDeleted {
		total, err = s.repo.CountLocations(ctx, mapID)
	} else {
		total, err = s.repo.CountActiveLocations(ctx, mapID)
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	locations, err := s.repo.ListLocations(ctx, mapID, p.Limit, p.Offset, includeDeleted)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	if locations == nil {
		locations = []domain.Location{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       locations,
		"pagination": NewPaginationResponse(p, total),
	})
}

func (s *RESTServer) getRandomLocation(c *gin.Context) {
	mapID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	loc, err := s.repo.RandomLocation(c.Request.Context(), mapID)
	if err != nil {
		respondStoreError(c, "Location", err)
		return
	}
	c.JSON(http.StatusOK, loc)
}

func (s *RESTServer) addLocations(c *gin.Context) {
	m, ok := s.loadManagedMap(c)
	if !ok {
		return
	}

	var req struct {
		Locations string `json:"locations" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err, false)
		return
	}

	result, err := s.importer.ImportLinks(c.Request.Context(), m.ID, req.Locations)
	s.respondImport(c, m.ID, result, err)
}

func (s *RESTServer) importVali(c *gin.Context) {
	m, ok := s.loadManagedMap(c)
	if !ok {
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImportBody))
	if err != nil {
		respondBadRequest(c, err, false)
		return
	}

	result, err := s.importer.ImportVali(c.Request.Context(), m.ID, payload)
	s.respondImport(c, m.ID, result, err)
}

func (s *RESTServer) respondImport(c *gin.Context, mapID int64, result services.ImportResult, err error) {
	switch {
	case err == nil:
	case errors.Is(err, services.ErrInvalidImport),
		errors.Is(err, services.ErrNoValidLocations),
		errors.Is(err, services.ErrTooManyLines):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "rejected": result.Rejected})
		return
	default:
		logger.Errorf("Import into map %d failed: %v", mapID, err)
		respondDatabaseError(c, err)
		return
	}

	rejected := result.Rejected
	if rejected == nil {
		rejected = []services.RejectedLine{}
	}
	c.JSON(http.StatusOK, gin.H{
		"added":    result.Added,
		"rejected": rejected,
	})
}

func (s *RESTServer) deleteLocation(c *gin.Context) {
	m, ok := s.loadManagedMap(c)
	if !ok {
		return
	}
	locationID, ok := parseIDParam(c, "locationId")
	if !ok {
		return
	}

	if err := s.repo.SoftDeleteLocation(c.Request.Context(), m.ID, locationID); err != nil {
		respondStoreError(c, "Location", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Location deleted", "id": locationID})
}

func (s *RESTServer) restoreLocations(c *gin.Context) {
	m, ok := s.loadManagedMap(c)
	if !ok {
		return
	}

	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err, false)
		return
	}
	if len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMsgNoIDsProvided})
		return
	}

	restored, err := s.repo.RestoreLocations(c.Request.Context(), m.ID, req.IDs)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	if restored > 0 {
		s.publishMapEvent(m.ID, domain.LocationsRestored, restored)
	}
	c.JSON(http.StatusOK, gin.H{"restored": restored})
}

func (s *RESTServer) purgeLocations(c *gin.Context) {
	mapID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.repo.GetMap(ctx, mapID); err != nil {
		respondStoreError(c, "Map", err)
		return
	}
	if s.scanner.IsMapBeingScanned(mapID) {
		c.JSON(http.StatusConflict, gin.H{"error": ErrMsgScanInProgress})
		return
	}

	purged, err := s.repo.PurgeDeletedLocations(ctx, mapID)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	logger.Infof("Purged %d deleted locations from map %d (by user %d)", purged, mapID, currentUser(c).ID)
	if purged > 0 {
		s.publishMapEvent(mapID, domain.LocationsPurged, purged)
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

func (s *RESTServer) publishMapEvent(mapID int64, eventType domain.EventType, count int64) {
	if s.eventBus == nil {
		return
	}
	err := s.eventBus.Publish(domain.Event{
		AggregateType: "map",
		AggregateID:   strconv.FormatInt(mapID, 10),
		EventType:     eventType,
		EventData: map[string]interface{}{
			"map_id": mapID,
			"count":  count,
		},
	})
	if err != nil {
		logger.Debugf("Failed to publish %s for map %d: %v", eventType, mapID, err)
	}
}
