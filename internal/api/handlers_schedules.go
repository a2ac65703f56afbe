package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/services"
)

func (s *RESTServer) getSchedules(c *gin.Context) {
	m, ok := s.loadManagedMap(c)
	if !ok {
		return
	}

	schedules, err := s.repo.ListSchedules(c.Request.Context(), m.ID)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	out := make([]gin.H, 0, len(schedules))
	for _, sched := range schedules {
		item := gin.H{
			"id":              sched.ID,
			"map_id":          sched.MapID,
			"mode":            sched.Mode,
			"cron_expression": sched.CronExpression,
			"enabled":         sched.Enabled,
		}
		if next, ok := s.scheduler.NextRun(sched.ID); ok && !next.IsZero() {
			item["next_run"] = next
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, out)
}

func (s *RESTServer) addSchedule(c *gin.Context) {
	m, ok := s.loadManagedMap(c)
	if !ok {
		return
	}

	var req struct {
		Mode           string `json:"mode" binding:"required"`
		CronExpression string `json:"cron_expression" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err, false)
		return
	}
	mode, err := domain.ParseScanMode(req.Mode)
	if err != nil {
		respondBadRequest(c, err, true)
		return
	}

	id, err := s.scheduler.AddSchedule(c.Request.Context(), m.ID, mode, req.CronExpression)
	if err != nil {
		respondScheduleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "message": "Schedule added"})
}

// loadManagedSchedule loads the :id schedule and checks the current user may
// manage its map.
func (s *RESTServer) loadManagedSchedule(c *gin.Context) (domain.Schedule, bool) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return domain.Schedule{}, false
	}
	sched, err := s.repo.GetSchedule(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, "Schedule", err)
		return domain.Schedule{}, false
	}
	if _, ok := s.authorizeMap(c, sched.MapID); !ok {
		return domain.Schedule{}, false
	}
	return sched, true
}

func (s *RESTServer) updateSchedule(c *gin.Context) {
	sched, ok := s.loadManagedSchedule(c)
	if !ok {
		return
	}

	var req struct {
		CronExpression string `json:"cron_expression"`
		Enabled        *bool  `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err, false)
		return
	}
	enabled := sched.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	if err := s.scheduler.UpdateSchedule(c.Request.Context(), sched.ID, req.CronExpression, enabled); err != nil {
		respondScheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Schedule updated"})
}

func (s *RESTServer) deleteSchedule(c *gin.Context) {
	sched, ok := s.loadManagedSchedule(c)
	if !ok {
		return
	}

	if err := s.scheduler.DeleteSchedule(c.Request.Context(), sched.ID); err != nil {
		respondScheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Schedule deleted"})
}

func respondScheduleError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrInvalidCron) {
		respondBadRequest(c, err, true)
		return
	}
	respondStoreError(c, "Schedule", err)
}
