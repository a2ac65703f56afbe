package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mescon/panoguard/internal/db"
	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/logger"
)

// ErrInvalidCron is returned for expressions cron.ParseStandard rejects.
var ErrInvalidCron = errors.New("invalid cron expression")

// cronLogger routes cron's own messages through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debugf("cron: %s %s", msg, formatKV(keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Errorf("cron: %s: %v %s", msg, err, formatKV(keysAndValues))
}

func formatKV(kv []interface{}) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, "%v=%v ", kv[i], kv[i+1])
	}
	return strings.TrimSpace(b.String())
}

// SchedulerService fires scans of maps on cron expressions.
type SchedulerService struct {
	repo    *db.Repository
	scanner *ScanService
	cron    *cron.Cron
	jobs    map[int64]cron.EntryID
	mu      sync.Mutex
}

func NewSchedulerService(repo *db.Repository, scanner *ScanService) *SchedulerService {
	l := cronLogger{}
	return &SchedulerService{
		repo:    repo,
		scanner: scanner,
		cron:    cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l))),
		jobs:    make(map[int64]cron.EntryID),
	}
}

func (s *SchedulerService) Start(ctx context.Context) {
	logger.Infof("Starting Scheduler Service...")
	s.cron.Start()
	if err := s.LoadSchedules(ctx); err != nil {
		logger.Errorf("Failed to load schedules: %v", err)
	}
}

// Stop halts the cron loop and waits for running jobs to return.
func (s *SchedulerService) Stop() {
	<-s.cron.Stop().Done()
}

// LoadSchedules replaces every registered job with the enabled schedules in
// the database.
func (s *SchedulerService) LoadSchedules(ctx context.Context) error {
	schedules, err := s.repo.ListEnabledSchedules(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entryID := range s.jobs {
		s.cron.Remove(entryID)
	}
	s.jobs = make(map[int64]cron.EntryID)

	count := 0
	for _, sched := range schedules {
		if err := s.addJob(ctx, sched); err != nil {
			logger.Errorf("Failed to add job for schedule %d: %v", sched.ID, err)
			continue
		}
		count++
	}
	logger.Infof("Loaded %d active scan schedules", count)
	return nil
}

// addJob registers sched. Callers hold s.mu.
func (s *SchedulerService) addJob(ctx context.Context, sched domain.Schedule) error {
	if _, err := s.repo.GetMap(ctx, sched.MapID); err != nil {
		return fmt.Errorf("map %d: %w", sched.MapID, err)
	}

	entryID, err := s.cron.AddFunc(sched.CronExpression, func() {
		s.runJob(sched.ID, sched.MapID, sched.Mode)
	})
	if err != nil {
		return err
	}
	s.jobs[sched.ID] = entryID
	return nil
}

func (s *SchedulerService) removeJob(id int64) {
	if entryID, ok := s.jobs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, id)
	}
}

// runJob runs one scheduled scan to completion with nobody watching.
func (s *SchedulerService) runJob(scheduleID, mapID int64, mode domain.ScanMode) {
	logger.Infof("Executing scheduled %s scan of map %d (Schedule ID: %d)", mode, mapID, scheduleID)

	label := fmt.Sprintf("Scheduled %s scan of map %d", mode, mapID)
	_, err := s.scanner.Run(context.Background(), ScanRequest{
		MapID:   mapID,
		Mode:    mode,
		Trigger: TriggerSchedule,
	}, LogSink(label))

	switch {
	case err == nil:
	case errors.Is(err, ErrScanInProgress):
		logger.Infof("Skipping schedule %d: map %d is already being scanned", scheduleID, mapID)
	case errors.Is(err, ErrShuttingDown):
		logger.Debugf("Skipping schedule %d: shutting down", scheduleID)
	default:
		logger.Errorf("Scheduled scan of map %d failed: %v", mapID, err)
	}
}

func validateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return nil
}

// AddSchedule stores an enabled schedule and registers its job.
func (s *SchedulerService) AddSchedule(ctx context.Context, mapID int64, mode domain.ScanMode, cronExpr string) (int64, error) {
	if err := validateCron(cronExpr); err != nil {
		return 0, err
	}
	if _, err := domain.ParseScanMode(string(mode)); err != nil {
		return 0, err
	}
	if _, err := s.repo.GetMap(ctx, mapID); err != nil {
		return 0, err
	}

	id, err := s.repo.CreateSchedule(ctx, mapID, mode, cronExpr)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.addJob(ctx, domain.Schedule{ID: id, MapID: mapID, Mode: mode, CronExpression: cronExpr, Enabled: true}); err != nil {
		return id, fmt.Errorf("saved to DB but failed to schedule: %w", err)
	}
	return id, nil
}

// UpdateSchedule changes the expression and enabled flag of a schedule. An
// empty cronExpr keeps the current expression.
func (s *SchedulerService) UpdateSchedule(ctx context.Context, id int64, cronExpr string, enabled bool) error {
	if cronExpr != "" {
		if err := validateCron(cronExpr); err != nil {
			return err
		}
	}

	current, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if cronExpr == "" {
		cronExpr = current.CronExpression
	}
	if err := s.repo.UpdateSchedule(ctx, id, cronExpr, enabled); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeJob(id)
	if enabled {
		current.CronExpression = cronExpr
		current.Enabled = true
		if err := s.addJob(ctx, current); err != nil {
			logger.Errorf("Failed to reschedule job %d: %v", id, err)
		}
	}
	return nil
}

// DeleteSchedule removes a schedule and its job.
func (s *SchedulerService) DeleteSchedule(ctx context.Context, id int64) error {
	if err := s.repo.DeleteSchedule(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeJob(id)
	return nil
}

// NextRun returns when the schedule fires next. ok is false for schedules
// without a registered job.
func (s *SchedulerService) NextRun(id int64) (next time.Time, ok bool) {
	s.mu.Lock()
	entryID, exists := s.jobs[id]
	s.mu.Unlock()
	if !exists {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	return entry.Next, entry.Valid()
}

// JobCount returns the number of registered jobs.
func (s *SchedulerService) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
