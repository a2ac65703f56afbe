package db

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/mescon/panoguard/internal/domain"
)

var scheduleColumns = []string{"id", "map_id", "mode", "cron_expression", "enabled", "created_at"}

func (r *Repository) querySchedules(ctx context.Context, where sq.Sqlizer) ([]domain.Schedule, error) {
	b := r.stbl.Select(scheduleColumns...).From("scan_schedules").OrderBy("id ASC")
	if where != nil {
		b = b.Where(where)
	}
	rows, err := b.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		var s domain.Schedule
		var mode string
		if err := rows.Scan(&s.ID, &s.MapID, &mode, &s.CronExpression, &s.Enabled, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		s.Mode = domain.ScanMode(mode)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListEnabledSchedules returns every enabled schedule across maps.
func (r *Repository) ListEnabledSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, sq.Eq{"enabled": true})
}

// ListSchedules returns the schedules of a map.
func (r *Repository) ListSchedules(ctx context.Context, mapID int64) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, sq.Eq{"map_id": mapID})
}

// GetSchedule returns a schedule by id.
func (r *Repository) GetSchedule(ctx context.Context, id int64) (domain.Schedule, error) {
	list, err := r.querySchedules(ctx, sq.Eq{"id": id})
	if err != nil {
		return domain.Schedule{}, err
	}
	if len(list) == 0 {
		return domain.Schedule{}, ErrNotFound
	}
	return list[0], nil
}

// CreateSchedule stores an enabled schedule and returns its id.
func (r *Repository) CreateSchedule(ctx context.Context, mapID int64, mode domain.ScanMode, cronExpr string) (int64, error) {
	id, err := r.insertReturningID(ctx, r.stbl.Insert("scan_schedules").
		Columns("map_id", "mode", "cron_expression", "enabled").
		Values(mapID, string(mode), cronExpr, true))
	if err != nil {
		return 0, fmt.Errorf("failed to create schedule: %w", err)
	}
	return id, nil
}

// UpdateSchedule replaces the cron expression and enabled flag of a schedule.
func (r *Repository) UpdateSchedule(ctx context.Context, id int64, cronExpr string, enabled bool) error {
	query, args, err := r.stbl.Update("scan_schedules").
		Set("cron_expression", cronExpr).
		Set("enabled", enabled).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := ExecWithRetry(ctx, r.DB, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (r *Repository) DeleteSchedule(ctx context.Context, id int64) error {
	query, args, err := r.stbl.Delete("scan_schedules").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	res, err := ExecWithRetry(ctx, r.DB, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
