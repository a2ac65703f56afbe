package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"

	sq "github.com/Masterminds/squirrel"

	"github.com/mescon/panoguard/internal/domain"
)

// insertChunkSize bounds the rows of one multi-row INSERT so the bind
// parameter count stays under every dialect's limit.
const insertChunkSize = 200

var locationColumns = []string{"id", "map_id", "pano_id", "lat", "lng", "country_code", "is_deleted"}

func scanLocations(rows *sql.Rows) ([]domain.Location, error) {
	defer rows.Close()

	var out []domain.Location
	for rows.Next() {
		var l domain.Location
		if err := rows.Scan(&l.ID, &l.MapID, &l.PanoID, &l.Lat, &l.Lng, &l.CountryCode, &l.IsDeleted); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountLocations returns the number of records of a map, soft-deleted included.
func (r *Repository) CountLocations(ctx context.Context, mapID int64) (int64, error) {
	var n int64
	err := r.stbl.Select("COUNT(*)").From("locations").
		Where(sq.Eq{"map_id": mapID}).
		QueryRowContext(ctx).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count locations: %w", err)
	}
	return n, nil
}

// CountActiveLocations returns the number of records of a map that are not soft-deleted.
func (r *Repository) CountActiveLocations(ctx context.Context, mapID int64) (int64, error) {
	var n int64
	err := r.stbl.Select("COUNT(*)").From("locations").
		Where(sq.Eq{"map_id": mapID, "is_deleted": false}).
		QueryRowContext(ctx).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active locations: %w", err)
	}
	return n, nil
}

// LocationWindow returns up to limit records of a map in ascending id order,
// starting at position offset. Soft-deleted records are included so positions
// stay stable while a scan marks rows.
func (r *Repository) LocationWindow(ctx context.Context, mapID, offset int64, limit int) ([]domain.Location, error) {
	if limit <= 0 {
		return nil, nil
	}
	query, args, err := r.stbl.Select(locationColumns...).From("locations").
		Where(sq.Eq{"map_id": mapID}).
		OrderBy("id ASC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := QueryWithRetry(ctx, r.DB, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query location window: %w", err)
	}
	return scanLocations(rows)
}

// ListLocations returns one page of a map's records, newest first.
func (r *Repository) ListLocations(ctx context.Context, mapID int64, limit, offset int, includeDeleted bool) ([]domain.Location, error) {
	where := sq.Eq{"map_id": mapID}
	if !includeDeleted {
		where["is_deleted"] = false
	}
	rows, err := r.stbl.Select(locationColumns...).From("locations").
		Where(where).
		OrderBy("id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	return scanLocations(rows)
}

// GetLocation returns one record of a map.
func (r *Repository) GetLocation(ctx context.Context, mapID, id int64) (domain.Location, error) {
	rows, err := r.stbl.Select(locationColumns...).From("locations").
		Where(sq.Eq{"map_id": mapID, "id": id}).
		QueryContext(ctx)
	if err != nil {
		return domain.Location{}, fmt.Errorf("failed to get location: %w", err)
	}
	locs, err := scanLocations(rows)
	if err != nil {
		return domain.Location{}, err
	}
	if len(locs) == 0 {
		return domain.Location{}, ErrNotFound
	}
	return locs[0], nil
}

// RandomLocation picks a uniformly random non-deleted record of a map.
func (r *Repository) RandomLocation(ctx context.Context, mapID int64) (domain.Location, error) {
	n, err := r.CountActiveLocations(ctx, mapID)
	if err != nil {
		return domain.Location{}, err
	}
	if n == 0 {
		return domain.Location{}, ErrNotFound
	}

	rows, err := r.stbl.Select(locationColumns...).From("locations").
		Where(sq.Eq{"map_id": mapID, "is_deleted": false}).
		OrderBy("id ASC").
		Limit(1).
		Offset(uint64(rand.Int64N(n))).
		QueryContext(ctx)
	if err != nil {
		return domain.Location{}, fmt.Errorf("failed to pick random location: %w", err)
	}
	locs, err := scanLocations(rows)
	if err != nil {
		return domain.Location{}, err
	}
	if len(locs) == 0 {
		// Rows were removed between the count and the pick.
		return domain.Location{}, ErrNotFound
	}
	return locs[0], nil
}

// MarkLocationsDeleted soft-deletes ids of a map in a single statement and
// returns the number of rows changed. An empty set is a no-op.
func (r *Repository) MarkLocationsDeleted(ctx context.Context, mapID int64, ids []int64) (int64, error) {
	return r.setDeleted(ctx, mapID, ids, true)
}

// RestoreLocations clears the soft-delete flag of ids of a map.
func (r *Repository) RestoreLocations(ctx context.Context, mapID int64, ids []int64) (int64, error) {
	return r.setDeleted(ctx, mapID, ids, false)
}

// SoftDeleteLocation soft-deletes a single record.
func (r *Repository) SoftDeleteLocation(ctx context.Context, mapID, id int64) error {
	n, err := r.setDeleted(ctx, mapID, []int64{id}, true)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetLocation(ctx, mapID, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
	}
	return nil
}

func (r *Repository) setDeleted(ctx context.Context, mapID int64, ids []int64, deleted bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := r.stbl.Update("locations").
		Set("is_deleted", deleted).
		Where(sq.Eq{"map_id": mapID, "id": ids}).
		Where(sq.NotEq{"is_deleted": deleted}).
		ToSql()
	if err != nil {
		return 0, err
	}

	res, err := ExecWithRetry(ctx, r.DB, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update deleted flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// UpdateLocationMetadata overwrites the pano id and coordinate of a record.
func (r *Repository) UpdateLocationMetadata(ctx context.Context, id int64, pano domain.Panorama) error {
	query, args, err := r.stbl.Update("locations").
		Set("pano_id", pano.PanoID).
		Set("lat", pano.Lat).
		Set("lng", pano.Lng).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := ExecWithRetry(ctx, r.DB, query, args...); err != nil {
		return fmt.Errorf("failed to update location %d: %w", id, err)
	}
	return nil
}

// InsertLocations appends records to a map in chunked multi-row inserts.
// Returns the number of rows written.
func (r *Repository) InsertLocations(ctx context.Context, mapID int64, locs []domain.NewLocation) (int64, error) {
	var total int64
	for start := 0; start < len(locs); start += insertChunkSize {
		end := min(start+insertChunkSize, len(locs))

		builder := r.stbl.Insert("locations").Columns("map_id", "pano_id", "lat", "lng", "country_code")
		for _, l := range locs[start:end] {
			builder = builder.Values(mapID, l.PanoID, l.Lat, l.Lng, l.CountryCode)
		}
		query, args, err := builder.ToSql()
		if err != nil {
			return total, err
		}

		res, err := ExecWithRetry(ctx, r.DB, query, args...)
		if err != nil {
			return total, fmt.Errorf("failed to insert locations: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to read affected rows: %w", err)
		}
		total += n
	}
	return total, nil
}

// PurgeDeletedLocations physically removes the soft-deleted records of a map.
func (r *Repository) PurgeDeletedLocations(ctx context.Context, mapID int64) (int64, error) {
	query, args, err := r.stbl.Delete("locations").
		Where(sq.Eq{"map_id": mapID, "is_deleted": true}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := ExecWithRetry(ctx, r.DB, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge locations: %w", err)
	}
	return res.RowsAffected()
}
