package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/mescon/panoguard/internal/config"
	"github.com/mescon/panoguard/internal/domain"
)

// insertReturningID runs an INSERT and returns the generated key.
// Postgres has no LastInsertId, so it reads the key back with RETURNING.
func (r *Repository) insertReturningID(ctx context.Context, b sq.InsertBuilder) (int64, error) {
	if r.Dialect == config.DriverPostgres {
		var id int64
		if err := b.Suffix("RETURNING id").QueryRowContext(ctx).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := ExecWithRetry(ctx, r.DB, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CreateUser adds an account and returns its id.
func (r *Repository) CreateUser(ctx context.Context, username, role string) (int64, error) {
	id, err := r.insertReturningID(ctx, r.stbl.Insert("users").
		Columns("username", "role").
		Values(username, role))
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return id, nil
}

// GetUser returns an account by id.
func (r *Repository) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	err := r.stbl.Select("id", "username", "role").From("users").
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx).Scan(&u.ID, &u.Username, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// CreateMap adds a map owned by creatorID and returns its id.
func (r *Repository) CreateMap(ctx context.Context, name, description string, creatorID int64) (int64, error) {
	id, err := r.insertReturningID(ctx, r.stbl.Insert("maps").
		Columns("name", "description", "creator_id").
		Values(name, description, creatorID))
	if err != nil {
		return 0, fmt.Errorf("failed to create map: %w", err)
	}
	return id, nil
}

// GetMap returns a map by id.
func (r *Repository) GetMap(ctx context.Context, id int64) (domain.Map, error) {
	var m domain.Map
	var description sql.NullString
	err := r.stbl.Select("id", "name", "description", "creator_id", "created_at").From("maps").
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx).Scan(&m.ID, &m.Name, &description, &m.CreatorID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Map{}, ErrNotFound
	}
	if err != nil {
		return domain.Map{}, fmt.Errorf("failed to get map: %w", err)
	}
	m.Description = description.String
	return m, nil
}
