package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mescon/panoguard/internal/logger"
)

// isRetryable reports whether err is a lock conflict that clears on its own:
// SQLITE_BUSY, a MySQL deadlock or lock wait timeout, or a Postgres
// serialization failure or deadlock.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1213 || myErr.Number == 1205
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}

	errStr := err.Error()
	return strings.Contains(errStr, "SQLITE_BUSY") || strings.Contains(errStr, "database is locked")
}

// ExecWithRetry executes a statement, retrying lock conflicts with exponential backoff.
func ExecWithRetry(ctx context.Context, db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error

	for attempt := 0; attempt < MaxRetries; attempt++ {
		result, err = db.ExecContext(ctx, query, args...)
		if err == nil {
			return result, nil
		}
		if !isRetryable(err) {
			return nil, err
		}

		// Exponential backoff: 100ms, 200ms, 400ms, 800ms
		delay := RetryDelay * time.Duration(1<<attempt)
		if attempt < MaxRetries-1 {
			logger.Debugf("Database busy, retrying in %v (attempt %d/%d)", delay, attempt+1, MaxRetries)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return nil, fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}

// QueryWithRetry executes a query with the same retry policy as ExecWithRetry.
func QueryWithRetry(ctx context.Context, db *sql.DB, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	var err error

	for attempt := 0; attempt < MaxRetries; attempt++ {
		rows, err = db.QueryContext(ctx, query, args...)
		if err == nil {
			return rows, nil
		}
		if !isRetryable(err) {
			return nil, err
		}

		delay := RetryDelay * time.Duration(1<<attempt)
		if attempt < MaxRetries-1 {
			logger.Debugf("Database busy on query, retrying in %v (attempt %d/%d)", delay, attempt+1, MaxRetries)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return nil, fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}
