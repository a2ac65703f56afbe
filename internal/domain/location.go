package domain

import (
	"fmt"
	"time"
)

// Location is one panorama record of a map. ID order is the only pagination key.
type Location struct {
	ID          int64   `json:"id"`
	MapID       int64   `json:"map_id"`
	PanoID      string  `json:"pano_id"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	CountryCode string  `json:"country_code,omitempty"`
	IsDeleted   bool    `json:"is_deleted"`
}

// HasCoordinate reports whether the record carries a usable coordinate.
// (0,0) means the coordinate was never resolved.
func (l Location) HasCoordinate() bool {
	return l.Lat != 0 || l.Lng != 0
}

// Panorama is canonical resolver metadata for a location.
type Panorama struct {
	PanoID string  `json:"panoId"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

// NewLocation is an insert request for a location.
type NewLocation struct {
	PanoID      string
	Lat         float64
	Lng         float64
	CountryCode string
}

// Map owns a set of locations.
type Map struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatorID   int64     `json:"creator_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Roles recognised by map authorization.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
	RoleRoot  = "root"
)

// User is the subset of an account that authorization needs.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// CanManageMap reports whether u may scan or edit m: the owning admin, or root.
func (u User) CanManageMap(m Map) bool {
	if u.Role == RoleRoot {
		return true
	}
	return u.Role == RoleAdmin && m.CreatorID == u.ID
}

// ScanMode selects the per-item operation of a scan.
type ScanMode string

const (
	ModeAvailability ScanMode = "availability"
	ModeRefresh      ScanMode = "refresh"
)

// ParseScanMode validates a mode string.
func ParseScanMode(s string) (ScanMode, error) {
	switch ScanMode(s) {
	case ModeAvailability, ModeRefresh:
		return ScanMode(s), nil
	}
	return "", fmt.Errorf("unknown scan mode %q", s)
}

// Schedule runs a scan of a map on a cron expression.
type Schedule struct {
	ID             int64     `json:"id"`
	MapID          int64     `json:"map_id"`
	Mode           ScanMode  `json:"mode"`
	CronExpression string    `json:"cron_expression"`
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
}

// ResolutionStatus tags the outcome of a resolver lookup.
type ResolutionStatus int

const (
	// Resolved means the resolver returned canonical metadata.
	Resolved ResolutionStatus = iota
	// NotFound means the resolver answered and has no coverage for the query.
	NotFound
	// TransientError means the resolver could not answer (network, timeout, quota).
	TransientError
)

func (s ResolutionStatus) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case NotFound:
		return "not_found"
	case TransientError:
		return "transient_error"
	}
	return "unknown"
}

// Resolution is the result of one resolver lookup. Pano is set when Status is
// Resolved, Err when it is TransientError.
type Resolution struct {
	Status ResolutionStatus
	Pano   Panorama
	Err    error
}
