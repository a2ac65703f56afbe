package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mescon/panoguard/internal/config"
	"github.com/mescon/panoguard/internal/db"
	"github.com/mescon/panoguard/internal/domain"
)

// NewTestRepository creates a migrated sqlite repository in a temp directory.
// It is closed when the test ends.
func NewTestRepository(t testing.TB) *db.Repository {
	t.Helper()

	repo, err := db.NewRepository(config.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

// SeededMap describes what SeedMap created.
type SeededMap struct {
	MapID   int64
	OwnerID int64
	IDs     []int64
}

// SeedMap creates an admin owner, a map and one location per pano id, in
// order, with coordinates (i+1, i+1).
func SeedMap(t testing.TB, repo *db.Repository, owner string, panoIDs ...string) SeededMap {
	t.Helper()
	ctx := context.Background()

	uid, err := repo.CreateUser(ctx, owner, domain.RoleAdmin)
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	mapID, err := repo.CreateMap(ctx, owner+"'s map", "", uid)
	if err != nil {
		t.Fatalf("failed to create map: %v", err)
	}

	locs := make([]domain.NewLocation, len(panoIDs))
	for i, p := range panoIDs {
		locs[i] = domain.NewLocation{PanoID: p, Lat: float64(i + 1), Lng: float64(i + 1)}
	}
	if _, err := repo.InsertLocations(ctx, mapID, locs); err != nil {
		t.Fatalf("failed to insert locations: %v", err)
	}

	window, err := repo.LocationWindow(ctx, mapID, 0, len(panoIDs))
	if err != nil {
		t.Fatalf("failed to read back locations: %v", err)
	}
	ids := make([]int64, len(window))
	for i, l := range window {
		ids[i] = l.ID
	}
	return SeededMap{MapID: mapID, OwnerID: uid, IDs: ids}
}

// PanoIDs returns n ids "pano-1".."pano-n".
func PanoIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("pano-%d", i+1)
	}
	return out
}
