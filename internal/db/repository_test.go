package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/mescon/panoguard/internal/config"
	"github.com/mescon/panoguard/internal/domain"
)

func init() {
	config.SetForTesting(config.NewTestConfig())
}

// setupTestDB creates a migrated sqlite database in a temp directory
func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "panoguard-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	repo, err := NewRepository(config.DriverSQLite, dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create repository: %v", err)
	}

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}

	return repo, cleanup
}

// seedMap creates an admin, a map and n locations with pano ids "pano-1".."pano-n".
func seedMap(t *testing.T, repo *Repository, n int) int64 {
	t.Helper()
	ctx := context.Background()

	uid, err := repo.CreateUser(ctx, "admin", domain.RoleAdmin)
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	mapID, err := repo.CreateMap(ctx, "Test Map", "", uid)
	if err != nil {
		t.Fatalf("CreateMap() error = %v", err)
	}

	locs := make([]domain.NewLocation, n)
	for i := range locs {
		locs[i] = domain.NewLocation{
			PanoID: "pano-" + strconv.Itoa(i+1),
			Lat:    float64(i + 1),
			Lng:    float64(-(i + 1)),
		}
	}
	if n > 0 {
		if _, err := repo.InsertLocations(ctx, mapID, locs); err != nil {
			t.Fatalf("InsertLocations() error = %v", err)
		}
	}
	return mapID
}

func TestNewRepository(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	if repo.DB == nil {
		t.Fatal("Repository.DB should not be nil")
	}
	if repo.Dialect != config.DriverSQLite {
		t.Errorf("Dialect = %q, want sqlite", repo.Dialect)
	}
}

func TestNewRepository_PlaceholderPerDialect(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	tests := []struct {
		dialect string
		want    string
	}{
		{config.DriverSQLite, "SELECT id FROM locations WHERE map_id = ? AND is_deleted = ?"},
		{config.DriverMySQL, "SELECT id FROM locations WHERE map_id = ? AND is_deleted = ?"},
		{config.DriverPostgres, "SELECT id FROM locations WHERE map_id = $1 AND is_deleted = $2"},
	}
	for _, tt := range tests {
		r := newRepository(repo.DB, tt.dialect)
		query, args, err := r.stbl.Select("id").From("locations").
			Where(sq.Eq{"map_id": 7}).Where(sq.Eq{"is_deleted": false}).ToSql()
		if err != nil {
			t.Fatalf("%s: ToSql() error = %v", tt.dialect, err)
		}
		if query != tt.want {
			t.Errorf("%s: query = %q, want %q", tt.dialect, query, tt.want)
		}
		if len(args) != 2 {
			t.Errorf("%s: args = %v, want 2", tt.dialect, args)
		}
	}
}

func TestNewRepository_UnsupportedDriver(t *testing.T) {
	if _, err := NewRepository("oracle", "whatever"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRepository_WALMode(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	var journalMode string
	if err := repo.DB.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected WAL mode, got %s", journalMode)
	}
}

func TestRepository_TablesCreated(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	for _, table := range []string{"users", "maps", "locations", "scan_schedules", "schema_migrations"} {
		var name string
		err := repo.DB.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)

		if err == sql.ErrNoRows {
			t.Errorf("Table %s not found", table)
		} else if err != nil {
			t.Errorf("Error checking table %s: %v", table, err)
		}
	}
}

func TestRepository_MigrationsIdempotent(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	if err := repo.runMigrations(); err != nil {
		t.Fatalf("second runMigrations() error = %v", err)
	}

	var count int
	if err := repo.DB.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatal(err)
	}
	files, _ := getMigrationFiles(config.DriverSQLite)
	if count != len(files) {
		t.Errorf("schema_migrations has %d rows, want %d", count, len(files))
	}
}

func TestGetMigrationFiles_AllDialects(t *testing.T) {
	for _, dialect := range []string{config.DriverSQLite, config.DriverMySQL, config.DriverPostgres} {
		files, err := getMigrationFiles(dialect)
		if err != nil {
			t.Errorf("getMigrationFiles(%s) error = %v", dialect, err)
			continue
		}
		if len(files) == 0 || files[0] != "001_initial.sql" {
			t.Errorf("getMigrationFiles(%s) = %v", dialect, files)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	tests := []struct {
		file   string
		want   int
		wantOk bool
	}{
		{"001_initial.sql", 1, true},
		{"012_add_index.sql", 12, true},
		{"initial.sql", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseMigrationVersion(tt.file)
		if got != tt.want || ok != tt.wantOk {
			t.Errorf("parseMigrationVersion(%q) = (%d, %v), want (%d, %v)", tt.file, got, ok, tt.want, tt.wantOk)
		}
	}
}

func TestSplitStatements(t *testing.T) {
	content := `-- header comment
CREATE TABLE a (id INTEGER);

CREATE INDEX i ON a(id);
-- trailing
`
	stmts := splitStatements(content)
	if len(stmts) != 2 {
		t.Fatalf("splitStatements() returned %d statements: %q", len(stmts), stmts)
	}
	if stmts[0] != "CREATE TABLE a (id INTEGER)" {
		t.Errorf("stmts[0] = %q", stmts[0])
	}
}

func TestRepository_CountAndWindow(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	mapID := seedMap(t, repo, 12)

	total, err := repo.CountLocations(ctx, mapID)
	if err != nil || total != 12 {
		t.Fatalf("CountLocations() = %d, %v; want 12", total, err)
	}

	tests := []struct {
		name      string
		offset    int64
		limit     int
		wantLen   int
		wantFirst string
	}{
		{"first window", 0, 5, 5, "pano-1"},
		{"middle window", 5, 5, 5, "pano-6"},
		{"short last window", 10, 5, 2, "pano-11"},
		{"past the end", 12, 5, 0, ""},
		{"zero limit", 0, 0, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			window, err := repo.LocationWindow(ctx, mapID, tt.offset, tt.limit)
			if err != nil {
				t.Fatalf("LocationWindow() error = %v", err)
			}
			if len(window) != tt.wantLen {
				t.Fatalf("LocationWindow() len = %d, want %d", len(window), tt.wantLen)
			}
			if tt.wantLen > 0 && window[0].PanoID != tt.wantFirst {
				t.Errorf("first pano = %q, want %q", window[0].PanoID, tt.wantFirst)
			}
			for i := 1; i < len(window); i++ {
				if window[i].ID <= window[i-1].ID {
					t.Errorf("window not in ascending id order at %d", i)
				}
			}
		})
	}
}

func TestRepository_WindowIncludesDeleted(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	mapID := seedMap(t, repo, 4)
	window, _ := repo.LocationWindow(ctx, mapID, 0, 4)

	if _, err := repo.MarkLocationsDeleted(ctx, mapID, []int64{window[1].ID}); err != nil {
		t.Fatal(err)
	}

	total, _ := repo.CountLocations(ctx, mapID)
	if total != 4 {
		t.Errorf("CountLocations() after soft delete = %d, want 4", total)
	}
	again, _ := repo.LocationWindow(ctx, mapID, 0, 4)
	if len(again) != 4 || !again[1].IsDeleted {
		t.Errorf("window should keep the deleted record in place, got %+v", again)
	}
	active, _ := repo.CountActiveLocations(ctx, mapID)
	if active != 3 {
		t.Errorf("CountActiveLocations() = %d, want 3", active)
	}
}

func TestRepository_MarkLocationsDeleted(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	mapID := seedMap(t, repo, 5)
	otherMap := seedMapNamed(t, repo, "Other", 2)
	window, _ := repo.LocationWindow(ctx, mapID, 0, 5)
	other, _ := repo.LocationWindow(ctx, otherMap, 0, 2)

	n, err := repo.MarkLocationsDeleted(ctx, mapID, nil)
	if err != nil || n != 0 {
		t.Errorf("empty MarkLocationsDeleted() = %d, %v", n, err)
	}

	// An id from another map is ignored
	n, err = repo.MarkLocationsDeleted(ctx, mapID, []int64{window[0].ID, window[2].ID, other[0].ID})
	if err != nil {
		t.Fatalf("MarkLocationsDeleted() error = %v", err)
	}
	if n != 2 {
		t.Errorf("MarkLocationsDeleted() = %d, want 2", n)
	}

	// Marking again changes nothing
	n, _ = repo.MarkLocationsDeleted(ctx, mapID, []int64{window[0].ID})
	if n != 0 {
		t.Errorf("repeat MarkLocationsDeleted() = %d, want 0", n)
	}

	restored, err := repo.RestoreLocations(ctx, mapID, []int64{window[0].ID})
	if err != nil || restored != 1 {
		t.Errorf("RestoreLocations() = %d, %v", restored, err)
	}

	purged, err := repo.PurgeDeletedLocations(ctx, mapID)
	if err != nil || purged != 1 {
		t.Errorf("PurgeDeletedLocations() = %d, %v", purged, err)
	}
	total, _ := repo.CountLocations(ctx, mapID)
	if total != 4 {
		t.Errorf("CountLocations() after purge = %d, want 4", total)
	}
}

func seedMapNamed(t *testing.T, repo *Repository, name string, n int) int64 {
	t.Helper()
	ctx := context.Background()
	uid, err := repo.CreateUser(ctx, name+"-owner", domain.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	mapID, err := repo.CreateMap(ctx, name, "", uid)
	if err != nil {
		t.Fatal(err)
	}
	locs := make([]domain.NewLocation, n)
	for i := range locs {
		locs[i] = domain.NewLocation{PanoID: name + "-" + strconv.Itoa(i)}
	}
	if _, err := repo.InsertLocations(ctx, mapID, locs); err != nil {
		t.Fatal(err)
	}
	return mapID
}

func TestRepository_SoftDeleteLocation(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	mapID := seedMap(t, repo, 2)
	window, _ := repo.LocationWindow(ctx, mapID, 0, 2)

	if err := repo.SoftDeleteLocation(ctx, mapID, window[0].ID); err != nil {
		t.Fatalf("SoftDeleteLocation() error = %v", err)
	}
	// Already deleted is not an error
	if err := repo.SoftDeleteLocation(ctx, mapID, window[0].ID); err != nil {
		t.Errorf("repeat SoftDeleteLocation() error = %v", err)
	}
	if err := repo.SoftDeleteLocation(ctx, mapID, 999999); !errors.Is(err, ErrNotFound) {
		t.Errorf("SoftDeleteLocation(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRepository_UpdateLocationMetadata(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	mapID := seedMap(t, repo, 1)
	window, _ := repo.LocationWindow(ctx, mapID, 0, 1)

	pano := domain.Panorama{PanoID: "fresh", Lat: 48.85, Lng: 2.35}
	if err := repo.UpdateLocationMetadata(ctx, window[0].ID, pano); err != nil {
		t.Fatalf("UpdateLocationMetadata() error = %v", err)
	}

	got, err := repo.GetLocation(ctx, mapID, window[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PanoID != "fresh" || got.Lat != 48.85 || got.Lng != 2.35 {
		t.Errorf("location after update = %+v", got)
	}
}

func TestRepository_InsertLocationsChunked(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	mapID := seedMap(t, repo, 0)
	locs := make([]domain.NewLocation, insertChunkSize*2+7)
	for i := range locs {
		locs[i] = domain.NewLocation{PanoID: "p" + strconv.Itoa(i)}
	}

	n, err := repo.InsertLocations(ctx, mapID, locs)
	if err != nil {
		t.Fatalf("InsertLocations() error = %v", err)
	}
	if n != int64(len(locs)) {
		t.Errorf("InsertLocations() = %d, want %d", n, len(locs))
	}
}

func TestRepository_ListLocations(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	mapID := seedMap(t, repo, 6)
	window, _ := repo.LocationWindow(ctx, mapID, 0, 6)
	_, _ = repo.MarkLocationsDeleted(ctx, mapID, []int64{window[5].ID})

	page, err := repo.ListLocations(ctx, mapID, 3, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 || page[0].PanoID != "pano-5" {
		t.Errorf("ListLocations(active) = %+v", page)
	}

	page, _ = repo.ListLocations(ctx, mapID, 3, 0, true)
	if len(page) != 3 || page[0].PanoID != "pano-6" {
		t.Errorf("ListLocations(include deleted) first = %q, want pano-6", page[0].PanoID)
	}
}

func TestRepository_RandomLocation(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	mapID := seedMap(t, repo, 3)
	window, _ := repo.LocationWindow(ctx, mapID, 0, 3)
	_, _ = repo.MarkLocationsDeleted(ctx, mapID, []int64{window[0].ID, window[1].ID})

	for i := 0; i < 10; i++ {
		loc, err := repo.RandomLocation(ctx, mapID)
		if err != nil {
			t.Fatalf("RandomLocation() error = %v", err)
		}
		if loc.ID != window[2].ID {
			t.Errorf("RandomLocation() returned %d, only %d is active", loc.ID, window[2].ID)
		}
	}

	empty := seedMapNamed(t, repo, "Empty", 0)
	if _, err := repo.RandomLocation(ctx, empty); !errors.Is(err, ErrNotFound) {
		t.Errorf("RandomLocation(empty) error = %v, want ErrNotFound", err)
	}
}

func TestRepository_MapsAndUsers(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	uid, err := repo.CreateUser(ctx, "root", domain.RoleRoot)
	if err != nil {
		t.Fatal(err)
	}
	u, err := repo.GetUser(ctx, uid)
	if err != nil || u.Role != domain.RoleRoot || u.Username != "root" {
		t.Errorf("GetUser() = %+v, %v", u, err)
	}
	if _, err := repo.GetUser(ctx, uid+100); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser(missing) error = %v", err)
	}

	mapID, err := repo.CreateMap(ctx, "World", "everything", uid)
	if err != nil {
		t.Fatal(err)
	}
	m, err := repo.GetMap(ctx, mapID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "World" || m.Description != "everything" || m.CreatorID != uid {
		t.Errorf("GetMap() = %+v", m)
	}
	if m.CreatedAt.IsZero() {
		t.Error("GetMap() CreatedAt should be set")
	}
	if _, err := repo.GetMap(ctx, mapID+100); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMap(missing) error = %v", err)
	}
}

func TestRepository_Schedules(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	mapID := seedMap(t, repo, 0)

	id, err := repo.CreateSchedule(ctx, mapID, domain.ModeAvailability, "0 3 * * *")
	if err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}

	s, err := repo.GetSchedule(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if s.MapID != mapID || s.Mode != domain.ModeAvailability || !s.Enabled {
		t.Errorf("GetSchedule() = %+v", s)
	}

	if err := repo.UpdateSchedule(ctx, id, "0 4 * * *", false); err != nil {
		t.Fatalf("UpdateSchedule() error = %v", err)
	}
	enabled, _ := repo.ListEnabledSchedules(ctx)
	if len(enabled) != 0 {
		t.Errorf("ListEnabledSchedules() = %d, want 0", len(enabled))
	}
	all, _ := repo.ListSchedules(ctx, mapID)
	if len(all) != 1 || all[0].CronExpression != "0 4 * * *" {
		t.Errorf("ListSchedules() = %+v", all)
	}

	if err := repo.DeleteSchedule(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := repo.DeleteSchedule(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteSchedule() error = %v, want ErrNotFound", err)
	}
	if err := repo.UpdateSchedule(ctx, id, "* * * * *", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSchedule(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRepository_DeleteMapCascades(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	mapID := seedMap(t, repo, 3)
	if _, err := repo.DB.Exec("DELETE FROM maps WHERE id = ?", mapID); err != nil {
		t.Fatal(err)
	}
	total, _ := repo.CountLocations(ctx, mapID)
	if total != 0 {
		t.Errorf("locations after map delete = %d, want 0", total)
	}
}

func TestRepository_Stats(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	mapID := seedMap(t, repo, 4)
	window, _ := repo.LocationWindow(ctx, mapID, 0, 1)
	_, _ = repo.MarkLocationsDeleted(ctx, mapID, []int64{window[0].ID})

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	counts := stats["table_counts"].(map[string]int64)
	if counts["locations"] != 4 || counts["maps"] != 1 {
		t.Errorf("table_counts = %v", counts)
	}
	if stats["soft_deleted_locations"].(int64) != 1 {
		t.Errorf("soft_deleted_locations = %v", stats["soft_deleted_locations"])
	}
}

func TestRepository_GracefulClose(t *testing.T) {
	tmpDir := t.TempDir()
	repo, err := NewRepository(config.DriverSQLite, filepath.Join(tmpDir, "close.db"))
	if err != nil {
		t.Fatal(err)
	}
	stop := repo.StartPeriodicCheckpoint(10 * time.Millisecond)
	stop()
	if err := repo.GracefulClose(); err != nil {
		t.Errorf("GracefulClose() error = %v", err)
	}
}
