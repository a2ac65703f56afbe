package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mescon/panoguard/internal/auth"
	"github.com/mescon/panoguard/internal/config"
	"github.com/mescon/panoguard/internal/db"
	"github.com/mescon/panoguard/internal/domain"
)

// Rough bounding boxes so seeded coordinates land on land more often than not.
var regions = []struct {
	country        string
	minLat, maxLat float64
	minLng, maxLng float64
}{
	{"SE", 55.4, 63.5, 12.0, 18.5},
	{"JP", 33.5, 39.5, 131.0, 140.5},
	{"BR", -23.5, -5.0, -47.5, -35.0},
	{"US", 33.0, 45.0, -120.0, -80.0},
	{"ZA", -33.8, -25.0, 18.5, 31.0},
}

func main() {
	path := flag.String("db", "./panoguard.db", "SQLite database file to seed")
	count := flag.Int("locations", 250, "Locations to add to the seeded map")
	staleRatio := flag.Float64("stale", 0.2, "Share of locations given a pano id that no longer resolves")
	secret := flag.String("secret", os.Getenv("PANOGUARD_JWT_SECRET"), "Token secret used to print session tokens")
	flag.Parse()

	// Apply migrations through the repository so the schema matches the server's.
	repo, err := db.NewRepository(config.DriverSQLite, *path)
	if err != nil {
		log.Fatalf("Failed to prepare schema: %v", err)
	}
	if err := repo.Close(); err != nil {
		log.Fatalf("Failed to close repository: %v", err)
	}

	conn, err := sql.Open("sqlite3", *path+"?_foreign_keys=on")
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	fmt.Println("Seeding database...")

	users := []domain.User{
		{Username: "root", Role: domain.RoleRoot},
		{Username: "curator", Role: domain.RoleAdmin},
		{Username: "player", Role: domain.RoleUser},
	}
	for i := range users {
		res, err := conn.Exec("INSERT INTO users (username, role) VALUES (?, ?)", users[i].Username, users[i].Role)
		if err != nil {
			log.Fatalf("Failed to insert user %s: %v", users[i].Username, err)
		}
		users[i].ID, _ = res.LastInsertId()
	}

	res, err := conn.Exec("INSERT INTO maps (name, description, creator_id) VALUES (?, ?, ?)",
		"Seeded World", "Generated by the seeder", users[1].ID)
	if err != nil {
		log.Fatalf("Failed to insert map: %v", err)
	}
	mapID, _ := res.LastInsertId()

	tx, err := conn.Begin()
	if err != nil {
		log.Fatal(err)
	}
	stmt, err := tx.Prepare("INSERT INTO locations (map_id, pano_id, lat, lng, country_code) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		log.Fatal(err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	stale := 0
	for i := 0; i < *count; i++ {
		r := regions[rng.Intn(len(regions))]
		lat := r.minLat + rng.Float64()*(r.maxLat-r.minLat)
		lng := r.minLng + rng.Float64()*(r.maxLng-r.minLng)

		// Stale ids look like real ones but will come back ZERO_RESULTS.
		panoID := ""
		switch {
		case rng.Float64() < *staleRatio:
			panoID = "stale-" + uuid.NewString()
			stale++
		case i%5 != 0:
			panoID = uuid.NewString()
		}

		if _, err := stmt.Exec(mapID, panoID, lat, lng, r.country); err != nil {
			_ = tx.Rollback()
			log.Fatalf("Failed to insert location: %v", err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Seeded map %d with %d locations (%d stale)\n", mapID, *count, stale)

	if *secret == "" {
		fmt.Println("No token secret given, skipping session tokens.")
	} else {
		tokens := auth.NewTokenManager(*secret)
		for _, u := range users {
			token, err := tokens.IssueToken(u, 30*24*time.Hour)
			if err != nil {
				log.Fatalf("Failed to issue token for %s: %v", u.Username, err)
			}
			fmt.Printf("  %-8s %s\n", u.Username, token)
		}
	}

	fmt.Println("Seeding complete.")
}
