package colmapdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// createFeatureDB writes a minimal database with the toolchain's table layout.
func createFeatureDB(t *testing.T, path string, images []string) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	stmts := []string{
		`CREATE TABLE cameras (camera_id INTEGER PRIMARY KEY, model INTEGER, width INTEGER, height INTEGER, params BLOB, prior_focal_length INTEGER)`,
		`CREATE TABLE images (image_id INTEGER PRIMARY KEY, name TEXT UNIQUE, camera_id INTEGER)`,
		`CREATE TABLE keypoints (image_id INTEGER PRIMARY KEY, rows INTEGER, cols INTEGER, data BLOB)`,
		`CREATE TABLE two_view_geometries (pair_id INTEGER PRIMARY KEY, rows INTEGER, cols INTEGER, data BLOB, config INTEGER)`,
		`INSERT INTO cameras (camera_id, model, width, height) VALUES (1, 4, 4000, 3000)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatal(err)
		}
	}
	for i, name := range images {
		if _, err := db.Exec(`INSERT INTO images (image_id, name, camera_id) VALUES (?, ?, 1)`, i+1, name); err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(`INSERT INTO keypoints (image_id, rows, cols) VALUES (?, 100, 6)`, i+1); err != nil {
			t.Fatal(err)
		}
	}
	if len(images) > 1 {
		db.Exec(`INSERT INTO two_view_geometries (pair_id, rows, cols, config) VALUES (2147483649, 40, 2, 2)`)
		db.Exec(`INSERT INTO two_view_geometries (pair_id, rows, cols, config) VALUES (2147483650, 0, 2, 1)`)
	}
}

func TestStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.db")
	createFeatureDB(t, path, []string{"a.jpg", "b.jpg", "c.jpg"})

	stats, err := Inspect(path)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	want := Stats{Cameras: 1, Images: 3, Keypoints: 300, MatchedPairs: 1}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}
}

func TestOpenMissing(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope.db")); err == nil {
		t.Fatalf("expected error for missing database")
	}
}
