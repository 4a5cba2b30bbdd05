// Package colmapdb provides read-only access to feature databases written by
// the reconstruction toolchain.
package colmapdb

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

// Stats summarizes a feature database.
type Stats struct {
	Cameras      int   `json:"cameras"`
	Images       int   `json:"images"`
	Keypoints    int64 `json:"keypoints"`
	MatchedPairs int   `json:"matched_pairs"`
}

// DB is a read-only connection to one feature database.
type DB struct {
	path string
	db   *sql.DB
}

// Open connects read-only to the database at path.
func Open(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("feature database not found at %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open feature database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open feature database: %w", err)
	}
	return &DB{path: path, db: db}, nil
}

// Close releases the connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Stats counts cameras, images, keypoints and verified image pairs.
func (d *DB) Stats() (Stats, error) {
	var s Stats
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM cameras`).Scan(&s.Cameras); err != nil {
		return s, fmt.Errorf("count cameras: %w", err)
	}
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM images`).Scan(&s.Images); err != nil {
		return s, fmt.Errorf("count images: %w", err)
	}
	if err := d.db.QueryRow(`SELECT COALESCE(SUM(rows), 0) FROM keypoints`).Scan(&s.Keypoints); err != nil {
		return s, fmt.Errorf("count keypoints: %w", err)
	}
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM two_view_geometries WHERE rows > 0`).Scan(&s.MatchedPairs); err != nil {
		return s, fmt.Errorf("count matched pairs: %w", err)
	}
	return s, nil
}

// Inspect opens path, reads its stats and closes it again.
func Inspect(path string) (Stats, error) {
	db, err := Open(path)
	if err != nil {
		return Stats{}, err
	}
	defer db.Close()
	return db.Stats()
}
