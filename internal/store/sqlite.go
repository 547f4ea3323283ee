package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const imageSchema = `CREATE TABLE IF NOT EXISTS nv_image (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	image BLOB NOT NULL
)`

// SQLite keeps the NV image as a single blob row. Every WriteAt is its own
// read-modify-write transaction, so Commit has nothing left to flush.
type SQLite struct {
	db   *sql.DB
	size int
}

func OpenSQLite(path string, size int) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrStorage)
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite db: %v", ErrStorage, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite db: %v", ErrStorage, err)
	}
	if _, err := db.Exec(imageSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", ErrStorage, err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO nv_image (id, image) VALUES (1, ?)`, make([]byte, size)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: seed image: %v", ErrStorage, err)
	}
	return &SQLite{db: db, size: size}, nil
}

func (s *SQLite) ReadAt(p []byte, off int64) (int, error) {
	var image []byte
	if err := s.db.QueryRow(`SELECT image FROM nv_image WHERE id = 1`).Scan(&image); err != nil {
		return 0, fmt.Errorf("%w: read image: %v", ErrStorage, err)
	}
	if off < 0 || off >= int64(len(image)) {
		return 0, io.EOF
	}
	n := copy(p, image[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *SQLite) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > int64(s.size) {
		return 0, fmt.Errorf("%w: write %d bytes at %d (size %d)", ErrOutOfRange, len(p), off, s.size)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var image []byte
	if err = tx.QueryRow(`SELECT image FROM nv_image WHERE id = 1`).Scan(&image); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			image = nil
			err = nil
		} else {
			return 0, fmt.Errorf("%w: read image: %v", ErrStorage, err)
		}
	}
	if len(image) < s.size {
		image = append(image, make([]byte, s.size-len(image))...)
	}
	n = copy(image[off:], p)
	if _, err = tx.Exec(`INSERT INTO nv_image (id, image) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET image = excluded.image`, image); err != nil {
		return 0, fmt.Errorf("%w: write image: %v", ErrStorage, err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return n, nil
}

func (s *SQLite) Commit() error {
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
