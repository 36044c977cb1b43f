// Package sqlite provides an embedded SQLite-backed provenance index.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"studycore/internal/infra/provindex"
	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

// Compile-time contract assertion.
var _ provindex.RecordStore = (*Store)(nil)

// Store keeps provenance records in a single SQLite table: one row per
// node key, record payload as a JSON blob.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating if necessary) the index at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "studycore-provenance.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS provenance (
		node_key TEXT PRIMARY KEY,
		from_study TEXT NOT NULL,
		pipeline TEXT NOT NULL,
		frequency TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		visit_id TEXT NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create provenance table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Put inserts or replaces the record at key.
func (s *Store) Put(ctx context.Context, key repoapi.RecordKey, record *domain.Record) error {
	payload, err := domain.EncodeRecord(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO provenance(node_key, from_study, pipeline, frequency, subject_id, visit_id, payload)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(node_key) DO UPDATE SET payload=excluded.payload`,
		provindex.KeyString(key), key.FromStudy, key.PipelineName, string(key.Frequency),
		key.SubjectID, key.VisitID, payload)
	if err != nil {
		return fmt.Errorf("upsert provenance: %w", err)
	}
	return nil
}

// Get retrieves the record at key, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, key repoapi.RecordKey) (*domain.Record, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM provenance WHERE node_key = ?`,
		provindex.KeyString(key)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select provenance: %w", err)
	}
	rec, err := domain.DecodeRecord(payload)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// Keys lists all stored keys ordered by node key.
func (s *Store) Keys(ctx context.Context) ([]repoapi.RecordKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_study, pipeline, frequency, subject_id, visit_id FROM provenance ORDER BY node_key`)
	if err != nil {
		return nil, fmt.Errorf("select keys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var keys []repoapi.RecordKey
	for rows.Next() {
		var key repoapi.RecordKey
		var freq string
		if err := rows.Scan(&key.FromStudy, &key.PipelineName, &freq, &key.SubjectID, &key.VisitID); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		key.Frequency = domain.Frequency(freq)
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
