// Package postgres provides a PostgreSQL-backed provenance index for
// deployments sharing one index across hosts.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"studycore/internal/infra/provindex"
	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

// Compile-time contract assertion.
var _ provindex.RecordStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/studycore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store keeps provenance records in a single Postgres table, one row per
// node key with the record payload as JSONB.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres-backed index using the provided DSN (falls
// back to a local default) and ensures the provenance table exists.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS provenance (
		node_key TEXT PRIMARY KEY,
		from_study TEXT NOT NULL,
		pipeline TEXT NOT NULL,
		frequency TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		visit_id TEXT NOT NULL,
		payload JSONB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("ensure provenance table: %w", err)
	}
	return &Store{db: db}, nil
}

// Put inserts or replaces the record at key.
func (s *Store) Put(ctx context.Context, key repoapi.RecordKey, record *domain.Record) error {
	payload, err := domain.EncodeRecord(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO provenance(node_key, from_study, pipeline, frequency, subject_id, visit_id, payload)
		 VALUES($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT(node_key) DO UPDATE SET payload=EXCLUDED.payload`,
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
		`SELECT payload FROM provenance WHERE node_key = $1`,
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

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a
// restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
