// Package repository selects and constructs a storage backend from the
// process environment.
package repository

import (
	"context"
	"os"

	"studycore/internal/infra/provindex"
	pgindex "studycore/internal/infra/provindex/postgres"
	sqliteindex "studycore/internal/infra/provindex/sqlite"
	"studycore/internal/infra/repository/local"
	"studycore/internal/infra/repository/memory"
	"studycore/internal/infra/repository/s3"
	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

// Driver identifies a concrete repository implementation.
type Driver string

const (
	DriverMemory Driver = "memory" // in-memory only (tests / ephemeral)
	DriverLocal  Driver = "local"  // local directory tree
	DriverS3     Driver = "s3"     // S3-compatible object store
)

// OpenFromEnv selects a backend using environment variables. Defaults to
// a local directory repository with an embedded SQLite provenance index.
//
//	STUDYCORE_REPO_DRIVER: memory|local|s3 (default local)
//	STUDYCORE_REPO_ROOT: local repository root (default ./studycore-data)
//	STUDYCORE_PROV_DRIVER: sqlite|postgres|memory (default sqlite)
//	STUDYCORE_SQLITE_PATH: provenance index file (default <root>/.studycore/provenance.db)
//	STUDYCORE_POSTGRES_DSN: postgres DSN when prov driver=postgres
//	STUDYCORE_S3_*: object store settings, see the s3 package
func OpenFromEnv(ctx context.Context, formats *domain.FormatRegistry) (repoapi.Repository, error) {
	driver := os.Getenv("STUDYCORE_REPO_DRIVER")
	if driver == "" {
		driver = string(DriverLocal)
	}
	switch Driver(driver) {
	case DriverMemory:
		return memory.NewStore(), nil
	case DriverLocal:
		root := os.Getenv("STUDYCORE_REPO_ROOT")
		if root == "" {
			root = "studycore-data"
		}
		records, err := openRecordStore(root)
		if err != nil {
			return nil, err
		}
		return local.NewStore(root, formats, records)
	case DriverS3:
		return s3.OpenFromEnv(ctx, formats)
	default:
		return nil, domain.Usagef("unknown repository driver %q", driver)
	}
}

func openRecordStore(root string) (provindex.RecordStore, error) {
	driver := os.Getenv("STUDYCORE_PROV_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}
	switch driver {
	case "memory":
		return provindex.NewMemStore(), nil
	case "sqlite":
		path := os.Getenv("STUDYCORE_SQLITE_PATH")
		if path == "" {
			path = root + "/.studycore/provenance.db"
		}
		return sqliteindex.NewStore(path)
	case "postgres":
		return pgindex.NewStore(os.Getenv("STUDYCORE_POSTGRES_DSN"))
	default:
		return nil, domain.Usagef("unknown provenance driver %q", driver)
	}
}
