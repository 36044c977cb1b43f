package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"studycore/internal/infra/repository/local"
	"studycore/internal/infra/repository/memory"
	"studycore/pkg/domain"
)

func TestOpenFromEnvMemory(t *testing.T) {
	t.Setenv("STUDYCORE_REPO_DRIVER", "memory")
	repo, err := OpenFromEnv(context.Background(), domain.NewFormatRegistry())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := repo.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", repo)
	}
}

func TestOpenFromEnvLocal(t *testing.T) {
	root := t.TempDir()
	t.Setenv("STUDYCORE_REPO_DRIVER", "local")
	t.Setenv("STUDYCORE_REPO_ROOT", root)
	t.Setenv("STUDYCORE_PROV_DRIVER", "memory")
	repo, err := OpenFromEnv(context.Background(), domain.NewFormatRegistry())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store, ok := repo.(*local.Store)
	if !ok {
		t.Fatalf("expected local store, got %T", repo)
	}
	if store.Root() != root {
		t.Fatalf("root %q, want %q", store.Root(), root)
	}
}

func TestOpenFromEnvLocalSQLiteIndex(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "index", "provenance.db")
	t.Setenv("STUDYCORE_REPO_DRIVER", "local")
	t.Setenv("STUDYCORE_REPO_ROOT", root)
	t.Setenv("STUDYCORE_PROV_DRIVER", "sqlite")
	t.Setenv("STUDYCORE_SQLITE_PATH", dbPath)
	if _, err := OpenFromEnv(context.Background(), domain.NewFormatRegistry()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("sqlite index not created at %q: %v", dbPath, err)
	}
}

func TestOpenFromEnvUnknownDriver(t *testing.T) {
	t.Setenv("STUDYCORE_REPO_DRIVER", "carrier-pigeon")
	if _, err := OpenFromEnv(context.Background(), domain.NewFormatRegistry()); !domain.IsKind(err, domain.KindUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestOpenFromEnvUnknownProvDriver(t *testing.T) {
	t.Setenv("STUDYCORE_REPO_DRIVER", "local")
	t.Setenv("STUDYCORE_REPO_ROOT", t.TempDir())
	t.Setenv("STUDYCORE_PROV_DRIVER", "etched-stone")
	if _, err := OpenFromEnv(context.Background(), domain.NewFormatRegistry()); !domain.IsKind(err, domain.KindUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestOpenFromEnvS3RequiresBucket(t *testing.T) {
	t.Setenv("STUDYCORE_REPO_DRIVER", "s3")
	t.Setenv("STUDYCORE_S3_BUCKET", "")
	if _, err := OpenFromEnv(context.Background(), domain.NewFormatRegistry()); !domain.IsKind(err, domain.KindUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}
