// Package repoapi declares the boundary contracts the derivation engine
// consumes: the storage backend that lists, fetches and persists items,
// and the workflow engine that executes composed graphs. Implementations
// live under internal/infra and internal/workflow; external systems can
// supply their own.
package repoapi

import (
	"context"

	"studycore/pkg/domain"
)

// RecordKey addresses one persisted provenance record.
type RecordKey struct {
	PipelineName string           `json:"pipeline_name"`
	Frequency    domain.Frequency `json:"frequency"`
	SubjectID    string           `json:"subject_id,omitempty"`
	VisitID      string           `json:"visit_id,omitempty"`
	// FromStudy is the namespace of the study that produced the outputs.
	FromStudy string `json:"from_study"`
}

// Repository is the storage backend contract. A backend enumerates the
// study hierarchy as an immutable Tree snapshot and materializes or
// persists individual items on demand.
//
// Tree snapshots embed content checksums for existing items so staleness
// decisions need no further round-trips; GetFileset/GetField resolve the
// lazily-loaded payload (local path, field value).
type Repository interface {
	// Tree enumerates the hierarchy, optionally restricted to subsets of
	// subject and visit IDs. Nil slices mean no restriction.
	Tree(ctx context.Context, subjectIDs, visitIDs []string) (domain.Tree, error)

	// GetFileset resolves the item's local path and checksum.
	GetFileset(ctx context.Context, item domain.Item) (domain.Item, error)
	// PutFileset persists fileset content for the item's node and returns
	// the stored item with its path and checksum filled in.
	PutFileset(ctx context.Context, item domain.Item, content []byte) (domain.Item, error)

	// GetField resolves the item's value.
	GetField(ctx context.Context, item domain.Item) (domain.Item, error)
	// PutField persists a field value and returns the stored item.
	PutField(ctx context.Context, item domain.Item) (domain.Item, error)

	// PutRecord persists a provenance record alongside the node's outputs.
	PutRecord(ctx context.Context, key RecordKey, record *domain.Record) error
	// GetRecord retrieves a stored record, or (nil, nil) when none exists.
	GetRecord(ctx context.Context, key RecordKey) (*domain.Record, error)
}
