// Package memory provides an in-memory repository backend for tests and
// ephemeral runs. Fileset contents are materialized into a scratch
// directory so execution can read them from disk like any other backend.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"studycore/internal/infra/provindex"
	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

// Compile-time contract assertion.
var _ repoapi.Repository = (*Store)(nil)

type itemKey struct {
	kind      domain.ItemKind
	name      string
	fromStudy string
	subjectID string
	visitID   string
}

func keyOf(it domain.Item) itemKey {
	return itemKey{
		kind:      it.Kind,
		name:      it.Name,
		fromStudy: it.FromStudy,
		subjectID: it.SubjectID,
		visitID:   it.VisitID,
	}
}

// Store holds items, fileset contents and provenance records in memory.
type Store struct {
	mu       sync.RWMutex
	items    map[itemKey]domain.Item
	contents map[itemKey][]byte
	records  *provindex.MemStore
	scratch  string
}

// NewStore constructs an empty in-memory repository.
func NewStore() *Store {
	return &Store{
		items:    make(map[itemKey]domain.Item),
		contents: make(map[itemKey][]byte),
		records:  provindex.NewMemStore(),
	}
}

// Seed inserts acquired items directly, bypassing Put semantics: the
// test-fixture entry point. Fileset content defaults to the item name.
func (s *Store) Seed(items ...domain.Item) error {
	for _, it := range items {
		if it.Kind == domain.KindFileset {
			content := []byte(it.Name + "\n")
			if _, err := s.PutFileset(context.Background(), it, content); err != nil {
				return err
			}
			continue
		}
		if _, err := s.PutField(context.Background(), it); err != nil {
			return err
		}
	}
	return nil
}

// SeedSession registers an empty session so the hierarchy includes
// (subject, visit) pairs that carry no items yet.
func (s *Store) SeedSession(subjectID, visitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey{kind: "session", subjectID: subjectID, visitID: visitID}
	if _, ok := s.items[key]; !ok {
		s.items[key] = domain.Item{SubjectID: subjectID, VisitID: visitID}
	}
}

// Tree assembles the hierarchy snapshot from the stored items.
func (s *Store) Tree(_ context.Context, subjectIDs, visitIDs []string) (domain.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subjectScope := scopeSet(subjectIDs)
	visitScope := scopeSet(visitIDs)
	inScope := func(subjectID, visitID string) bool {
		if subjectScope != nil && subjectID != "" && !subjectScope[subjectID] {
			return false
		}
		if visitScope != nil && visitID != "" && !visitScope[visitID] {
			return false
		}
		return true
	}

	sessions := map[[2]string]*domain.Session{}
	subjects := map[string]*domain.Subject{}
	visits := map[string]*domain.Visit{}
	var tree domain.Tree

	ensureSession := func(subjectID, visitID string) *domain.Session {
		key := [2]string{subjectID, visitID}
		if sess, ok := sessions[key]; ok {
			return sess
		}
		sess := &domain.Session{SubjectID: subjectID, VisitID: visitID}
		sessions[key] = sess
		return sess
	}
	ensureSubject := func(id string) *domain.Subject {
		if sub, ok := subjects[id]; ok {
			return sub
		}
		sub := &domain.Subject{ID: id}
		subjects[id] = sub
		return sub
	}
	ensureVisit := func(id string) *domain.Visit {
		if v, ok := visits[id]; ok {
			return v
		}
		v := &domain.Visit{ID: id}
		visits[id] = v
		return v
	}

	for key, it := range s.items {
		if !inScope(key.subjectID, key.visitID) {
			continue
		}
		if key.kind == "session" {
			ensureSubject(key.subjectID)
			ensureVisit(key.visitID)
			ensureSession(key.subjectID, key.visitID)
			continue
		}
		switch it.Frequency {
		case domain.PerSession:
			ensureSubject(key.subjectID)
			ensureVisit(key.visitID)
			sess := ensureSession(key.subjectID, key.visitID)
			appendItem(&sess.Filesets, &sess.Fields, it)
		case domain.PerSubject:
			sub := ensureSubject(key.subjectID)
			appendItem(&sub.Filesets, &sub.Fields, it)
		case domain.PerVisit:
			v := ensureVisit(key.visitID)
			appendItem(&v.Filesets, &v.Fields, it)
		case domain.PerStudy:
			appendItem(&tree.Filesets, &tree.Fields, it)
		}
	}
	for key, sess := range sessions {
		sub := ensureSubject(key[0])
		v := ensureVisit(key[1])
		sub.Sessions = append(sub.Sessions, *sess)
		v.Sessions = append(v.Sessions, *sess)
	}
	for _, id := range sortedKeys(subjects) {
		tree.Subjects = append(tree.Subjects, *subjects[id])
	}
	for _, id := range sortedKeys(visits) {
		tree.Visits = append(tree.Visits, *visits[id])
	}
	return tree, nil
}

// GetFileset materializes the content into the scratch directory and
// returns the item with its path filled in.
func (s *Store) GetFileset(_ context.Context, item domain.Item) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(item)
	stored, ok := s.items[key]
	if !ok {
		return domain.Item{}, domain.NewError(domain.KindMissingData, item.Name,
			"fileset not stored at node %s", nodeLabel(item))
	}
	if stored.Path != "" {
		return stored, nil
	}
	content := s.contents[key]
	dir, err := s.scratchDir()
	if err != nil {
		return domain.Item{}, err
	}
	path := filepath.Join(dir, fileName(stored))
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return domain.Item{}, fmt.Errorf("materialize fileset %q: %w", item.Name, err)
	}
	stored.Path = path
	s.items[key] = stored
	return stored, nil
}

// PutFileset stores the content and returns the item with path and
// checksum filled in.
func (s *Store) PutFileset(_ context.Context, item domain.Item, content []byte) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.scratchDir()
	if err != nil {
		return domain.Item{}, err
	}
	stored := item
	stored.Exists = true
	stored.Checksum = domain.ChecksumBytes(content)
	path := filepath.Join(dir, fileName(stored))
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return domain.Item{}, fmt.Errorf("write fileset %q: %w", item.Name, err)
	}
	stored.Path = path
	key := keyOf(stored)
	s.items[key] = stored
	s.contents[key] = append([]byte(nil), content...)
	return stored, nil
}

// GetField resolves the stored field value.
func (s *Store) GetField(_ context.Context, item domain.Item) (domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.items[keyOf(item)]
	if !ok {
		return domain.Item{}, domain.NewError(domain.KindMissingData, item.Name,
			"field not stored at node %s", nodeLabel(item))
	}
	return stored, nil
}

// PutField stores the field value.
func (s *Store) PutField(_ context.Context, item domain.Item) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := item
	stored.Exists = true
	s.items[keyOf(stored)] = stored
	return stored, nil
}

// PutRecord stores the provenance record.
func (s *Store) PutRecord(ctx context.Context, key repoapi.RecordKey, record *domain.Record) error {
	return s.records.Put(ctx, key, record)
}

// GetRecord retrieves a stored record, or (nil, nil) when none exists.
func (s *Store) GetRecord(ctx context.Context, key repoapi.RecordKey) (*domain.Record, error) {
	return s.records.Get(ctx, key)
}

// RecordKeys lists the stored provenance keys.
func (s *Store) RecordKeys(ctx context.Context) ([]repoapi.RecordKey, error) {
	return s.records.Keys(ctx)
}

func (s *Store) scratchDir() (string, error) {
	if s.scratch != "" {
		return s.scratch, nil
	}
	dir, err := os.MkdirTemp("", "studycore-mem-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	s.scratch = dir
	return dir, nil
}

func appendItem(filesets, fields *[]domain.Item, it domain.Item) {
	if it.Kind == domain.KindFileset {
		*filesets = append(*filesets, it)
		return
	}
	*fields = append(*fields, it)
}

func scopeSet(ids []string) map[string]bool {
	if ids == nil {
		return nil
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fileName(it domain.Item) string {
	parts := []string{it.FromStudy, it.SubjectID, it.VisitID, it.Name}
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "__")
}

func nodeLabel(it domain.Item) string {
	switch {
	case it.SubjectID != "" && it.VisitID != "":
		return it.SubjectID + "/" + it.VisitID
	case it.SubjectID != "":
		return it.SubjectID
	case it.VisitID != "":
		return it.VisitID
	default:
		return "study"
	}
}
