// Package local provides a directory-tree repository backend. Sessions
// live at <root>/<subject>/<visit>/, per-subject summaries under a
// reserved __subject__ directory, per-visit summaries under __visit__,
// and per-study data at <root>/__study__/. Derived items are namespaced
// below a derivatives/<study> subdirectory of their node; provenance
// records go to the attached record store.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"studycore/internal/infra/provindex"
	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

// Compile-time contract assertion.
var _ repoapi.Repository = (*Store)(nil)

const (
	subjectSummaryDir = "__subject__"
	visitTreeDir      = "__visit__"
	studyDir          = "__study__"
	derivativesDir    = "derivatives"
	fieldsFile        = "fields.json"
)

// Store is a filesystem-backed repository rooted at one directory.
type Store struct {
	root    string
	formats *domain.FormatRegistry
	records provindex.RecordStore
}

// NewStore constructs a local repository. The format registry maps file
// extensions to formats during tree enumeration; the record store
// persists provenance.
func NewStore(root string, formats *domain.FormatRegistry, records provindex.RecordStore) (*Store, error) {
	if root == "" {
		return nil, domain.Usagef("local repository requires a root directory")
	}
	if formats == nil {
		formats = domain.NewFormatRegistry()
	}
	if records == nil {
		records = provindex.NewMemStore()
	}
	if err := os.MkdirAll(root, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create repository root: %w", err)
	}
	return &Store{root: root, formats: formats, records: records}, nil
}

// Root returns the repository root directory.
func (s *Store) Root() string { return s.root }

// fieldEntry is the serialized form of one field in fields.json.
type fieldEntry struct {
	DType domain.DType `json:"dtype"`
	Array bool         `json:"array,omitempty"`
	Value any          `json:"value"`
}

// Tree walks the directory layout and assembles the hierarchy snapshot.
func (s *Store) Tree(_ context.Context, subjectIDs, visitIDs []string) (domain.Tree, error) {
	subjectScope := scopeSet(subjectIDs)
	visitScope := scopeSet(visitIDs)
	var tree domain.Tree

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return domain.Tree{}, fmt.Errorf("read repository root: %w", err)
	}
	visitSessions := map[string][]domain.Session{}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name := entry.Name()
		switch name {
		case studyDir:
			filesets, fields, err := s.nodeItems(filepath.Join(s.root, name), domain.PerStudy, "", "")
			if err != nil {
				return domain.Tree{}, err
			}
			tree.Filesets, tree.Fields = filesets, fields
		case visitTreeDir:
			visits, err := os.ReadDir(filepath.Join(s.root, name))
			if err != nil {
				return domain.Tree{}, fmt.Errorf("read visit summaries: %w", err)
			}
			for _, v := range visits {
				if !v.IsDir() {
					continue
				}
				if visitScope != nil && !visitScope[v.Name()] {
					continue
				}
				filesets, fields, err := s.nodeItems(filepath.Join(s.root, name, v.Name()), domain.PerVisit, "", v.Name())
				if err != nil {
					return domain.Tree{}, err
				}
				tree.Visits = append(tree.Visits, domain.Visit{ID: v.Name(), Filesets: filesets, Fields: fields})
			}
		default:
			if subjectScope != nil && !subjectScope[name] {
				continue
			}
			subject, sessions, err := s.readSubject(name, visitScope)
			if err != nil {
				return domain.Tree{}, err
			}
			tree.Subjects = append(tree.Subjects, subject)
			for _, sess := range sessions {
				visitSessions[sess.VisitID] = append(visitSessions[sess.VisitID], sess)
			}
		}
	}
	// Visits observed via sessions may have no summary directory.
	haveVisit := map[string]int{}
	for i, v := range tree.Visits {
		haveVisit[v.ID] = i
	}
	for _, visitID := range sortedMapKeys(visitSessions) {
		if i, ok := haveVisit[visitID]; ok {
			tree.Visits[i].Sessions = visitSessions[visitID]
			continue
		}
		tree.Visits = append(tree.Visits, domain.Visit{ID: visitID, Sessions: visitSessions[visitID]})
	}
	sort.Slice(tree.Subjects, func(i, j int) bool { return tree.Subjects[i].ID < tree.Subjects[j].ID })
	sort.Slice(tree.Visits, func(i, j int) bool { return tree.Visits[i].ID < tree.Visits[j].ID })
	return tree, nil
}

func (s *Store) readSubject(subjectID string, visitScope map[string]bool) (domain.Subject, []domain.Session, error) {
	subject := domain.Subject{ID: subjectID}
	dir := filepath.Join(s.root, subjectID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return domain.Subject{}, nil, fmt.Errorf("read subject %q: %w", subjectID, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if entry.Name() == subjectSummaryDir {
			filesets, fields, err := s.nodeItems(filepath.Join(dir, entry.Name()), domain.PerSubject, subjectID, "")
			if err != nil {
				return domain.Subject{}, nil, err
			}
			subject.Filesets, subject.Fields = filesets, fields
			continue
		}
		visitID := entry.Name()
		if visitScope != nil && !visitScope[visitID] {
			continue
		}
		filesets, fields, err := s.nodeItems(filepath.Join(dir, visitID), domain.PerSession, subjectID, visitID)
		if err != nil {
			return domain.Subject{}, nil, err
		}
		subject.Sessions = append(subject.Sessions, domain.Session{
			SubjectID: subjectID,
			VisitID:   visitID,
			Filesets:  filesets,
			Fields:    fields,
		})
	}
	sort.Slice(subject.Sessions, func(i, j int) bool { return subject.Sessions[i].VisitID < subject.Sessions[j].VisitID })
	return subject, subject.Sessions, nil
}

// nodeItems enumerates one node directory: acquired items at the top
// level, derived items under derivatives/<study>/.
func (s *Store) nodeItems(dir string, freq domain.Frequency, subjectID, visitID string) ([]domain.Item, []domain.Item, error) {
	filesets, fields, err := s.scanItems(dir, freq, subjectID, visitID, "")
	if err != nil {
		return nil, nil, err
	}
	derivRoot := filepath.Join(dir, derivativesDir)
	studies, err := os.ReadDir(derivRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return filesets, fields, nil
		}
		return nil, nil, fmt.Errorf("read derivatives: %w", err)
	}
	for _, st := range studies {
		if !st.IsDir() {
			continue
		}
		df, dd, err := s.scanItems(filepath.Join(derivRoot, st.Name()), freq, subjectID, visitID, st.Name())
		if err != nil {
			return nil, nil, err
		}
		filesets = append(filesets, df...)
		fields = append(fields, dd...)
	}
	return filesets, fields, nil
}

func (s *Store) scanItems(dir string, freq domain.Frequency, subjectID, visitID, fromStudy string) ([]domain.Item, []domain.Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read node dir %q: %w", dir, err)
	}
	var filesets, fields []domain.Item
	for _, entry := range entries {
		name := entry.Name()
		if name == derivativesDir || strings.HasPrefix(name, ".") {
			continue
		}
		if name == fieldsFile {
			fs, err := s.readFields(filepath.Join(dir, name), freq, subjectID, visitID, fromStudy)
			if err != nil {
				return nil, nil, err
			}
			fields = append(fields, fs...)
			continue
		}
		itemName, format := s.splitFormat(name, entry.IsDir())
		path := filepath.Join(dir, name)
		checksum, err := checksumPath(path)
		if err != nil {
			return nil, nil, err
		}
		filesets = append(filesets, domain.Item{
			Name:      itemName,
			Kind:      domain.KindFileset,
			Frequency: freq,
			SubjectID: subjectID,
			VisitID:   visitID,
			FromStudy: fromStudy,
			Format:    format,
			Path:      path,
			Checksum:  checksum,
			Exists:    true,
		})
	}
	sort.Slice(filesets, func(i, j int) bool { return filesets[i].Less(filesets[j]) })
	sort.Slice(fields, func(i, j int) bool { return fields[i].Less(fields[j]) })
	return filesets, fields, nil
}

func (s *Store) readFields(path string, freq domain.Frequency, subjectID, visitID, fromStudy string) ([]domain.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fields file: %w", err)
	}
	var entries map[string]fieldEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode fields file %q: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	items := make([]domain.Item, 0, len(names))
	for _, name := range names {
		e := entries[name]
		items = append(items, domain.Item{
			Name:      name,
			Kind:      domain.KindField,
			Frequency: freq,
			SubjectID: subjectID,
			VisitID:   visitID,
			FromStudy: fromStudy,
			DType:     e.DType,
			Array:     e.Array,
			Value:     e.Value,
			Exists:    true,
		})
	}
	return items, nil
}

// splitFormat derives (item name, format name) from a file or directory
// name via the registered extensions. Unregistered extensions keep the
// extension in the item name with an empty format.
func (s *Store) splitFormat(fileName string, isDir bool) (string, string) {
	if isDir {
		// Directory formats have no extension; the first registered one
		// labels directory-backed items.
		for _, fname := range s.formats.Names() {
			if f, ok := s.formats.Lookup(fname); ok && f.Directory {
				return fileName, f.Name
			}
		}
		return fileName, ""
	}
	if f, ok := s.formats.ByExtension(fileName); ok {
		return strings.TrimSuffix(fileName, f.Extension), f.Name
	}
	return fileName, ""
}

// nodeDir maps an item's node to its directory.
func (s *Store) nodeDir(it domain.Item) (string, error) {
	var dir string
	switch it.Frequency {
	case domain.PerSession:
		dir = filepath.Join(s.root, it.SubjectID, it.VisitID)
	case domain.PerSubject:
		dir = filepath.Join(s.root, it.SubjectID, subjectSummaryDir)
	case domain.PerVisit:
		dir = filepath.Join(s.root, visitTreeDir, it.VisitID)
	case domain.PerStudy:
		dir = filepath.Join(s.root, studyDir)
	default:
		return "", domain.Usagef("invalid frequency %q", string(it.Frequency))
	}
	if it.FromStudy != "" {
		dir = filepath.Join(dir, derivativesDir, it.FromStudy)
	}
	return dir, nil
}

func (s *Store) itemPath(it domain.Item) (string, error) {
	dir, err := s.nodeDir(it)
	if err != nil {
		return "", err
	}
	ext := ""
	if it.Format != "" {
		if f, ok := s.formats.Lookup(it.Format); ok {
			ext = f.Extension
		}
	}
	return filepath.Join(dir, it.Name+ext), nil
}

// GetFileset resolves the item's path and checksum from disk.
func (s *Store) GetFileset(_ context.Context, item domain.Item) (domain.Item, error) {
	path, err := s.itemPath(item)
	if err != nil {
		return domain.Item{}, err
	}
	if _, err := os.Stat(path); err != nil {
		return domain.Item{}, domain.NewError(domain.KindMissingData, item.Name,
			"fileset not present at %s", path)
	}
	checksum, err := checksumPath(path)
	if err != nil {
		return domain.Item{}, err
	}
	item.Path = path
	item.Checksum = checksum
	item.Exists = true
	return item, nil
}

// PutFileset writes the content at the item's node and returns the stored
// item with path and checksum filled in.
func (s *Store) PutFileset(_ context.Context, item domain.Item, content []byte) (domain.Item, error) {
	path, err := s.itemPath(item)
	if err != nil {
		return domain.Item{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return domain.Item{}, fmt.Errorf("create node dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return domain.Item{}, fmt.Errorf("write fileset %q: %w", item.Name, err)
	}
	item.Path = path
	item.Checksum = domain.ChecksumBytes(content)
	item.Exists = true
	return item, nil
}

// GetField reads the item's value from its node's fields file.
func (s *Store) GetField(_ context.Context, item domain.Item) (domain.Item, error) {
	dir, err := s.nodeDir(item)
	if err != nil {
		return domain.Item{}, err
	}
	entries, err := s.loadFields(filepath.Join(dir, fieldsFile))
	if err != nil {
		return domain.Item{}, err
	}
	e, ok := entries[item.Name]
	if !ok {
		return domain.Item{}, domain.NewError(domain.KindMissingData, item.Name,
			"field not present at node %s", dir)
	}
	item.DType = e.DType
	item.Array = e.Array
	item.Value = e.Value
	item.Exists = true
	return item, nil
}

// PutField merges the item's value into its node's fields file.
func (s *Store) PutField(_ context.Context, item domain.Item) (domain.Item, error) {
	dir, err := s.nodeDir(item)
	if err != nil {
		return domain.Item{}, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return domain.Item{}, fmt.Errorf("create node dir: %w", err)
	}
	path := filepath.Join(dir, fieldsFile)
	entries, err := s.loadFields(path)
	if err != nil {
		return domain.Item{}, err
	}
	if entries == nil {
		entries = map[string]fieldEntry{}
	}
	entries[item.Name] = fieldEntry{DType: item.DType, Array: item.Array, Value: item.Value}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return domain.Item{}, fmt.Errorf("encode fields file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return domain.Item{}, fmt.Errorf("write fields file: %w", err)
	}
	item.Exists = true
	return item, nil
}

func (s *Store) loadFields(path string) (map[string]fieldEntry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fields file: %w", err)
	}
	var entries map[string]fieldEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode fields file %q: %w", path, err)
	}
	return entries, nil
}

// PutRecord persists the provenance record in the attached index.
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

// checksumPath hashes a file's content, or for a directory the sorted
// relative paths and contents of every file beneath it.
func checksumPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", path, err)
	}
	h := sha256.New()
	if !info.IsDir() {
		if err := hashFile(h, path); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(h, rel+"\x00"); err != nil {
			return err
		}
		return hashFile(h, p)
	})
	if err != nil {
		return "", fmt.Errorf("hash directory %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(h io.Writer, path string) error {
	f, err := os.Open(path) // #nosec G304 -- repository-managed path
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash %q: %w", path, err)
	}
	return nil
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

func sortedMapKeys(m map[string][]domain.Session) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
