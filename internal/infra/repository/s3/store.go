// Package s3 provides a repository backend on an S3-compatible object
// store (AWS S3 or MinIO). Object keys mirror the local directory
// layout; fileset payloads are cached to a local directory on Get so
// workflow steps read plain files. Content checksums are stored as
// object metadata at upload; objects written by other tools fall back to
// their ETag.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

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
	recordPrefix      = ".studycore/provenance/"
	checksumMetaKey   = "studycore-checksum"
)

// api is the S3 client surface the store depends on, narrowed for tests.
type api interface {
	GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, opts ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, opts ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
}

// Config holds explicit construction parameters (mostly for tests). For
// prod we rely primarily on environment variables.
type Config struct {
	Region          string
	Bucket          string
	Prefix          string // optional key prefix within the bucket
	Endpoint        string // optional; enables custom endpoint (e.g. MinIO)
	AccessKeyID     string // optional (falls back to default credentials chain)
	SecretAccessKey string // optional
	SessionToken    string // optional
	PathStyle       bool
	CacheDir        string // local cache for downloaded filesets
}

// Environment variables:
//
//	STUDYCORE_REPO_DRIVER=s3
//	STUDYCORE_S3_BUCKET=<bucket> (required)
//	STUDYCORE_S3_REGION=<region> (default us-east-1)
//	STUDYCORE_S3_PREFIX=<key prefix> (optional)
//	STUDYCORE_S3_ENDPOINT=<url> (optional, for MinIO)
//	STUDYCORE_S3_PATH_STYLE=true|false (default false)
//	STUDYCORE_S3_CACHE_DIR=<dir> (default temp dir)
//	AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// Store is an S3-backed repository with a format registry for extension
// mapping and a local fileset cache.
type Store struct {
	client   api
	bucket   string
	prefix   string
	formats  *domain.FormatRegistry
	cacheDir string
}

// New creates an S3 repository from Config.
func New(ctx context.Context, cfg Config, formats *domain.FormatRegistry) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, domain.Usagef("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newStore(client, cfg, formats)
}

// NewWithClient constructs a store over an existing client, the test
// entry point.
func NewWithClient(client api, cfg Config, formats *domain.FormatRegistry) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, domain.Usagef("s3 bucket required")
	}
	return newStore(client, cfg, formats)
}

func newStore(client api, cfg Config, formats *domain.FormatRegistry) (*Store, error) {
	if formats == nil {
		formats = domain.NewFormatRegistry()
	}
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		dir, err := os.MkdirTemp("", "studycore-s3-*")
		if err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		cacheDir = dir
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: prefix, formats: formats, cacheDir: cacheDir}, nil
}

// OpenFromEnv constructs an S3 repository from process environment.
func OpenFromEnv(ctx context.Context, formats *domain.FormatRegistry) (*Store, error) {
	bucket := os.Getenv("STUDYCORE_S3_BUCKET")
	if bucket == "" {
		return nil, domain.Usagef("STUDYCORE_S3_BUCKET required for s3 driver")
	}
	cfg := Config{
		Bucket:    bucket,
		Region:    os.Getenv("STUDYCORE_S3_REGION"),
		Prefix:    os.Getenv("STUDYCORE_S3_PREFIX"),
		Endpoint:  os.Getenv("STUDYCORE_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("STUDYCORE_S3_PATH_STYLE"), "true"),
		CacheDir:  os.Getenv("STUDYCORE_S3_CACHE_DIR"),
	}
	return New(ctx, cfg, formats)
}

// Tree lists the bucket and assembles the hierarchy snapshot.
func (s *Store) Tree(ctx context.Context, subjectIDs, visitIDs []string) (domain.Tree, error) {
	subjectScope := scopeSet(subjectIDs)
	visitScope := scopeSet(visitIDs)

	keys, err := s.listKeys(ctx)
	if err != nil {
		return domain.Tree{}, err
	}
	builder := newTreeBuilder()
	for _, key := range keys {
		loc, ok := s.parseKey(key)
		if !ok {
			continue
		}
		if subjectScope != nil && loc.subjectID != "" && !subjectScope[loc.subjectID] {
			continue
		}
		if visitScope != nil && loc.visitID != "" && !visitScope[loc.visitID] {
			continue
		}
		if loc.isFields {
			items, err := s.readFieldsObject(ctx, key, loc)
			if err != nil {
				return domain.Tree{}, err
			}
			builder.addFields(loc, items)
			continue
		}
		checksum, err := s.objectChecksum(ctx, key)
		if err != nil {
			return domain.Tree{}, err
		}
		name, format := s.splitFormat(loc.rest)
		builder.addFileset(loc, domain.Item{
			Name:      name,
			Kind:      domain.KindFileset,
			Frequency: loc.frequency,
			SubjectID: loc.subjectID,
			VisitID:   loc.visitID,
			FromStudy: loc.fromStudy,
			Format:    format,
			Checksum:  checksum,
			Exists:    true,
		})
	}
	return builder.tree(), nil
}

// location is a parsed object key.
type location struct {
	frequency domain.Frequency
	subjectID string
	visitID   string
	fromStudy string
	rest      string
	isFields  bool
}

func (s *Store) parseKey(key string) (location, bool) {
	if !strings.HasPrefix(key, s.prefix) {
		return location{}, false
	}
	key = strings.TrimPrefix(key, s.prefix)
	if strings.HasPrefix(key, recordPrefix) || strings.HasPrefix(key, ".") {
		return location{}, false
	}
	parts := strings.Split(key, "/")
	var loc location
	switch {
	case parts[0] == studyDir:
		loc.frequency = domain.PerStudy
		parts = parts[1:]
	case parts[0] == visitTreeDir:
		if len(parts) < 3 {
			return location{}, false
		}
		loc.frequency = domain.PerVisit
		loc.visitID = parts[1]
		parts = parts[2:]
	case len(parts) >= 3 && parts[1] == subjectSummaryDir:
		loc.frequency = domain.PerSubject
		loc.subjectID = parts[0]
		parts = parts[2:]
	case len(parts) >= 3:
		loc.frequency = domain.PerSession
		loc.subjectID = parts[0]
		loc.visitID = parts[1]
		parts = parts[2:]
	default:
		return location{}, false
	}
	if len(parts) >= 3 && parts[0] == derivativesDir {
		loc.fromStudy = parts[1]
		parts = parts[2:]
	}
	if len(parts) == 0 {
		return location{}, false
	}
	// Deeper keys belong to directory-format filesets; expose the top
	// segment as the item.
	loc.rest = parts[0]
	loc.isFields = len(parts) == 1 && parts[0] == fieldsFile
	return loc, true
}

func (s *Store) splitFormat(objectName string) (string, string) {
	if f, ok := s.formats.ByExtension(objectName); ok {
		return strings.TrimSuffix(objectName, f.Extension), f.Name
	}
	return objectName, ""
}

func (s *Store) listKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket: &s.bucket, Prefix: &s.prefix, ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) objectChecksum(ctx context.Context, key string) (string, error) {
	out, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return "", fmt.Errorf("head %q: %w", key, err)
	}
	if sum, ok := out.Metadata[checksumMetaKey]; ok && sum != "" {
		return sum, nil
	}
	return strings.Trim(aws.ToString(out.ETag), "\""), nil
}

func (s *Store) readFieldsObject(ctx context.Context, key string, loc location) ([]domain.Item, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	var entries map[string]fieldEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode fields object %q: %w", key, err)
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
			Frequency: loc.frequency,
			SubjectID: loc.subjectID,
			VisitID:   loc.visitID,
			FromStudy: loc.fromStudy,
			DType:     e.DType,
			Array:     e.Array,
			Value:     e.Value,
			Exists:    true,
		})
	}
	return items, nil
}

type fieldEntry struct {
	DType domain.DType `json:"dtype"`
	Array bool         `json:"array,omitempty"`
	Value any          `json:"value"`
}

// nodePrefix maps an item's node to its key prefix.
func (s *Store) nodePrefix(it domain.Item) (string, error) {
	var p string
	switch it.Frequency {
	case domain.PerSession:
		p = it.SubjectID + "/" + it.VisitID + "/"
	case domain.PerSubject:
		p = it.SubjectID + "/" + subjectSummaryDir + "/"
	case domain.PerVisit:
		p = visitTreeDir + "/" + it.VisitID + "/"
	case domain.PerStudy:
		p = studyDir + "/"
	default:
		return "", domain.Usagef("invalid frequency %q", string(it.Frequency))
	}
	if it.FromStudy != "" {
		p += derivativesDir + "/" + it.FromStudy + "/"
	}
	return s.prefix + p, nil
}

func (s *Store) itemKey(it domain.Item) (string, error) {
	p, err := s.nodePrefix(it)
	if err != nil {
		return "", err
	}
	ext := ""
	if it.Format != "" {
		if f, ok := s.formats.Lookup(it.Format); ok {
			ext = f.Extension
		}
	}
	return p + it.Name + ext, nil
}

// GetFileset downloads the object into the cache directory and returns
// the item with its local path and checksum filled in.
func (s *Store) GetFileset(ctx context.Context, item domain.Item) (domain.Item, error) {
	key, err := s.itemKey(item)
	if err != nil {
		return domain.Item{}, err
	}
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return domain.Item{}, domain.NewError(domain.KindMissingData, item.Name,
			"fileset object %q: %v", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	local := filepath.Join(s.cacheDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(local), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return domain.Item{}, fmt.Errorf("create cache dir: %w", err)
	}
	content, err := io.ReadAll(out.Body)
	if err != nil {
		return domain.Item{}, fmt.Errorf("download %q: %w", key, err)
	}
	if err := os.WriteFile(local, content, 0o600); err != nil {
		return domain.Item{}, fmt.Errorf("cache %q: %w", key, err)
	}
	item.Path = local
	item.Checksum = domain.ChecksumBytes(content)
	item.Exists = true
	return item, nil
}

// PutFileset uploads the content with its checksum recorded as object
// metadata and mirrors it into the cache.
func (s *Store) PutFileset(ctx context.Context, item domain.Item, content []byte) (domain.Item, error) {
	key, err := s.itemKey(item)
	if err != nil {
		return domain.Item{}, err
	}
	checksum := domain.ChecksumBytes(content)
	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:   &s.bucket,
		Key:      &key,
		Body:     bytes.NewReader(content),
		Metadata: map[string]string{checksumMetaKey: checksum},
	})
	if err != nil {
		return domain.Item{}, fmt.Errorf("upload %q: %w", key, err)
	}
	local := filepath.Join(s.cacheDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(local), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return domain.Item{}, fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(local, content, 0o600); err != nil {
		return domain.Item{}, fmt.Errorf("cache %q: %w", key, err)
	}
	item.Path = local
	item.Checksum = checksum
	item.Exists = true
	return item, nil
}

// GetField reads the node's fields object and resolves the item's value.
func (s *Store) GetField(ctx context.Context, item domain.Item) (domain.Item, error) {
	entries, _, err := s.loadFields(ctx, item)
	if err != nil {
		return domain.Item{}, err
	}
	e, ok := entries[item.Name]
	if !ok {
		return domain.Item{}, domain.NewError(domain.KindMissingData, item.Name,
			"field not present at node %s/%s", item.SubjectID, item.VisitID)
	}
	item.DType = e.DType
	item.Array = e.Array
	item.Value = e.Value
	item.Exists = true
	return item, nil
}

// PutField merges the value into the node's fields object.
func (s *Store) PutField(ctx context.Context, item domain.Item) (domain.Item, error) {
	entries, key, err := s.loadFields(ctx, item)
	if err != nil {
		return domain.Item{}, err
	}
	if entries == nil {
		entries = map[string]fieldEntry{}
	}
	entries[item.Name] = fieldEntry{DType: item.DType, Array: item.Array, Value: item.Value}
	data, err := json.Marshal(entries)
	if err != nil {
		return domain.Item{}, fmt.Errorf("encode fields object: %w", err)
	}
	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: &s.bucket, Key: &key, Body: bytes.NewReader(data),
	})
	if err != nil {
		return domain.Item{}, fmt.Errorf("upload %q: %w", key, err)
	}
	item.Exists = true
	return item, nil
}

func (s *Store) loadFields(ctx context.Context, item domain.Item) (map[string]fieldEntry, string, error) {
	p, err := s.nodePrefix(item)
	if err != nil {
		return nil, "", err
	}
	key := p + fieldsFile
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		// Absent object: first write at this node.
		return nil, key, nil
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read %q: %w", key, err)
	}
	var entries map[string]fieldEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, "", fmt.Errorf("decode fields object %q: %w", key, err)
	}
	return entries, key, nil
}

// recordKey maps a provenance record key to its object key. Empty axis
// segments are written as "-" so keys stay fixed-depth.
func (s *Store) recordKey(key repoapi.RecordKey) string {
	seg := func(v string) string {
		if v == "" {
			return "-"
		}
		return v
	}
	return s.prefix + recordPrefix + strings.Join([]string{
		seg(key.FromStudy), seg(key.PipelineName), seg(string(key.Frequency)),
		seg(key.SubjectID), seg(key.VisitID),
	}, "/") + ".json"
}

// PutRecord uploads the record as a JSON object.
func (s *Store) PutRecord(ctx context.Context, key repoapi.RecordKey, record *domain.Record) error {
	data, err := domain.EncodeRecord(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	objectKey := s.recordKey(key)
	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: &s.bucket, Key: &objectKey, Body: bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("upload record %q: %w", objectKey, err)
	}
	return nil
}

// GetRecord retrieves a stored record, or (nil, nil) when none exists.
func (s *Store) GetRecord(ctx context.Context, key repoapi.RecordKey) (*domain.Record, error) {
	objectKey := s.recordKey(key)
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{Bucket: &s.bucket, Key: &objectKey})
	if err != nil {
		// Absent record means never processed; transport failures surface
		// on the next Tree call.
		return nil, nil
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read record %q: %w", objectKey, err)
	}
	rec, err := domain.DecodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode record %q: %w", objectKey, err)
	}
	return rec, nil
}

// RecordKeys lists the stored provenance keys by enumerating the record
// object prefix.
func (s *Store) RecordKeys(ctx context.Context) ([]repoapi.RecordKey, error) {
	prefix := s.prefix + recordPrefix
	var keys []repoapi.RecordKey
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket: &s.bucket, Prefix: &prefix, ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		for _, obj := range out.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			rel = strings.TrimSuffix(rel, ".json")
			parts := strings.Split(rel, "/")
			if len(parts) != 5 {
				continue
			}
			seg := func(v string) string {
				if v == "-" {
					return ""
				}
				return v
			}
			keys = append(keys, repoapi.RecordKey{
				FromStudy:    seg(parts[0]),
				PipelineName: seg(parts[1]),
				Frequency:    domain.Frequency(seg(parts[2])),
				SubjectID:    seg(parts[3]),
				VisitID:      seg(parts[4]),
			})
		}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	return keys, nil
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
