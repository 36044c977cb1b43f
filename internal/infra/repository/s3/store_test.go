package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

// fakeClient implements the api interface over an in-memory object map.
type fakeClient struct {
	objects  map[string]fakeObject
	pageSize int
}

type fakeObject struct {
	data     []byte
	metadata map[string]string
	etag     string
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: map[string]fakeObject{}}
}

func (f *fakeClient) seed(key, content string, metadata map[string]string) {
	f.objects[key] = fakeObject{
		data:     []byte(content),
		metadata: metadata,
		etag:     fmt.Sprintf("%x", md5.Sum([]byte(content))),
	}
}

func (f *fakeClient) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey: %s", aws.ToString(in.Key))
	}
	return &awss3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeClient) PutObject(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = fakeObject{
		data:     data,
		metadata: in.Metadata,
		etag:     fmt.Sprintf("%x", md5.Sum(data)),
	}
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeClient) HeadObject(_ context.Context, in *awss3.HeadObjectInput, _ ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error) {
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, fmt.Errorf("NotFound: %s", aws.ToString(in.Key))
	}
	return &awss3.HeadObjectOutput{
		Metadata: obj.metadata,
		ETag:     aws.String(`"` + obj.etag + `"`),
	}, nil
}

func (f *fakeClient) ListObjectsV2(_ context.Context, in *awss3.ListObjectsV2Input, _ ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	page := f.pageSize
	if page == 0 {
		page = 1000
	}
	end := start + page
	truncated := end < len(keys)
	if end > len(keys) {
		end = len(keys)
	}
	out := &awss3.ListObjectsV2Output{IsTruncated: aws.Bool(truncated)}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if truncated {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

// Contract check against the narrowed client surface.
var _ api = (*fakeClient)(nil)

func newTestStore(t *testing.T, client api, prefix string) *Store {
	t.Helper()
	formats := domain.NewFormatRegistry()
	if err := formats.Register(domain.FileFormat{Name: "text", Extension: ".txt"}); err != nil {
		t.Fatalf("register format: %v", err)
	}
	store, err := NewWithClient(client, Config{
		Bucket:   "neuro",
		Prefix:   prefix,
		CacheDir: t.TempDir(),
	}, formats)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return store
}

func TestTreeFromObjects(t *testing.T) {
	client := newFakeClient()
	client.seed("sub1/visit1/scan.txt", "scan", map[string]string{checksumMetaKey: "sum-scan"})
	// Written by another tool: no checksum metadata, ETag fallback.
	client.seed("sub1/visit1/derivatives/study1/smoothed.txt", "smoothed", nil)
	client.seed("sub1/__subject__/fields.json", `{"age":{"dtype":"int","value":30}}`, nil)
	client.seed("__visit__/visit1/norms.txt", "norms", map[string]string{checksumMetaKey: "sum-norms"})
	client.seed("__study__/template.txt", "template", map[string]string{checksumMetaKey: "sum-template"})
	client.seed(".studycore/provenance/study1/smooth/per_session/sub1/visit1.json", "{}", nil)

	store := newTestStore(t, client, "")
	tree, err := store.Tree(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	sess, ok := tree.Session("sub1", "visit1")
	if !ok || len(sess.Filesets) != 2 {
		t.Fatalf("session: %+v", sess)
	}
	if sess.Filesets[0].Name != "scan" || sess.Filesets[0].Checksum != "sum-scan" {
		t.Fatalf("acquired fileset: %+v", sess.Filesets[0])
	}
	derived := sess.Filesets[1]
	if derived.Name != "smoothed" || derived.FromStudy != "study1" {
		t.Fatalf("derived fileset: %+v", derived)
	}
	if derived.Checksum != fmt.Sprintf("%x", md5.Sum([]byte("smoothed"))) {
		t.Fatalf("ETag fallback checksum: %q", derived.Checksum)
	}
	sub, ok := tree.Subject("sub1")
	if !ok || len(sub.Fields) != 1 || sub.Fields[0].Name != "age" || sub.Fields[0].Value != float64(30) {
		t.Fatalf("subject fields: %+v", sub)
	}
	v1, ok := tree.Visit("visit1")
	if !ok || len(v1.Filesets) != 1 || v1.Filesets[0].Name != "norms" {
		t.Fatalf("visit summary: %+v", v1)
	}
	if len(tree.Filesets) != 1 || tree.Filesets[0].Name != "template" {
		t.Fatalf("study items: %+v", tree.Filesets)
	}
}

func TestTreeDirectoryFilesetCombinesChecksums(t *testing.T) {
	client := newFakeClient()
	client.seed("sub1/visit1/raw_dicom/0001.dcm", "frame1", map[string]string{checksumMetaKey: "sum-1"})
	client.seed("sub1/visit1/raw_dicom/0002.dcm", "frame2", map[string]string{checksumMetaKey: "sum-2"})

	store := newTestStore(t, client, "")
	tree, err := store.Tree(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	sess, ok := tree.Session("sub1", "visit1")
	if !ok || len(sess.Filesets) != 1 {
		t.Fatalf("directory objects must collapse into one item: %+v", sess)
	}
	it := sess.Filesets[0]
	if it.Name != "raw_dicom" {
		t.Fatalf("directory fileset: %+v", it)
	}
	want := domain.ChecksumBytes([]byte("sum-1\nsum-2"))
	if it.Checksum != want {
		t.Fatalf("combined checksum %q, want %q", it.Checksum, want)
	}
}

func TestTreePrefixAndScope(t *testing.T) {
	client := newFakeClient()
	client.seed("studies/alpha/sub1/visit1/scan.txt", "a", map[string]string{checksumMetaKey: "sum-a"})
	client.seed("studies/alpha/sub2/visit1/scan.txt", "b", map[string]string{checksumMetaKey: "sum-b"})
	client.seed("other/sub9/visit1/scan.txt", "x", map[string]string{checksumMetaKey: "sum-x"})

	store := newTestStore(t, client, "studies/alpha")
	tree, err := store.Tree(context.Background(), []string{"sub1"}, nil)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(tree.Subjects) != 1 || tree.Subjects[0].ID != "sub1" {
		t.Fatalf("prefix or subject scope not applied: %+v", tree.Subjects)
	}
}

func TestTreePaginatedListing(t *testing.T) {
	client := newFakeClient()
	client.pageSize = 1
	client.seed("sub1/visit1/scan.txt", "a", map[string]string{checksumMetaKey: "sum-a"})
	client.seed("sub2/visit1/scan.txt", "b", map[string]string{checksumMetaKey: "sum-b"})
	client.seed("sub3/visit1/scan.txt", "c", map[string]string{checksumMetaKey: "sum-c"})

	store := newTestStore(t, client, "")
	tree, err := store.Tree(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(tree.Sessions()) != 3 {
		t.Fatalf("pagination dropped sessions: %+v", tree.Sessions())
	}
}

func TestPutGetFileset(t *testing.T) {
	client := newFakeClient()
	store := newTestStore(t, client, "")
	ctx := context.Background()
	item, err := domain.NewFileset("smoothed", domain.PerSession, "sub1", "visit1", "text")
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	item.FromStudy = "study1"
	stored, err := store.PutFileset(ctx, item, []byte("payload"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	key := "sub1/visit1/derivatives/study1/smoothed.txt"
	obj, ok := client.objects[key]
	if !ok {
		t.Fatalf("object not uploaded at %q; have %v", key, client.objects)
	}
	if obj.metadata[checksumMetaKey] != domain.ChecksumBytes([]byte("payload")) {
		t.Fatalf("checksum metadata missing: %v", obj.metadata)
	}
	wantPath := filepath.Join(store.cacheDir, "sub1", "visit1", "derivatives", "study1", "smoothed.txt")
	if stored.Path != wantPath {
		t.Fatalf("cached at %q, want %q", stored.Path, wantPath)
	}
	got, err := store.GetFileset(ctx, item)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Checksum != domain.ChecksumBytes([]byte("payload")) {
		t.Fatalf("checksum mismatch: %q", got.Checksum)
	}
}

func TestGetFilesetMissing(t *testing.T) {
	store := newTestStore(t, newFakeClient(), "")
	item, err := domain.NewFileset("scan", domain.PerSession, "sub1", "visit1", "text")
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if _, err := store.GetFileset(context.Background(), item); !domain.IsKind(err, domain.KindMissingData) {
		t.Fatalf("expected missing-data error, got %v", err)
	}
}

func TestFieldsObjectMerge(t *testing.T) {
	client := newFakeClient()
	store := newTestStore(t, client, "")
	ctx := context.Background()
	age, err := domain.NewField("age", domain.PerSubject, "sub1", "", domain.DTypeInt, false, 30)
	if err != nil {
		t.Fatalf("field: %v", err)
	}
	weight, err := domain.NewField("weight", domain.PerSubject, "sub1", "", domain.DTypeFloat, false, 70.5)
	if err != nil {
		t.Fatalf("field: %v", err)
	}
	if _, err := store.PutField(ctx, age); err != nil {
		t.Fatalf("put age: %v", err)
	}
	if _, err := store.PutField(ctx, weight); err != nil {
		t.Fatalf("put weight: %v", err)
	}
	if _, ok := client.objects["sub1/__subject__/fields.json"]; !ok {
		t.Fatalf("fields object not written; have %v", client.objects)
	}
	got, err := store.GetField(ctx, age)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != float64(30) {
		t.Fatalf("age value: %v", got.Value)
	}
	if _, err := store.GetField(ctx, weight); err != nil {
		t.Fatalf("merge lost weight: %v", err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	client := newFakeClient()
	store := newTestStore(t, client, "")
	ctx := context.Background()
	sessionKey := repoapi.RecordKey{
		PipelineName: "smooth",
		Frequency:    domain.PerSession,
		SubjectID:    "sub1",
		VisitID:      "visit1",
		FromStudy:    "study1",
	}
	studyKey := repoapi.RecordKey{
		PipelineName: "aggregate",
		Frequency:    domain.PerStudy,
		FromStudy:    "study1",
	}
	if got, err := store.GetRecord(ctx, sessionKey); err != nil || got != nil {
		t.Fatalf("absent record must be (nil, nil), got %v, %v", got, err)
	}
	rec := domain.NewRecord("smooth", domain.PerSession, "sub1", "visit1", "study1")
	if err := store.PutRecord(ctx, sessionKey, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutRecord(ctx, studyKey,
		domain.NewRecord("aggregate", domain.PerStudy, "", "", "study1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetRecord(ctx, sessionKey)
	if err != nil || got == nil || got.ID != rec.ID {
		t.Fatalf("round trip failed: %v, %v", got, err)
	}
	keys, err := store.RecordKeys(ctx)
	if err != nil || len(keys) != 2 {
		t.Fatalf("record keys: %v, %v", keys, err)
	}
	// Empty axis segments survive the "-" key encoding.
	found := false
	for _, key := range keys {
		if key == studyKey {
			found = true
		}
	}
	if !found {
		t.Fatalf("per-study key not recovered: %v", keys)
	}
}
