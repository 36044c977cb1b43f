package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"studycore/internal/infra/provindex"
	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

type stubDriver struct {
	conn *stubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// stubConn emulates just enough of a Postgres connection for the
// provenance table: upserts keyed by node_key, point lookups on payload
// and the ordered key listing.
type stubConn struct {
	execs    []string
	rows     map[string]stubRow
	failPing bool
}

type stubRow struct {
	fromStudy string
	pipeline  string
	frequency string
	subjectID string
	visitID   string
	payload   []byte
}

func newStubDB(t *testing.T) (*sql.DB, *stubConn) {
	t.Helper()
	conn := &stubConn{rows: map[string]stubRow{}}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		t.Fatalf("open stub: %v", err)
	}
	return db, conn
}

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error)           { return nil, fmt.Errorf("not implemented") }

func (c *stubConn) Ping(context.Context) error {
	if c.failPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

func (c *stubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.execs = append(c.execs, query)
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "INSERT INTO") {
		if len(args) != 7 {
			return nil, fmt.Errorf("expected 7 args, got %d", len(args))
		}
		c.rows[args[0].Value.(string)] = stubRow{
			fromStudy: args[1].Value.(string),
			pipeline:  args[2].Value.(string),
			frequency: args[3].Value.(string),
			subjectID: args[4].Value.(string),
			visitID:   args[5].Value.(string),
			payload:   append([]byte(nil), args[6].Value.([]byte)...),
		}
	}
	return driver.RowsAffected(1), nil
}

func (c *stubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if strings.Contains(query, "WHERE node_key") {
		row, ok := c.rows[args[0].Value.(string)]
		if !ok {
			return &stubRows{cols: []string{"payload"}}, nil
		}
		return &stubRows{
			cols: []string{"payload"},
			rows: [][]driver.Value{{row.payload}},
		}, nil
	}
	keys := make([]string, 0, len(c.rows))
	for k := range c.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := &stubRows{cols: []string{"from_study", "pipeline", "frequency", "subject_id", "visit_id"}}
	for _, k := range keys {
		row := c.rows[k]
		out.rows = append(out.rows, []driver.Value{
			row.fromStudy, row.pipeline, row.frequency, row.subjectID, row.visitID,
		})
	}
	return out, nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

var (
	_ driver.Pinger         = (*stubConn)(nil)
	_ driver.ExecerContext  = (*stubConn)(nil)
	_ driver.QueryerContext = (*stubConn)(nil)
)

func newTestStore(t *testing.T) (*Store, *stubConn) {
	t.Helper()
	db, conn := newStubDB(t)
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn
}

func TestNewStoreEnsuresTable(t *testing.T) {
	_, conn := newTestStore(t)
	var sawDDL bool
	for _, stmt := range conn.execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE") {
			sawDDL = true
			break
		}
	}
	if !sawDDL {
		t.Fatalf("expected provenance DDL, got execs: %v", conn.execs)
	}
}

func TestNewStorePingFailure(t *testing.T) {
	db, conn := newStubDB(t)
	conn.failPing = true
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	if _, err := NewStore(""); err == nil || !strings.Contains(err.Error(), "ping postgres") {
		t.Fatalf("expected ping failure, got %v", err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()
	key := repoapi.RecordKey{
		PipelineName: "smooth",
		Frequency:    domain.PerSession,
		SubjectID:    "sub1",
		VisitID:      "visit1",
		FromStudy:    "study1",
	}
	if got, err := store.Get(ctx, key); err != nil || got != nil {
		t.Fatalf("absent key must return (nil, nil), got %v, %v", got, err)
	}
	rec := domain.NewRecord("smooth", domain.PerSession, "sub1", "visit1", "study1")
	if err := store.Put(ctx, key, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil || got == nil || got.ID != rec.ID {
		t.Fatalf("round trip failed: %v, %v", got, err)
	}

	// Re-put replaces the payload without duplicating the row.
	updated := domain.NewRecord("smooth", domain.PerSession, "sub1", "visit1", "study1")
	if err := store.Put(ctx, key, updated); err != nil {
		t.Fatalf("re-put: %v", err)
	}
	if len(conn.rows) != 1 {
		t.Fatalf("upsert duplicated rows: %d", len(conn.rows))
	}
	got, err = store.Get(ctx, key)
	if err != nil || got == nil || got.ID != updated.ID {
		t.Fatalf("upsert did not replace payload: %v, %v", got, err)
	}
}

func TestKeysOrdered(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	keys := []repoapi.RecordKey{
		{PipelineName: "b", Frequency: domain.PerStudy, FromStudy: "study1"},
		{PipelineName: "a", Frequency: domain.PerSession, SubjectID: "sub1", VisitID: "visit1", FromStudy: "study1"},
	}
	for _, key := range keys {
		rec := domain.NewRecord(key.PipelineName, key.Frequency, key.SubjectID, key.VisitID, key.FromStudy)
		if err := store.Put(ctx, key, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	listed, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 keys, got %v", listed)
	}
	for i := 1; i < len(listed); i++ {
		if provindex.KeyString(listed[i-1]) > provindex.KeyString(listed[i]) {
			t.Fatalf("keys not ordered: %v", listed)
		}
	}
}
