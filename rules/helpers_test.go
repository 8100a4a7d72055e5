package rules

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/liamcoop/storagerules/accesscount"
	"github.com/liamcoop/storagerules/internal/logger"
)

func newTestScope(meta *fakeMetaStore, catalog *fakeCatalog) *HelperScope {
	return &HelperScope{
		RuleID:   1,
		Vars:     NewExecutionContext(1),
		Store:    meta,
		Tables:   catalog,
		Log:      logger.Discard(),
		cleanups: &cleanupStack{},
	}
}

// TestGenerateSQLNoTables verifies an empty table set reads the blank table
func TestGenerateSQLNoTables(t *testing.T) {
	meta := &fakeMetaStore{}
	stmt, err := GenerateSQL(context.Background(), nil, "t", "", meta)
	if err != nil {
		t.Fatalf("GenerateSQL() failed: %v", err)
	}

	wantCreate := "CREATE TABLE t(fid INTEGER NOT NULL, count INTEGER NOT NULL)"
	if len(meta.executed) != 1 || meta.executed[0] != wantCreate {
		t.Errorf("executed = %v, want [%s]", meta.executed, wantCreate)
	}
	if want := "INSERT INTO t SELECT * FROM blank_access_count_info"; stmt != want {
		t.Errorf("GenerateSQL() = %q, want %q", stmt, want)
	}
}

// TestGenerateSQLSingleTable verifies one unfiltered table is copied directly
func TestGenerateSQLSingleTable(t *testing.T) {
	stmt, err := GenerateSQL(context.Background(), []string{"ac_0_60000"}, "t", "", &fakeMetaStore{})
	if err != nil {
		t.Fatalf("GenerateSQL() failed: %v", err)
	}
	if want := "INSERT INTO t SELECT * FROM ac_0_60000"; stmt != want {
		t.Errorf("GenerateSQL() = %q, want %q", stmt, want)
	}
}

// TestGenerateSQLUnion verifies several tables are summed per fid with an optional filter
func TestGenerateSQLUnion(t *testing.T) {
	tables := []string{"a", "b"}

	stmt, err := GenerateSQL(context.Background(), tables, "t", "", &fakeMetaStore{})
	if err != nil {
		t.Fatalf("GenerateSQL() failed: %v", err)
	}
	want := "INSERT INTO t SELECT * FROM (SELECT fid, SUM(count) AS count FROM " +
		"(SELECT fid, count FROM a UNION ALL SELECT fid, count FROM b) as tmp GROUP BY fid) temp"
	if stmt != want {
		t.Errorf("GenerateSQL() = %q, want %q", stmt, want)
	}

	stmt, err = GenerateSQL(context.Background(), tables, "t", "> 10", &fakeMetaStore{})
	if err != nil {
		t.Fatalf("GenerateSQL() failed: %v", err)
	}
	if !strings.Contains(stmt, "UNION ALL") || !strings.HasSuffix(stmt, "GROUP BY fid HAVING SUM(count) > 10) temp") {
		t.Errorf("GenerateSQL() with filter = %q", stmt)
	}
}

// TestGenerateSQLCreateFailure verifies a failing CREATE is reported
func TestGenerateSQLCreateFailure(t *testing.T) {
	meta := &fakeMetaStore{failOn: "CREATE TABLE"}
	if _, err := GenerateSQL(context.Background(), nil, "t", "", meta); !errors.Is(err, errStore) {
		t.Errorf("GenerateSQL() error = %v, want store failure", err)
	}
}

// TestVirtualTableLookupFailure verifies a failed catalog lookup proceeds with zero tables
func TestVirtualTableLookupFailure(t *testing.T) {
	meta := &fakeMetaStore{}
	scope := newTestScope(meta, &fakeCatalog{err: errors.New("catalog down")})

	stmt, err := genVirtualAccessCountTable(context.Background(), scope, []any{[]any{"5m"}, "vt"})
	if err != nil {
		t.Fatalf("genVirtualAccessCountTable() failed: %v", err)
	}
	if want := "INSERT INTO vt SELECT * FROM blank_access_count_info"; stmt != want {
		t.Errorf("genVirtualAccessCountTable() = %q, want %q", stmt, want)
	}
	if got := scope.cleanups.drain(); len(got) != 1 || got[0] != accesscount.DropTableSQL("vt") {
		t.Errorf("cleanups = %v, want drop of vt", got)
	}
}

// TestVirtualTableRejectsBadArguments verifies argument validation
func TestVirtualTableRejectsBadArguments(t *testing.T) {
	scope := newTestScope(&fakeMetaStore{}, &fakeCatalog{})
	cases := map[string][]any{
		"missing table":  {[]any{"5m"}},
		"reserved table": {[]any{"5m"}, "file"},
		"no interval":    {[]any{}, "vt"},
		"bad interval":   {[]any{"soon"}, "vt"},
		"bad filter":     {[]any{"5m", "; DROP TABLE file"}, "vt"},
	}
	for name, params := range cases {
		if _, err := genVirtualAccessCountTable(context.Background(), scope, params); err == nil {
			t.Errorf("%s: genVirtualAccessCountTable(%v) succeeded", name, params)
		}
	}
}

// TestRankedValueDefaultsToZero verifies the variable is 0 when the query fails
func TestRankedValueDefaultsToZero(t *testing.T) {
	meta := &fakeMetaStore{longErr: errStore}
	scope := newTestScope(meta, &fakeCatalog{})
	fn := rankedValue(false, false)

	if _, err := fn(context.Background(), scope, []any{[]any{"5m", 2}, "vt", "cold"}); err == nil {
		t.Fatal("rankedValue() succeeded despite failing query")
	}
	v, ok := scope.Vars.Get("cold")
	if !ok || v != int64(0) {
		t.Errorf("cold = %v, %v, want 0", v, ok)
	}
	want := "SELECT max(count) FROM ( SELECT * FROM vt ORDER BY count LIMIT 2 ) AS vt_TMP"
	if meta.queries[0] != want {
		t.Errorf("query = %q, want %q", meta.queries[0], want)
	}
}

// TestRankedValueOnStoragePolicy verifies the storage filter joins cache or policy tables
func TestRankedValueOnStoragePolicy(t *testing.T) {
	meta := &fakeMetaStore{long: 7, longFound: true, policies: map[string]int{"ALL_SSD": 10}}
	scope := newTestScope(meta, &fakeCatalog{})

	top := rankedValue(true, true)
	if _, err := top(context.Background(), scope, []any{[]any{"5m", 1, "all_ssd"}, "vt", "hot"}); err != nil {
		t.Fatalf("rankedValue() failed: %v", err)
	}
	if v, _ := scope.Vars.Get("hot"); v != int64(7) {
		t.Errorf("hot = %v, want 7", v)
	}
	if !strings.Contains(meta.queries[0], "LEFT JOIN file ON (vt.fid = file.fid) WHERE file.sid = 10") {
		t.Errorf("policy query = %q", meta.queries[0])
	}
	if !strings.Contains(meta.queries[0], "AS vt_AL1_TMP ORDER BY count DESC LIMIT 1 ) AS vt_AL2_TMP") {
		t.Errorf("policy query = %q", meta.queries[0])
	}

	bottom := rankedValue(false, true)
	if _, err := bottom(context.Background(), scope, []any{[]any{"5m", 1, "cache"}, "vt", "cold"}); err != nil {
		t.Fatalf("rankedValue() failed: %v", err)
	}
	if !strings.Contains(meta.queries[1], "JOIN cached_file ON (vt.fid = cached_file.fid)") {
		t.Errorf("cache query = %q", meta.queries[1])
	}

	if _, err := bottom(context.Background(), scope, []any{[]any{"5m", 1, "unknown"}, "vt", "cold"}); err != nil {
		t.Fatalf("rankedValue() failed: %v", err)
	}
	if !strings.Contains(meta.queries[2], "WHERE file.sid = -1") {
		t.Errorf("unknown policy query = %q", meta.queries[2])
	}
}

// TestHelperRegistry verifies registration rules and enumeration
func TestHelperRegistry(t *testing.T) {
	r := DefaultHelpers()
	names := r.Names()
	if len(names) != 5 {
		t.Fatalf("Names() = %v, want 5 built-ins", names)
	}
	for _, name := range []string{HelperVirtualTable, HelperVirtualTableTopValue, HelperVirtualTableBottomOnPolicy} {
		if _, ok := r.Lookup(name); !ok {
			t.Errorf("Lookup(%s) found nothing", name)
		}
	}

	noop := func(context.Context, *HelperScope, []any) (string, error) { return "", nil }
	if err := r.Register(HelperVirtualTable, noop); err == nil {
		t.Error("Register() accepted a duplicate name")
	}
	if err := r.Register("bad-name", noop); err == nil {
		t.Error("Register() accepted an invalid name")
	}
	if err := r.Register("custom", nil); err == nil {
		t.Error("Register() accepted a nil helper")
	}
	if err := r.Register("custom", noop); err != nil {
		t.Errorf("Register(custom) failed: %v", err)
	}
}

// TestSubstituteVariables verifies $name replacement and unresolved names
func TestSubstituteVariables(t *testing.T) {
	vars := NewExecutionContext(1)
	vars.Set(NowProperty, int64(1000))
	vars.Set("limit", 5)

	got, err := substituteVariables("SELECT * FROM t WHERE ts < $NOW LIMIT $limit", vars)
	if err != nil {
		t.Fatalf("substituteVariables() failed: %v", err)
	}
	if want := "SELECT * FROM t WHERE ts < 1000 LIMIT 5"; got != want {
		t.Errorf("substituteVariables() = %q, want %q", got, want)
	}

	_, err = substituteVariables("SELECT $nope, $limit", vars)
	var ue *UnresolvedVariableError
	if !errors.As(err, &ue) || ue.Name != "nope" {
		t.Errorf("substituteVariables() error = %v, want unresolved nope", err)
	}

	got, err = substituteVariables("$@fn(p) AND x = $1", vars)
	if err != nil || got != "$@fn(p) AND x = $1" {
		t.Errorf("substituteVariables() touched calls or placeholders: %q, %v", got, err)
	}
}

// TestCleanupStackOrder verifies cleanups drain newest first and only once
func TestCleanupStackOrder(t *testing.T) {
	s := &cleanupStack{}
	s.push("a")
	s.push("b")
	s.push("c")

	got := s.drain()
	if strings.Join(got, ",") != "c,b,a" {
		t.Errorf("drain() = %v, want [c b a]", got)
	}
	if s.len() != 0 || len(s.drain()) != 0 {
		t.Error("drain() left statements behind")
	}
}

// TestIsExecutable verifies short leftovers are skipped
func TestIsExecutable(t *testing.T) {
	if isExecutable("  ;  ") || isExecutable("") {
		t.Error("isExecutable() accepted an empty statement")
	}
	if !isExecutable("DROP TABLE x") {
		t.Error("isExecutable() rejected a statement")
	}
}
