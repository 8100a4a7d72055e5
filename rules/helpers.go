package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/liamcoop/storagerules/accesscount"
)

// Names of the built-in helpers
const (
	HelperVirtualTable                 = "genVirtualAccessCountTable"
	HelperVirtualTableTopValue         = "genVirtualAccessCountTableTopValue"
	HelperVirtualTableBottomValue      = "genVirtualAccessCountTableBottomValue"
	HelperVirtualTableTopValueOnPolicy = "genVirtualAccessCountTableTopValueOnStoragePolicy"
	HelperVirtualTableBottomOnPolicy   = "genVirtualAccessCountTableBottomValueOnStoragePolicy"
)

// CacheStorage selects files present in the cache instead of a storage policy
const CacheStorage = "CACHE"

// HelperFunc implements a $@name(param) call. params is the parameter list
// declared for param: [paraList, tableName, varName...]. The returned text
// replaces the call.
type HelperFunc func(ctx context.Context, scope *HelperScope, params []any) (string, error)

// HelperScope is what a helper may touch during one activation
type HelperScope struct {
	RuleID int64
	Vars   *ExecutionContext
	Store  MetaStore
	Tables TableCatalog
	Log    *slog.Logger

	cleanups *cleanupStack
}

// DeferCleanup queues a statement run after the activation's statements
func (s *HelperScope) DeferCleanup(stmt string) {
	s.cleanups.push(stmt)
}

// TablesForLast looks up the tables covering the trailing interval. Ephemeral
// tables are queued for dropping. A failed lookup yields no tables.
func (s *HelperScope) TablesForLast(ctx context.Context, interval time.Duration) []accesscount.AccessCountTable {
	if s.Tables == nil {
		return nil
	}
	tables, err := s.Tables.TablesForLast(ctx, interval)
	for _, t := range tables {
		if t.Ephemeral {
			s.DeferCleanup(accesscount.DropTableSQL(t.Name))
		}
	}
	if err != nil {
		s.Log.Error("failed to get access count tables", "interval", interval.String(), "error", err)
		return nil
	}
	s.Log.Debug("access count tables", "interval", interval.String(), "count", len(tables))
	return tables
}

// HelperRegistry maps helper names to implementations. Register everything
// before executors start; lookups are not synchronized with Register.
type HelperRegistry struct {
	helpers map[string]HelperFunc
}

// NewHelperRegistry returns an empty registry
func NewHelperRegistry() *HelperRegistry {
	return &HelperRegistry{helpers: make(map[string]HelperFunc)}
}

// DefaultHelpers returns a registry with the access count helpers
func DefaultHelpers() *HelperRegistry {
	r := NewHelperRegistry()
	r.mustRegister(HelperVirtualTable, genVirtualAccessCountTable)
	r.mustRegister(HelperVirtualTableTopValue, rankedValue(true, false))
	r.mustRegister(HelperVirtualTableBottomValue, rankedValue(false, false))
	r.mustRegister(HelperVirtualTableTopValueOnPolicy, rankedValue(true, true))
	r.mustRegister(HelperVirtualTableBottomOnPolicy, rankedValue(false, true))
	return r
}

// Register adds a helper
func (r *HelperRegistry) Register(name string, fn HelperFunc) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid helper name %q", name)
	}
	if fn == nil {
		return fmt.Errorf("helper %s has no implementation", name)
	}
	if _, exists := r.helpers[name]; exists {
		return fmt.Errorf("helper %s already registered", name)
	}
	r.helpers[name] = fn
	return nil
}

func (r *HelperRegistry) mustRegister(name string, fn HelperFunc) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the helper registered under name
func (r *HelperRegistry) Lookup(name string) (HelperFunc, bool) {
	fn, ok := r.helpers[name]
	return fn, ok
}

// Names lists registered helpers alphabetically
func (r *HelperRegistry) Names() []string {
	names := make([]string, 0, len(r.helpers))
	for name := range r.helpers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// genVirtualAccessCountTable builds a table summing access counts over the
// trailing interval in paraList[0]. paraList[1] may hold a count filter such
// as "> 10".
func genVirtualAccessCountTable(ctx context.Context, scope *HelperScope, params []any) (string, error) {
	paraList, table, err := tableArgs(params)
	if err != nil {
		return "", err
	}
	if len(paraList) < 1 {
		return "", fmt.Errorf("%s: interval expected", HelperVirtualTable)
	}
	interval, err := asDuration(paraList[0])
	if err != nil {
		return "", fmt.Errorf("%s: %w", HelperVirtualTable, err)
	}
	filter := ""
	if len(paraList) > 1 {
		s, ok := paraList[1].(string)
		if !ok {
			return "", fmt.Errorf("%s: count filter must be a string, got %T", HelperVirtualTable, paraList[1])
		}
		filter = strings.TrimSpace(s)
	}
	if err := validateCountFilter(filter); err != nil {
		return "", err
	}

	tables := scope.TablesForLast(ctx, interval)
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		names = append(names, t.Name)
	}

	scope.DeferCleanup(accesscount.DropTableSQL(table))
	return GenerateSQL(ctx, names, table, filter, scope.Store)
}

// GenerateSQL creates newTable and returns the statement that fills it with
// the summed counts of tableNames, optionally restricted by countFilter.
func GenerateSQL(ctx context.Context, tableNames []string, newTable, countFilter string, store MetaStore) (string, error) {
	if err := store.Execute(ctx, accesscount.CreateTableSQL(newTable)); err != nil {
		return "", fmt.Errorf("failed to create table %s: %w", newTable, err)
	}

	switch {
	case len(tableNames) == 0:
		return fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", newTable, accesscount.BlankTableName), nil
	case len(tableNames) == 1 && countFilter == "":
		return fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", newTable, tableNames[0]), nil
	}

	having := ""
	if countFilter != "" {
		having = " HAVING SUM(count) " + countFilter
	}
	return fmt.Sprintf("INSERT INTO %s SELECT * FROM (SELECT fid, SUM(count) AS count FROM (%s) as tmp GROUP BY fid%s) temp",
		newTable, accesscount.UnionTablesQuery(tableNames), having), nil
}

// rankedValue stores the Nth highest (top) or lowest count of a virtual table
// into a variable. With onPolicy the table is first restricted to files on the
// storage named by paraList[2].
func rankedValue(top, onPolicy bool) HelperFunc {
	return func(ctx context.Context, scope *HelperScope, params []any) (string, error) {
		paraList, table, err := tableArgs(params)
		if err != nil {
			return "", err
		}
		if len(params) < 3 {
			return "", fmt.Errorf("variable name expected")
		}
		varName, ok := params[2].(string)
		if !ok || validateIdentifier(varName) != nil {
			return "", fmt.Errorf("invalid variable name %v", params[2])
		}
		// the variable is always set, failures leave 0
		scope.Vars.Set(varName, int64(0))

		if len(paraList) < 2 {
			return "", fmt.Errorf("rank expected in %v", paraList)
		}
		n, err := asInt(paraList[1])
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid rank %v", paraList[1])
		}

		source := table
		if onPolicy {
			if len(paraList) < 3 {
				return "", fmt.Errorf("storage expected in %v", paraList)
			}
			storage, ok := paraList[2].(string)
			if !ok {
				return "", fmt.Errorf("storage must be a string, got %T", paraList[2])
			}
			source = "(" + storageFilteredQuery(ctx, scope, table, storage) + ")"
		}

		query := rankQuery(table, source, top, n, onPolicy)
		value, found, err := scope.Store.QueryForLong(ctx, query)
		if err != nil {
			return "", fmt.Errorf("failed to query ranked value: %w", err)
		}
		if found {
			scope.Vars.Set(varName, value)
		}
		return "", nil
	}
}

func rankQuery(table, source string, top bool, n int64, onPolicy bool) string {
	agg, order := "max", ""
	if top {
		agg, order = "min", "DESC "
	}
	if !onPolicy {
		return fmt.Sprintf("SELECT %s(count) FROM ( SELECT * FROM %s ORDER BY count %sLIMIT %d ) AS %s_TMP",
			agg, table, order, n, table)
	}
	return fmt.Sprintf("SELECT %s(count) FROM ( SELECT * FROM %s AS %s_AL1_TMP ORDER BY count %sLIMIT %d ) AS %s_AL2_TMP",
		agg, source, table, order, n, table)
}

func storageFilteredQuery(ctx context.Context, scope *HelperScope, table, storage string) string {
	if strings.EqualFold(storage, CacheStorage) {
		return fmt.Sprintf("SELECT %[1]s.fid, %[1]s.count FROM %[1]s JOIN cached_file ON (%[1]s.fid = cached_file.fid)", table)
	}

	policyID, err := scope.Store.StoragePolicyID(ctx, strings.ToUpper(storage))
	if err != nil {
		scope.Log.Warn("unknown storage policy", "storage", storage, "error", err)
		policyID = -1
	}
	return fmt.Sprintf("SELECT %[1]s.fid, %[1]s.count FROM %[1]s LEFT JOIN file ON (%[1]s.fid = file.fid) WHERE file.sid = %[2]d",
		table, policyID)
}

// tableArgs unpacks [paraList, tableName, ...]
func tableArgs(params []any) ([]any, string, error) {
	if len(params) < 2 {
		return nil, "", fmt.Errorf("expected parameter list and table name, got %d parameters", len(params))
	}
	paraList, ok := params[0].([]any)
	if !ok {
		return nil, "", fmt.Errorf("parameter list expected, got %T", params[0])
	}
	table, ok := params[1].(string)
	if !ok {
		return nil, "", fmt.Errorf("table name expected, got %T", params[1])
	}
	if err := validateIdentifier(table); err != nil {
		return nil, "", fmt.Errorf("invalid table name %q: %w", table, err)
	}
	return paraList, table, nil
}

// asDuration accepts durations, numbers of milliseconds and duration strings
func asDuration(v any) (time.Duration, error) {
	var d time.Duration
	switch val := v.(type) {
	case time.Duration:
		d = val
	case int:
		d = time.Duration(val) * time.Millisecond
	case int64:
		d = time.Duration(val) * time.Millisecond
	case float64:
		d = time.Duration(val) * time.Millisecond
	case string:
		if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
			d = time.Duration(ms) * time.Millisecond
			break
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", val, err)
		}
		d = parsed
	default:
		return 0, fmt.Errorf("invalid interval type %T", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %s", d)
	}
	return d, nil
}

func asInt(v any) (int64, error) {
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int64:
		return val, nil
	case float64:
		return int64(val), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	default:
		return 0, fmt.Errorf("integer expected, got %T", v)
	}
}
