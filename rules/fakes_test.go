package rules

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/storagerules/accesscount"
)

var errStore = errors.New("store failure")

// fakeMetaStore records statements and serves canned results
type fakeMetaStore struct {
	mu         sync.Mutex
	executed   []string
	queries    []string
	files      []string
	filesErr   error
	failOn     string
	long       int64
	longFound  bool
	longErr    error
	policies   map[string]int
	fileCalled int
}

func (m *fakeMetaStore) Execute(ctx context.Context, stmt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, stmt)
	if m.failOn != "" && strings.Contains(stmt, m.failOn) {
		return errStore
	}
	return nil
}

func (m *fakeMetaStore) QueryForLong(ctx context.Context, stmt string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, stmt)
	return m.long, m.longFound, m.longErr
}

func (m *fakeMetaStore) ExecuteFilesPathQuery(ctx context.Context, stmt string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileCalled++
	m.queries = append(m.queries, stmt)
	if m.filesErr != nil {
		return nil, m.filesErr
	}
	return append([]string(nil), m.files...), nil
}

func (m *fakeMetaStore) StoragePolicyID(ctx context.Context, name string) (int, error) {
	id, ok := m.policies[name]
	if !ok {
		return 0, errors.New("no such policy")
	}
	return id, nil
}

// count returns how many executed statements equal stmt
func (m *fakeMetaStore) count(stmt string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.executed {
		if s == stmt {
			n++
		}
	}
	return n
}

type fakeCatalog struct {
	tables []accesscount.AccessCountTable
	err    error
}

func (c *fakeCatalog) TablesForLast(ctx context.Context, interval time.Duration) ([]accesscount.AccessCountTable, error) {
	return c.tables, c.err
}

// fakeSubmitter returns increasing ids, with per-call overrides
type fakeSubmitter struct {
	mu      sync.Mutex
	calls   []*CmdletDescriptor
	results map[int]int64
	errs    map[int]error
}

func (s *fakeSubmitter) SubmitCmdlet(ctx context.Context, desc *CmdletDescriptor) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.calls)
	s.calls = append(s.calls, desc)
	if err := s.errs[i]; err != nil {
		return NotSubmitted, err
	}
	if id, ok := s.results[i]; ok {
		return id, nil
	}
	return int64(i + 100), nil
}

// fakeHost serves a single repo
type fakeHost struct {
	repo      *RuleInfoRepo
	closed    bool
	meta      *fakeMetaStore
	catalog   *fakeCatalog
	submitter CmdletSubmitter
}

func (h *fakeHost) IsClosed() bool { return h.closed }

func (h *fakeHost) RuleInfo(id int64) (*RuleInfo, error) {
	if h.repo == nil || h.repo.ID() != id {
		return nil, ErrRuleNotFound
	}
	return h.repo.RuleInfo(), nil
}

func (h *fakeHost) UpdateRuleInfo(ctx context.Context, id int64, state *RuleState, lastCheckTime time.Time, checked, generated int64) error {
	return h.repo.UpdateRuleInfo(ctx, state, lastCheckTime, checked, generated)
}

func (h *fakeHost) MetaStore() MetaStore { return h.meta }

func (h *fakeHost) TableCatalog() TableCatalog { return h.catalog }

func (h *fakeHost) CmdletSubmitter() CmdletSubmitter { return h.submitter }

// staticTranslator returns a fixed translation and counts calls
type staticTranslator struct {
	result *TranslationResult
	err    error
	calls  int
}

func (s *staticTranslator) Translate(ruleID int64, submitTime time.Time, text string) (*TranslationResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result.Clone(), nil
}

// countingPlugin records hook invocations
type countingPlugin struct {
	NopPlugin
	mu      sync.Mutex
	created int
	exited  int
	skip    bool
}

func (p *countingPlugin) OnNewRuleExecutor(*RuleInfo, *TranslationResult) {
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
}

func (p *countingPlugin) PreExecution(*RuleInfo, *TranslationResult) bool {
	return !p.skip
}

func (p *countingPlugin) OnRuleExecutorExit(*RuleInfo) {
	p.mu.Lock()
	p.exited++
	p.mu.Unlock()
}

type testRule struct {
	repo       *RuleInfoRepo
	host       *fakeHost
	meta       *fakeMetaStore
	submitter  *fakeSubmitter
	store      *InMemoryRuleStore
	translator *staticTranslator
}

// newTestRule stores a NEW rule translating to tr
func newTestRule(t *testing.T, tr *TranslationResult, plugins ...Plugin) *testRule {
	t.Helper()
	ctx := context.Background()

	store := NewInMemoryRuleStore()
	info := &RuleInfo{Text: "test rule", State: StateNew, SubmitTime: time.Now()}
	if err := store.Add(ctx, info); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	translator := &staticTranslator{result: tr}
	repo := NewRuleInfoRepo(info, store, translator, ExecutorOptions{Plugins: plugins})
	meta := &fakeMetaStore{}
	submitter := &fakeSubmitter{}
	host := &fakeHost{repo: repo, meta: meta, catalog: &fakeCatalog{}, submitter: submitter}

	return &testRule{repo: repo, host: host, meta: meta, submitter: submitter, store: store, translator: translator}
}

// activate moves the rule to ACTIVE and returns its executor
func (r *testRule) activate(t *testing.T) *Executor {
	t.Helper()
	exec, err := r.repo.Activate(context.Background(), r.host)
	if err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}
	if exec == nil {
		t.Fatal("Activate() returned no executor")
	}
	return exec
}

// simpleTranslation matches files with a single result statement every second
func simpleTranslation() *TranslationResult {
	return &TranslationResult{
		Statements:  []string{"SELECT path FROM file WHERE length > 1024"},
		ResultIndex: 0,
		Schedule:    ScheduleInfo{BaseInterval: time.Second},
		Cmdlet:      "allssd",
		Parameters:  map[string][]any{},
	}
}
