package rulemanager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/storagerules/metastore"
	"github.com/liamcoop/storagerules/rules"
)

const onceRule = `
statements:
  - SELECT path FROM file WHERE length > 100
cmdlet: allssd
schedule:
  once: true
`

const repeatingRule = `
statements:
  - SELECT path FROM file
cmdlet: cache
schedule:
  every: 1h
`

type fakeMeta struct{}

func (fakeMeta) Execute(ctx context.Context, stmt string) error { return nil }

func (fakeMeta) QueryForLong(ctx context.Context, stmt string) (int64, bool, error) {
	return 0, false, nil
}

func (fakeMeta) ExecuteFilesPathQuery(ctx context.Context, stmt string) ([]string, error) {
	return nil, nil
}

func (fakeMeta) StoragePolicyID(ctx context.Context, name string) (int, error) { return 0, nil }

type fakeQueue struct {
	mu      sync.Mutex
	dropped []int64
}

func (q *fakeQueue) SubmitCmdlet(ctx context.Context, desc *rules.CmdletDescriptor) (int64, error) {
	return 1, nil
}

func (q *fakeQueue) DeletePendingCmdlets(ctx context.Context, ruleID int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dropped = append(q.dropped, ruleID)
	return 0, nil
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingListener) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingListener) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingListener) OnRuleAdded(info *rules.RuleInfo)        { r.record("added") }
func (r *recordingListener) OnRuleAddFailure(text string, err error) { r.record("failed") }
func (r *recordingListener) OnRuleStart(info *rules.RuleInfo)        { r.record("start") }
func (r *recordingListener) OnRuleStop(info *rules.RuleInfo)         { r.record("stop") }
func (r *recordingListener) OnRuleDelete(info *rules.RuleInfo)       { r.record("delete") }

func newTestManager(t *testing.T, store rules.RuleStore, listeners ...LifecycleListener) (*Manager, *fakeQueue) {
	t.Helper()
	queue := &fakeQueue{}
	m := NewManager(Deps{
		Store:      store,
		Meta:       fakeMeta{},
		Queue:      queue,
		Translator: rules.NewYAMLTranslator(nil),
		Listeners:  append(listeners, NewAuditLogger(nil)),
	}, Config{Executors: 2})
	t.Cleanup(m.Stop)
	return m, queue
}

func waitForState(t *testing.T, m *Manager, id int64, want rules.RuleState) *rules.RuleInfo {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		info, err := m.RuleInfo(id)
		if err != nil {
			t.Fatalf("RuleInfo() failed: %v", err)
		}
		if info.State == want {
			return info
		}
		if time.Now().After(deadline) {
			t.Fatalf("rule %d is %s, want %s", id, info.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestSubmitRuleStates verifies the accepted initial states
func TestSubmitRuleStates(t *testing.T) {
	ctx := context.Background()
	listener := &recordingListener{}
	m, _ := newTestManager(t, rules.NewInMemoryRuleStore(), listener)

	newID, err := m.SubmitRule(ctx, repeatingRule, rules.StateNew)
	if err != nil {
		t.Fatalf("SubmitRule(NEW) failed: %v", err)
	}
	disabledID, err := m.SubmitRule(ctx, repeatingRule, rules.StateDisabled)
	if err != nil {
		t.Fatalf("SubmitRule(DISABLED) failed: %v", err)
	}
	if _, err := m.SubmitRule(ctx, repeatingRule, rules.StateFinished); err == nil {
		t.Error("SubmitRule(FINISHED) succeeded")
	}
	if _, err := m.SubmitRule(ctx, "statements: [", rules.StateNew); err == nil {
		t.Error("SubmitRule() accepted an invalid document")
	}

	list := m.ListRules()
	if len(list) != 2 || list[0].ID != newID || list[1].ID != disabledID {
		t.Fatalf("ListRules() = %+v", list)
	}
	if list[0].State != rules.StateNew || list[1].State != rules.StateDisabled {
		t.Errorf("states = %s, %s", list[0].State, list[1].State)
	}

	events := listener.Events()
	want := []string{"added", "added", "failed", "failed"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, events[i], want[i])
		}
	}
}

// TestRuleLifecycle verifies activate, disable and delete through the manager
func TestRuleLifecycle(t *testing.T) {
	ctx := context.Background()
	store := rules.NewInMemoryRuleStore()
	listener := &recordingListener{}
	m, queue := newTestManager(t, store, listener)

	id, err := m.SubmitRule(ctx, repeatingRule, rules.StateNew)
	if err != nil {
		t.Fatalf("SubmitRule() failed: %v", err)
	}
	if err := m.ActivateRule(ctx, id); err != nil {
		t.Fatalf("ActivateRule() failed: %v", err)
	}
	first := m.repos[id].Executor()
	if err := m.ActivateRule(ctx, id); err != nil {
		t.Errorf("second ActivateRule() failed: %v", err)
	}
	if exec := m.repos[id].Executor(); exec != first || exec.IsExited() {
		t.Error("second ActivateRule() replaced the running executor")
	}

	if err := m.DisableRule(ctx, id, true); err != nil {
		t.Fatalf("DisableRule() failed: %v", err)
	}
	stored, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if stored.State != rules.StateDisabled {
		t.Errorf("stored state = %s, want DISABLED", stored.State)
	}

	if err := m.DeleteRule(ctx, id, true); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	info, err := m.RuleInfo(id)
	if err != nil {
		t.Fatalf("RuleInfo() failed: %v", err)
	}
	if info.State != rules.StateDeleted {
		t.Errorf("state = %s, want DELETED", info.State)
	}
	if exec := m.repos[id].Executor(); exec == nil || !exec.IsExited() {
		t.Error("executor still running after delete")
	}

	queue.mu.Lock()
	dropped := len(queue.dropped)
	queue.mu.Unlock()
	if dropped != 2 {
		t.Errorf("pending cmdlets dropped %d times, want 2", dropped)
	}

	if _, err := m.RuleInfo(999); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("RuleInfo(999) = %v, want ErrRuleNotFound", err)
	}
	if err := m.DisableRule(ctx, 999, false); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("DisableRule(999) = %v, want ErrRuleNotFound", err)
	}

	events := listener.Events()
	want := []string{"added", "start", "stop", "delete"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

// TestLoadAndStart verifies ACTIVE rules resume after a restart and deleted
// rules stay out of the catalog
func TestLoadAndStart(t *testing.T) {
	ctx := context.Background()
	store := rules.NewInMemoryRuleStore()
	now := time.Now()
	seed := []*rules.RuleInfo{
		{Text: repeatingRule, State: rules.StateActive, SubmitTime: now},
		{Text: repeatingRule, State: rules.StateDisabled, SubmitTime: now},
		{Text: repeatingRule, State: rules.StateDeleted, SubmitTime: now},
		{Text: "not yaml: [", State: rules.StateActive, SubmitTime: now},
	}
	for _, info := range seed {
		if err := store.Add(ctx, info); err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
	}

	m, _ := newTestManager(t, store)
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got := len(m.ListRules()); got != 3 {
		t.Fatalf("ListRules() has %d rules, want 3", got)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if exec := m.repos[seed[0].ID].Executor(); exec == nil {
		t.Error("ACTIVE rule was not resumed")
	}
	if exec := m.repos[seed[1].ID].Executor(); exec != nil {
		t.Error("DISABLED rule was started")
	}
	if exec := m.repos[seed[3].ID].Executor(); exec != nil {
		t.Error("untranslatable rule was started")
	}
}

// TestManagerStop verifies a stopped manager refuses changes
func TestManagerStop(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, rules.NewInMemoryRuleStore())
	id, err := m.SubmitRule(ctx, repeatingRule, rules.StateActive)
	if err != nil {
		t.Fatalf("SubmitRule() failed: %v", err)
	}

	m.Stop()
	if !m.IsClosed() {
		t.Error("IsClosed() = false after Stop")
	}
	if _, err := m.SubmitRule(ctx, repeatingRule, rules.StateNew); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("SubmitRule() = %v, want ErrManagerClosed", err)
	}
	if err := m.DisableRule(ctx, id, false); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("DisableRule() = %v, want ErrManagerClosed", err)
	}
}

// TestOnceRuleEndToEnd verifies a once rule queues cmdlets for matching files
// in the metadata store and then finishes
func TestOnceRuleEndToEnd(t *testing.T) {
	ctx := context.Background()
	meta, err := metastore.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer meta.Close()
	if err := meta.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	for i, length := range []int64{50, 500, 5000} {
		f := metastore.File{FID: int64(i + 1), Path: "/data/f" + string(rune('a'+i)), Length: length}
		if err := meta.AddFile(ctx, f); err != nil {
			t.Fatalf("AddFile() failed: %v", err)
		}
	}

	listener := &recordingListener{}
	m := NewManager(Deps{
		Store:      rules.NewInMemoryRuleStore(),
		Meta:       meta,
		Queue:      meta,
		Translator: rules.NewYAMLTranslator(nil),
		Listeners:  []LifecycleListener{listener},
	}, Config{Executors: 1})
	defer m.Stop()

	id, err := m.SubmitRule(ctx, onceRule, rules.StateActive)
	if err != nil {
		t.Fatalf("SubmitRule() failed: %v", err)
	}
	info := waitForState(t, m, id, rules.StateFinished)
	if info.NumChecked != 1 || info.NumCmdsGenerated != 2 {
		t.Errorf("checked = %d, generated = %d, want 1 and 2", info.NumChecked, info.NumCmdsGenerated)
	}

	pending, err := meta.PendingCmdlets(ctx, 0)
	if err != nil {
		t.Fatalf("PendingCmdlets() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending cmdlets = %d, want 2", len(pending))
	}
	for _, c := range pending {
		if c.RuleID != id {
			t.Errorf("cmdlet %d belongs to rule %d, want %d", c.ID, c.RuleID, id)
		}
	}

	events := listener.Events()
	if len(events) != 3 || events[2] != "stop" {
		t.Errorf("events = %v, want added, start, stop", events)
	}
}
