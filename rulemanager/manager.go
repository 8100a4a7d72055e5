package rulemanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liamcoop/storagerules/internal/logger"
	"github.com/liamcoop/storagerules/internal/metrics"
	"github.com/liamcoop/storagerules/rules"
)

// ErrManagerClosed is returned by mutating calls after Stop
var ErrManagerClosed = errors.New("rule manager is closed")

// CmdletQueue is the cmdlet submitter plus the cleanup a rule manager needs
// when a rule goes away
type CmdletQueue interface {
	rules.CmdletSubmitter
	DeletePendingCmdlets(ctx context.Context, ruleID int64) (int64, error)
}

// Config tunes the scheduler
type Config struct {
	// Executors is the number of rules activated concurrently
	Executors int
	// ActivationTimeout bounds a single activation, 0 means no bound
	ActivationTimeout time.Duration
}

// Deps are the collaborators a Manager is built from
type Deps struct {
	Store      rules.RuleStore
	Meta       rules.MetaStore
	Tables     rules.TableCatalog
	Queue      CmdletQueue
	Translator rules.Translator
	Executor   rules.ExecutorOptions
	Listeners  []LifecycleListener
	Metrics    *metrics.Metrics
}

// Manager owns the rule catalog and drives rule executors
type Manager struct {
	repos      map[int64]*rules.RuleInfoRepo
	store      rules.RuleStore
	meta       rules.MetaStore
	tables     rules.TableCatalog
	queue      CmdletQueue
	translator rules.Translator
	opts       rules.ExecutorOptions
	listeners  []LifecycleListener
	scheduler  *Scheduler
	now        func() time.Time
	log        *slog.Logger
	closed     atomic.Bool
	mu         sync.RWMutex
}

// NewManager creates a rule manager. Rules are read from the store by Load.
func NewManager(deps Deps, cfg Config) *Manager {
	opts := deps.Executor
	if opts.Metrics == nil {
		opts.Metrics = deps.Metrics
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		repos:      make(map[int64]*rules.RuleInfoRepo),
		store:      deps.Store,
		meta:       deps.Meta,
		tables:     deps.Tables,
		queue:      deps.Queue,
		translator: deps.Translator,
		opts:       opts,
		listeners:  deps.Listeners,
		scheduler:  NewScheduler(cfg.Executors, cfg.ActivationTimeout, deps.Metrics),
		now:        now,
		log:        logger.Named("rulemanager"),
	}
}

// Load reads all rules from the store into the catalog
func (m *Manager) Load(ctx context.Context) error {
	infos, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, info := range infos {
		if info.State == rules.StateDeleted {
			continue
		}
		m.repos[info.ID] = rules.NewRuleInfoRepo(info, m.store, m.translator, m.opts)
	}
	m.log.Info("rules loaded", "count", len(m.repos))
	return nil
}

// Start launches executors for every ACTIVE rule. A rule that fails to
// translate is logged and left in place.
func (m *Manager) Start(ctx context.Context) error {
	if m.IsClosed() {
		return ErrManagerClosed
	}

	m.mu.RLock()
	repos := make([]*rules.RuleInfoRepo, 0, len(m.repos))
	for _, repo := range m.repos {
		repos = append(repos, repo)
	}
	m.mu.RUnlock()
	sort.Slice(repos, func(i, j int) bool { return repos[i].ID() < repos[j].ID() })

	started := 0
	for _, repo := range repos {
		if err := ctx.Err(); err != nil {
			return err
		}
		info := repo.RuleInfo()
		if info.State != rules.StateActive {
			continue
		}
		exec, err := repo.LaunchExecutor(m)
		if err != nil {
			m.log.Error("failed to resume rule", "rule_id", info.ID, "error", err)
			continue
		}
		if err := m.schedule(exec, info); err != nil {
			return err
		}
		started++
	}
	m.log.Info("rule manager started", "active_rules", started)
	return nil
}

// Stop closes the manager and waits for running activations
func (m *Manager) Stop() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.scheduler.Stop()
	m.log.Info("rule manager stopped")
}

// SubmitRule validates and stores a rule. initState must be NEW, ACTIVE or
// DISABLED; an ACTIVE rule starts right away.
func (m *Manager) SubmitRule(ctx context.Context, text string, initState rules.RuleState) (int64, error) {
	if m.IsClosed() {
		return 0, ErrManagerClosed
	}
	if initState != rules.StateNew && initState != rules.StateActive && initState != rules.StateDisabled {
		err := fmt.Errorf("invalid initial state %s", initState)
		m.notifyAddFailure(text, err)
		return 0, err
	}

	submitTime := m.now()
	if _, err := m.translator.Translate(0, submitTime, text); err != nil {
		m.notifyAddFailure(text, err)
		return 0, fmt.Errorf("invalid rule: %w", err)
	}

	stored := rules.StateNew
	if initState == rules.StateDisabled {
		stored = rules.StateDisabled
	}
	info := &rules.RuleInfo{Text: text, State: stored, SubmitTime: submitTime}
	if err := m.store.Add(ctx, info); err != nil {
		m.notifyAddFailure(text, err)
		return 0, fmt.Errorf("failed to store rule: %w", err)
	}

	repo := rules.NewRuleInfoRepo(info, m.store, m.translator, m.opts)
	m.mu.Lock()
	m.repos[info.ID] = repo
	m.mu.Unlock()

	for _, l := range m.listeners {
		l.OnRuleAdded(info.Copy())
	}

	if initState == rules.StateActive {
		if err := m.ActivateRule(ctx, info.ID); err != nil {
			return info.ID, err
		}
	}
	return info.ID, nil
}

// ActivateRule moves a NEW or DISABLED rule to ACTIVE and schedules it.
// Activating an ACTIVE rule is a no-op while its executor is running.
func (m *Manager) ActivateRule(ctx context.Context, id int64) error {
	if m.IsClosed() {
		return ErrManagerClosed
	}
	repo, err := m.repo(id)
	if err != nil {
		return err
	}
	wasActive := repo.RuleInfo().State == rules.StateActive
	exec, err := repo.Activate(ctx, m)
	if err != nil {
		return err
	}
	info := repo.RuleInfo()
	if exec != nil {
		if err := m.schedule(exec, info); err != nil {
			return err
		}
	}
	if wasActive && exec == nil {
		return nil
	}
	for _, l := range m.listeners {
		l.OnRuleStart(info.Copy())
	}
	return nil
}

// DisableRule stops an ACTIVE rule, optionally dropping its pending cmdlets
func (m *Manager) DisableRule(ctx context.Context, id int64, dropPendingCmdlets bool) error {
	if m.IsClosed() {
		return ErrManagerClosed
	}
	repo, err := m.repo(id)
	if err != nil {
		return err
	}
	if err := repo.Disable(ctx); err != nil {
		return err
	}
	if dropPendingCmdlets {
		m.dropPending(ctx, id)
	}
	info := repo.RuleInfo()
	for _, l := range m.listeners {
		l.OnRuleStop(info.Copy())
	}
	return nil
}

// DeleteRule marks a rule DELETED and stops it. The rule stays visible in
// ListRules with state DELETED until the next Load.
func (m *Manager) DeleteRule(ctx context.Context, id int64, dropPendingCmdlets bool) error {
	if m.IsClosed() {
		return ErrManagerClosed
	}
	repo, err := m.repo(id)
	if err != nil {
		return err
	}
	if err := repo.Delete(ctx); err != nil {
		return err
	}
	if dropPendingCmdlets {
		m.dropPending(ctx, id)
	}
	info := repo.RuleInfo()
	for _, l := range m.listeners {
		l.OnRuleDelete(info.Copy())
	}
	return nil
}

// ListRules returns copies of all rules ordered by ID
func (m *Manager) ListRules() []*rules.RuleInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*rules.RuleInfo, 0, len(m.repos))
	for _, repo := range m.repos {
		out = append(out, repo.RuleInfo())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RuleInfo returns a copy of one rule
func (m *Manager) RuleInfo(id int64) (*rules.RuleInfo, error) {
	repo, err := m.repo(id)
	if err != nil {
		return nil, err
	}
	return repo.RuleInfo(), nil
}

// UpdateRuleInfo applies an executor's bookkeeping to its rule
func (m *Manager) UpdateRuleInfo(ctx context.Context, id int64, state *rules.RuleState, lastCheckTime time.Time, checked, generated int64) error {
	repo, err := m.repo(id)
	if err != nil {
		return err
	}
	if err := repo.UpdateRuleInfo(ctx, state, lastCheckTime, checked, generated); err != nil {
		return err
	}
	if state != nil && *state == rules.StateFinished {
		info := repo.RuleInfo()
		for _, l := range m.listeners {
			l.OnRuleStop(info.Copy())
		}
	}
	return nil
}

func (m *Manager) IsClosed() bool {
	return m.closed.Load()
}

func (m *Manager) MetaStore() rules.MetaStore {
	return m.meta
}

func (m *Manager) TableCatalog() rules.TableCatalog {
	return m.tables
}

func (m *Manager) CmdletSubmitter() rules.CmdletSubmitter {
	return m.queue
}

func (m *Manager) repo(id int64) (*rules.RuleInfoRepo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	repo, ok := m.repos[id]
	if !ok {
		return nil, fmt.Errorf("rule %d: %w", id, rules.ErrRuleNotFound)
	}
	return repo, nil
}

// schedule starts exec at the rule's start time or, for a rule that already
// ran, one interval after its last check
func (m *Manager) schedule(exec *rules.Executor, info *rules.RuleInfo) error {
	sched := exec.Schedule()
	first := sched.StartTime
	if !info.LastCheckTime.IsZero() && sched.BaseInterval > 0 {
		if next := info.LastCheckTime.Add(sched.BaseInterval); next.After(first) {
			first = next
		}
	}
	if err := m.scheduler.Schedule(exec, first.Sub(m.now()), sched.BaseInterval); err != nil {
		return fmt.Errorf("failed to schedule rule %d: %w", info.ID, err)
	}
	return nil
}

func (m *Manager) dropPending(ctx context.Context, id int64) {
	if m.queue == nil {
		return
	}
	n, err := m.queue.DeletePendingCmdlets(ctx, id)
	if err != nil {
		m.log.Error("failed to drop pending cmdlets", "rule_id", id, "error", err)
		return
	}
	m.log.Debug("pending cmdlets dropped", "rule_id", id, "count", n)
}

func (m *Manager) notifyAddFailure(text string, err error) {
	for _, l := range m.listeners {
		l.OnRuleAddFailure(text, err)
	}
}
