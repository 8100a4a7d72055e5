package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/liamcoop/storagerules/internal/logger"
)

// RuleInfoRepo owns the authoritative state of one rule and its executor.
// Mutations take the write lock; RuleInfo takes the read lock.
type RuleInfoRepo struct {
	info       *RuleInfo
	compiled   *TranslationResult // pristine translation, cloned per executor
	executor   *Executor
	store      RuleStore
	translator Translator
	opts       ExecutorOptions
	log        *slog.Logger
	mu         sync.RWMutex
}

// NewRuleInfoRepo wraps info. The translator runs the first time an executor
// is launched.
func NewRuleInfoRepo(info *RuleInfo, store RuleStore, translator Translator, opts ExecutorOptions) *RuleInfoRepo {
	return &RuleInfoRepo{
		info:       info.Copy(),
		store:      store,
		translator: translator,
		opts:       opts.withDefaults(),
		log:        logger.Named("rules.repo").With("rule_id", info.ID),
	}
}

func (r *RuleInfoRepo) ID() int64 {
	return r.info.ID
}

// RuleInfo returns a copy of the rule
func (r *RuleInfoRepo) RuleInfo() *RuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info.Copy()
}

// Executor returns the current executor, which may have exited
func (r *RuleInfoRepo) Executor() *Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executor
}

// Translation returns a copy of the compiled translation, translating the
// rule if needed
func (r *RuleInfoRepo) Translation() (*TranslationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.compile(); err != nil {
		return nil, err
	}
	return r.compiled.Clone(), nil
}

// Activate moves the rule to ACTIVE and launches an executor. The executor is
// nil when the previous one is still running. Activating an ACTIVE rule only
// relaunches an exited executor.
func (r *RuleInfoRepo) Activate(ctx context.Context, host RuleHost) (*Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.info.State == StateActive {
		if err := r.compile(); err != nil {
			return nil, err
		}
		return r.launchExecutor(host), nil
	}
	if err := checkTransition(r.info.State, StateActive); err != nil {
		return nil, err
	}
	if err := r.compile(); err != nil {
		return nil, err
	}
	if err := r.store.UpdateRuleState(ctx, r.info.ID, StateActive); err != nil {
		return nil, fmt.Errorf("failed to persist state of rule %d: %w", r.info.ID, err)
	}
	r.info.State = StateActive
	return r.launchExecutor(host), nil
}

// LaunchExecutor creates an executor for an ACTIVE rule, for example after a
// restart. It returns nil while the current executor has not exited.
func (r *RuleInfoRepo) LaunchExecutor(host RuleHost) (*Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.info.State != StateActive {
		return nil, fmt.Errorf("rule %d is %s, not ACTIVE", r.info.ID, r.info.State)
	}
	if err := r.compile(); err != nil {
		return nil, err
	}
	return r.launchExecutor(host), nil
}

func (r *RuleInfoRepo) launchExecutor(host RuleHost) *Executor {
	if r.executor != nil && !r.executor.IsExited() {
		return nil
	}
	exec := NewExecutor(r.info.ID, r.compiled, host, r.opts)
	r.executor = exec

	info := r.info.Copy()
	for _, p := range r.opts.Plugins {
		p.OnNewRuleExecutor(info, exec.translation)
	}
	return exec
}

func (r *RuleInfoRepo) compile() error {
	if r.compiled != nil {
		return nil
	}
	if r.translator == nil {
		return fmt.Errorf("rule %d: no translator", r.info.ID)
	}
	tr, err := r.translator.Translate(r.info.ID, r.info.SubmitTime, r.info.Text)
	if err != nil {
		return fmt.Errorf("failed to translate rule %d: %w", r.info.ID, err)
	}
	r.compiled = tr
	return nil
}

// Disable moves the rule to DISABLED and stops its executor
func (r *RuleInfoRepo) Disable(ctx context.Context) error {
	return r.changeState(ctx, StateDisabled)
}

// Delete moves the rule to DELETED and stops its executor
func (r *RuleInfoRepo) Delete(ctx context.Context) error {
	return r.changeState(ctx, StateDeleted)
}

func (r *RuleInfoRepo) changeState(ctx context.Context, state RuleState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := checkTransition(r.info.State, state); err != nil {
		return err
	}
	if err := r.store.UpdateRuleState(ctx, r.info.ID, state); err != nil {
		return fmt.Errorf("failed to persist state of rule %d: %w", r.info.ID, err)
	}
	r.info.State = state
	r.markWorkExit()
	return nil
}

// UpdateRuleInfo applies counters and an optional state change, then
// persists the totals. The in-memory counters change even when persisting
// fails.
func (r *RuleInfoRepo) UpdateRuleInfo(ctx context.Context, state *RuleState, lastCheckTime time.Time, checked, generated int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state != nil {
		if err := checkTransition(r.info.State, *state); err != nil {
			return err
		}
	}
	r.info.Update(state, lastCheckTime, checked, generated)

	ok, err := r.store.UpdateRuleInfo(ctx, r.info.ID, r.info.State, r.info.LastCheckTime, r.info.NumChecked, r.info.NumCmdsGenerated)
	if state != nil && (*state == StateDisabled || *state == StateDeleted) {
		r.markWorkExit()
	}
	if err != nil {
		return fmt.Errorf("failed to persist rule %d: %w", r.info.ID, err)
	}
	if !ok {
		return fmt.Errorf("rule %d: %w", r.info.ID, ErrRuleNotFound)
	}
	return nil
}

// markWorkExit stops the current executor; callers hold the write lock
func (r *RuleInfoRepo) markWorkExit() {
	if r.executor == nil {
		return
	}
	r.executor.Stop(r.info.Copy())
	r.log.Debug("rule executor signalled to exit", "state", r.info.State.String())
}
