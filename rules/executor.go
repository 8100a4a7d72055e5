package rules

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liamcoop/storagerules/internal/logger"
	"github.com/liamcoop/storagerules/internal/metrics"
)

// Outcome tells the scheduler whether to keep running an executor
type Outcome int

const (
	Continue Outcome = iota
	Terminate
)

func (o Outcome) String() string {
	if o == Terminate {
		return "terminate"
	}
	return "continue"
}

// ExecutorOptions are shared by every executor a repo launches
type ExecutorOptions struct {
	Helpers *HelperRegistry
	Plugins []Plugin
	Metrics *metrics.Metrics
	// Now defaults to time.Now
	Now func() time.Time
	// SlowActivation logs activations taking longer than this
	SlowActivation time.Duration
	// CleanupTimeout bounds the drop statements run after an activation
	CleanupTimeout time.Duration
}

func (o ExecutorOptions) withDefaults() ExecutorOptions {
	if o.Helpers == nil {
		o.Helpers = DefaultHelpers()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.SlowActivation <= 0 {
		o.SlowActivation = 2 * time.Second
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = 30 * time.Second
	}
	return o
}

// Executor evaluates one rule per Run call and submits cmdlets for matches
type Executor struct {
	ruleID      int64
	host        RuleHost
	translation *TranslationResult
	opts        ExecutorOptions
	vars        *ExecutionContext
	scope       *HelperScope
	cleanups    *cleanupStack
	log         *slog.Logger

	runMu    sync.Mutex
	exited   atomic.Bool
	exitTime atomic.Int64
}

// NewExecutor creates an executor working on its own copy of translation
func NewExecutor(ruleID int64, translation *TranslationResult, host RuleHost, opts ExecutorOptions) *Executor {
	opts = opts.withDefaults()
	vars := NewExecutionContext(ruleID)
	cleanups := &cleanupStack{}
	log := logger.Named("rules.executor").With("rule_id", ruleID)

	return &Executor{
		ruleID:      ruleID,
		host:        host,
		translation: translation.Clone(),
		opts:        opts,
		vars:        vars,
		cleanups:    cleanups,
		log:         log,
		scope: &HelperScope{
			RuleID:   ruleID,
			Vars:     vars,
			Store:    host.MetaStore(),
			Tables:   host.TableCatalog(),
			Log:      log,
			cleanups: cleanups,
		},
	}
}

func (e *Executor) RuleID() int64 {
	return e.ruleID
}

// Schedule returns the schedule the executor runs on
func (e *Executor) Schedule() ScheduleInfo {
	return e.translation.Schedule
}

// Context returns the executor's variable scope
func (e *Executor) Context() *ExecutionContext {
	return e.vars
}

func (e *Executor) IsExited() bool {
	return e.exited.Load()
}

// ExitTime returns when the executor stopped, zero while running
func (e *Executor) ExitTime() time.Time {
	ms := e.exitTime.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Stop asks the executor to exit. A Run in progress finishes the current
// statement or file first.
func (e *Executor) Stop(info *RuleInfo) {
	e.markExited(info)
}

// markExited flips the exit flag once and notifies plugins
func (e *Executor) markExited(info *RuleInfo) bool {
	if !e.exited.CompareAndSwap(false, true) {
		return false
	}
	e.exitTime.Store(e.opts.Now().UnixMilli())
	if info == nil {
		info = &RuleInfo{ID: e.ruleID}
	}
	for _, p := range e.opts.Plugins {
		p.OnRuleExecutorExit(info)
	}
	return true
}

func (e *Executor) exit(info *RuleInfo, reason string) Outcome {
	if e.markExited(info) {
		e.log.Info("rule executor exit", "reason", reason)
	}
	return Terminate
}

// Run performs one activation
func (e *Executor) Run(ctx context.Context) Outcome {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := e.opts.Now()
	outcome := e.run(ctx, start)
	e.opts.Metrics.ObserveActivation(outcome.String(), e.opts.Now().Sub(start))
	return outcome
}

func (e *Executor) run(ctx context.Context, start time.Time) Outcome {
	if e.IsExited() {
		return Terminate
	}
	schedule := e.translation.Schedule
	if !schedule.IsExecutable(start) {
		return Continue
	}

	if e.host.IsClosed() {
		return e.exit(nil, "rule manager closed")
	}
	info, err := e.host.RuleInfo(e.ruleID)
	if errors.Is(err, ErrRuleNotFound) {
		return e.exit(nil, "rule not found")
	}
	if err != nil {
		e.log.Error("failed to read rule info", "error", err)
		return Continue
	}

	proceed := true
	for _, p := range e.opts.Plugins {
		if !p.PreExecution(info, e.translation) {
			proceed = false
			break
		}
	}

	if info.State.Terminal() || e.IsExited() {
		return e.exit(info, "rule is "+info.State.String())
	}
	if schedule.Expired(start) {
		e.finish(ctx)
		return e.exit(info, "schedule end time passed")
	}

	var files []string
	if proceed {
		files = e.executeStatements(ctx)
		if e.IsExited() {
			return e.exit(info, "stopped while executing statements")
		}
		for _, p := range e.opts.Plugins {
			files = p.PreSubmitCmdlet(info, files)
		}
	}

	submitted := e.submitCmdlets(ctx, info, files)
	if err := e.host.UpdateRuleInfo(ctx, e.ruleID, nil, start, 1, submitted); err != nil {
		e.log.Error("failed to update rule info", "error", err)
	}

	end := e.opts.Now()
	if took := end.Sub(start); took > e.opts.SlowActivation {
		e.log.Warn("slow rule activation", "took", took.String(), "files", len(files), "submitted", submitted)
	}

	if schedule.OneShot || schedule.NextExceedsEnd(end) {
		e.finish(ctx)
		return e.exit(info, "schedule completed")
	}
	if e.IsExited() {
		return e.exit(info, "stopped after submission")
	}
	return Continue
}

// finish moves the rule to FINISHED
func (e *Executor) finish(ctx context.Context) {
	finished := StateFinished
	if err := e.host.UpdateRuleInfo(ctx, e.ruleID, &finished, time.Time{}, 0, 0); err != nil {
		e.log.Error("failed to finish rule", "error", err)
	}
}

// executeStatements runs the statements in order and returns the matched
// files. The first failure abandons the remaining statements. Cleanup
// statements always run.
func (e *Executor) executeStatements(ctx context.Context) []string {
	defer e.drainCleanups(ctx)

	var files []string
	for i, raw := range e.translation.Statements {
		if e.IsExited() {
			break
		}
		stmt, err := e.unfold(ctx, raw)
		if err != nil {
			e.statementFailed(i, raw, err)
			break
		}

		if i == e.translation.ResultIndex {
			files, err = e.scope.Store.ExecuteFilesPathQuery(ctx, stmt)
		} else if isExecutable(stmt) {
			err = e.scope.Store.Execute(ctx, stmt)
		}
		if err != nil {
			e.statementFailed(i, stmt, err)
			break
		}
	}
	return files
}

// unfold rewrites variables, then helper calls
func (e *Executor) unfold(ctx context.Context, stmt string) (string, error) {
	e.vars.Set(NowProperty, e.opts.Now().UnixMilli())
	stmt, err := substituteVariables(stmt, e.vars)
	if err != nil {
		return "", err
	}
	return e.substituteCalls(ctx, stmt), nil
}

func (e *Executor) statementFailed(index int, stmt string, err error) {
	e.opts.Metrics.StatementFailed()
	e.log.Error("rule statement failed", "index", index, "statement", stmt, "error", err)
}

func (e *Executor) drainCleanups(ctx context.Context) {
	if e.cleanups.len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.CleanupTimeout)
	defer cancel()

	for _, stmt := range e.cleanups.drain() {
		if err := e.scope.Store.Execute(ctx, stmt); err != nil {
			e.log.Debug("cleanup statement failed", "statement", stmt, "error", err)
		}
	}
}

// submitCmdlets submits one cmdlet per file and counts the accepted ones
func (e *Executor) submitCmdlets(ctx context.Context, info *RuleInfo, files []string) int64 {
	if len(files) == 0 {
		return 0
	}
	submitter := e.host.CmdletSubmitter()
	if submitter == nil {
		e.log.Warn("no cmdlet submitter, dropping matches", "files", len(files))
		return 0
	}
	template, err := ParseCmdlet(e.translation.Cmdlet)
	if err != nil {
		e.log.Error("invalid cmdlet template", "cmdlet", e.translation.Cmdlet, "error", err)
		return 0
	}

	var submitted int64
submit:
	for _, file := range files {
		if e.IsExited() {
			break
		}
		desc := template.Clone()
		desc.SetRuleID(e.ruleID)
		desc.SetFile(file)
		for _, p := range e.opts.Plugins {
			if desc = p.PreSubmitCmdletDescriptor(info, e.translation, desc); desc == nil {
				continue submit
			}
		}

		id, err := submitter.SubmitCmdlet(ctx, desc)
		switch {
		case errors.Is(err, ErrQueueFull):
			e.log.Warn("cmdlet queue full, stopping submission", "submitted", submitted, "files", len(files))
			break submit
		case err != nil:
			e.log.Debug("failed to submit cmdlet", "file", file, "error", err)
			continue
		}
		if id != NotSubmitted {
			submitted++
		}
	}

	e.opts.Metrics.AddCmdlets(int(submitted))
	return submitted
}
