package rulemanager

import (
	"log/slog"

	"github.com/liamcoop/storagerules/internal/logger"
	"github.com/liamcoop/storagerules/rules"
)

// LifecycleListener is told about rule catalog changes
type LifecycleListener interface {
	OnRuleAdded(info *rules.RuleInfo)
	OnRuleAddFailure(text string, err error)
	OnRuleStart(info *rules.RuleInfo)
	OnRuleStop(info *rules.RuleInfo)
	OnRuleDelete(info *rules.RuleInfo)
}

// AuditLogger writes lifecycle events to the log
type AuditLogger struct {
	log *slog.Logger
}

// NewAuditLogger creates the listener; nil uses the package logger
func NewAuditLogger(log *slog.Logger) *AuditLogger {
	if log == nil {
		log = logger.Named("rulemanager.audit")
	}
	return &AuditLogger{log: log}
}

func (a *AuditLogger) OnRuleAdded(info *rules.RuleInfo) {
	a.log.Info("rule added", "rule_id", info.ID, "state", info.State.String())
}

func (a *AuditLogger) OnRuleAddFailure(text string, err error) {
	a.log.Warn("rule rejected", "error", err, "length", len(text))
}

func (a *AuditLogger) OnRuleStart(info *rules.RuleInfo) {
	a.log.Info("rule started", "rule_id", info.ID)
}

func (a *AuditLogger) OnRuleStop(info *rules.RuleInfo) {
	a.log.Info("rule stopped", "rule_id", info.ID, "checked", info.NumChecked, "generated", info.NumCmdsGenerated)
}

func (a *AuditLogger) OnRuleDelete(info *rules.RuleInfo) {
	a.log.Info("rule deleted", "rule_id", info.ID)
}
