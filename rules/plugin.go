package rules

import (
	"log/slog"

	"github.com/liamcoop/storagerules/internal/logger"
)

// Plugin hooks into the life of rule executors. Plugins are passed to the
// rule repo at construction and run in order.
type Plugin interface {
	// OnNewRuleExecutor is called when an executor is created for a rule
	OnNewRuleExecutor(info *RuleInfo, translation *TranslationResult)

	// PreExecution returns false to skip matching for this activation;
	// bookkeeping still happens.
	PreExecution(info *RuleInfo, translation *TranslationResult) bool

	// PreSubmitCmdlet may filter or rewrite the matched files
	PreSubmitCmdlet(info *RuleInfo, files []string) []string

	// PreSubmitCmdletDescriptor may adjust a cmdlet before submission; nil skips the file
	PreSubmitCmdletDescriptor(info *RuleInfo, translation *TranslationResult, desc *CmdletDescriptor) *CmdletDescriptor

	// OnRuleExecutorExit is called once when an executor stops
	OnRuleExecutorExit(info *RuleInfo)
}

// NopPlugin implements Plugin doing nothing; embed it to override single hooks
type NopPlugin struct{}

func (NopPlugin) OnNewRuleExecutor(*RuleInfo, *TranslationResult) {}

func (NopPlugin) PreExecution(*RuleInfo, *TranslationResult) bool { return true }

func (NopPlugin) PreSubmitCmdlet(_ *RuleInfo, files []string) []string { return files }

func (NopPlugin) PreSubmitCmdletDescriptor(_ *RuleInfo, _ *TranslationResult, desc *CmdletDescriptor) *CmdletDescriptor {
	return desc
}

func (NopPlugin) OnRuleExecutorExit(*RuleInfo) {}

// LifecycleLogPlugin logs executor creation and exit
type LifecycleLogPlugin struct {
	NopPlugin
	log *slog.Logger
}

// NewLifecycleLogPlugin creates the plugin; a nil logger uses the package default
func NewLifecycleLogPlugin(log *slog.Logger) *LifecycleLogPlugin {
	if log == nil {
		log = logger.Named("rules.lifecycle")
	}
	return &LifecycleLogPlugin{log: log}
}

func (p *LifecycleLogPlugin) OnNewRuleExecutor(info *RuleInfo, translation *TranslationResult) {
	p.log.Info("rule executor created",
		"rule_id", info.ID,
		"state", info.State.String(),
		"statements", len(translation.Statements),
		"interval", translation.Schedule.BaseInterval.String())
}

func (p *LifecycleLogPlugin) OnRuleExecutorExit(info *RuleInfo) {
	p.log.Info("rule executor exited",
		"rule_id", info.ID,
		"state", info.State.String(),
		"checked", info.NumChecked,
		"generated", info.NumCmdsGenerated)
}
