package rules

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/storagerules/internal/logger"
)

// filterCostLimit bounds a single evaluation of a file filter
const filterCostLimit = 1000000

// PathFilterPlugin drops matched files rejected by the rule's CEL file
// filter. The expression sees path (string) and rule_id (int) and must
// yield a bool; non-bool results and evaluation errors reject the file.
type PathFilterPlugin struct {
	NopPlugin

	env      *cel.Env
	programs map[int64]cel.Program // ruleID -> compiled filter
	mu       sync.RWMutex
	log      *slog.Logger
}

// NewPathFilterPlugin creates the plugin with its CEL environment
func NewPathFilterPlugin() (*PathFilterPlugin, error) {
	env, err := newFilterEnv()
	if err != nil {
		return nil, err
	}
	return &PathFilterPlugin{
		env:      env,
		programs: make(map[int64]cel.Program),
		log:      logger.Named("rules.filter"),
	}, nil
}

func newFilterEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("path", cel.StringType),
		cel.Variable("rule_id", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// CompileFileFilter type checks expr and returns the program evaluating it
func CompileFileFilter(expr string) (cel.Program, error) {
	env, err := newFilterEnv()
	if err != nil {
		return nil, err
	}
	return compileFilter(env, expr)
}

func compileFilter(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("file filter must be a bool expression, got %s", ast.OutputType())
	}

	prog, err := env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(filterCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

func (p *PathFilterPlugin) OnNewRuleExecutor(info *RuleInfo, translation *TranslationResult) {
	if translation.FileFilter == "" {
		p.remove(info.ID)
		return
	}
	prog, err := compileFilter(p.env, translation.FileFilter)
	if err != nil {
		// rejects every file until the rule is fixed
		p.log.Error("invalid file filter", "rule_id", info.ID, "filter", translation.FileFilter, "error", err)
		prog = nil
	}

	p.mu.Lock()
	p.programs[info.ID] = prog
	p.mu.Unlock()
}

func (p *PathFilterPlugin) PreSubmitCmdlet(info *RuleInfo, files []string) []string {
	p.mu.RLock()
	prog, exists := p.programs[info.ID]
	p.mu.RUnlock()

	if !exists {
		return files
	}
	if prog == nil {
		return nil
	}

	kept := files[:0:0]
	for _, file := range files {
		if p.matches(prog, info.ID, file) {
			kept = append(kept, file)
		}
	}
	if dropped := len(files) - len(kept); dropped > 0 {
		p.log.Debug("files rejected by filter", "rule_id", info.ID, "dropped", dropped, "kept", len(kept))
	}
	return kept
}

func (p *PathFilterPlugin) matches(prog cel.Program, ruleID int64, file string) bool {
	out, _, err := prog.Eval(map[string]any{
		"path":    file,
		"rule_id": ruleID,
	})
	if err != nil {
		p.log.Debug("file filter evaluation failed", "rule_id", ruleID, "path", file, "error", err)
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

func (p *PathFilterPlugin) OnRuleExecutorExit(info *RuleInfo) {
	p.remove(info.ID)
}

func (p *PathFilterPlugin) remove(ruleID int64) {
	p.mu.Lock()
	delete(p.programs, ruleID)
	p.mu.Unlock()
}
