package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var (
	// $name
	varPattern = regexp.MustCompile(`\$([a-zA-Z_]+[a-zA-Z0-9_]*)`)
	// $@name(param) and $@name()
	callPattern = regexp.MustCompile(`\$@([a-zA-Z_]+[a-zA-Z0-9_]*)\(([a-zA-Z_][a-zA-Z0-9_]*)?\)`)
)

// UnresolvedVariableError reports a $name with no value in the execution context
type UnresolvedVariableError struct {
	Name string
}

func (e *UnresolvedVariableError) Error() string {
	return fmt.Sprintf("unresolved variable $%s", e.Name)
}

// substituteVariables replaces every $name with its context value
func substituteVariables(stmt string, vars *ExecutionContext) (string, error) {
	var unresolved error
	out := varPattern.ReplaceAllStringFunc(stmt, func(token string) string {
		name := token[1:]
		v, ok := vars.String(name)
		if !ok {
			if unresolved == nil {
				unresolved = &UnresolvedVariableError{Name: name}
			}
			return token
		}
		return v
	})
	if unresolved != nil {
		return "", unresolved
	}
	return out, nil
}

// substituteCalls replaces every $@name(param) with the helper's result.
// A failing helper is logged and contributes an empty string.
func (e *Executor) substituteCalls(ctx context.Context, stmt string) string {
	return callPattern.ReplaceAllStringFunc(stmt, func(token string) string {
		m := callPattern.FindStringSubmatch(token)
		name, param := m[1], m[2]

		fn, ok := e.opts.Helpers.Lookup(name)
		if !ok {
			e.log.Error("unknown helper function", "function", name)
			return ""
		}

		var params []any
		if param != "" {
			declared, ok := e.translation.Parameters[param]
			if !ok {
				e.log.Error("undeclared helper parameter", "function", name, "parameter", param)
				return ""
			}
			params = declared
		}

		text, err := fn(ctx, e.scope, params)
		if err != nil {
			e.log.Error("helper function failed", "function", name, "parameter", param, "error", err)
			return ""
		}
		return text
	})
}

// cleanupStack holds statements run after an activation, newest first
type cleanupStack struct {
	stmts []string
}

func (s *cleanupStack) push(stmt string) {
	s.stmts = append(s.stmts, stmt)
}

// drain pops all statements, newest first
func (s *cleanupStack) drain() []string {
	out := make([]string, 0, len(s.stmts))
	for i := len(s.stmts) - 1; i >= 0; i-- {
		out = append(out, s.stmts[i])
	}
	s.stmts = s.stmts[:0]
	return out
}

func (s *cleanupStack) len() int {
	return len(s.stmts)
}

// isExecutable filters statements too short to do anything, such as ";" leftovers
func isExecutable(stmt string) bool {
	return len(strings.TrimSpace(stmt)) > 5
}
