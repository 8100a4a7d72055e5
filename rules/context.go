package rules

import (
	"fmt"
	"strconv"
	"time"
)

// NowProperty holds the activation time in unix milliseconds
const NowProperty = "NOW"

// ExecutionContext is the variable scope of one rule executor
type ExecutionContext struct {
	RuleID     int64
	properties map[string]any
}

// NewExecutionContext creates an empty scope for a rule
func NewExecutionContext(ruleID int64) *ExecutionContext {
	return &ExecutionContext{
		RuleID:     ruleID,
		properties: make(map[string]any),
	}
}

// Set stores a property
func (c *ExecutionContext) Set(name string, value any) {
	c.properties[name] = value
}

// Get returns a property
func (c *ExecutionContext) Get(name string) (any, bool) {
	v, ok := c.properties[name]
	return v, ok
}

// String renders a property for substitution into SQL text
func (c *ExecutionContext) String(name string) (string, bool) {
	v, ok := c.properties[name]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	case time.Time:
		return strconv.FormatInt(val.UnixMilli(), 10), true
	case time.Duration:
		return strconv.FormatInt(val.Milliseconds(), 10), true
	default:
		return fmt.Sprint(val), true
	}
}
