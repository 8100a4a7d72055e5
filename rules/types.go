package rules

import (
	"errors"
	"time"
)

// ErrRuleNotFound is returned when a rule id is unknown
var ErrRuleNotFound = errors.New("rule not found")

// RuleInfo is the persisted metadata of a rule
type RuleInfo struct {
	ID               int64
	Text             string
	State            RuleState
	SubmitTime       time.Time
	LastCheckTime    time.Time
	NumChecked       int64
	NumCmdsGenerated int64
}

// Update applies one round of bookkeeping: the state if non-nil, the last
// check time if non-zero, and the counter increments.
func (r *RuleInfo) Update(state *RuleState, lastCheckTime time.Time, checked, generated int64) {
	if state != nil {
		r.State = *state
	}
	if !lastCheckTime.IsZero() {
		r.LastCheckTime = lastCheckTime
	}
	r.NumChecked += checked
	r.NumCmdsGenerated += generated
}

// Copy returns an independent copy
func (r *RuleInfo) Copy() *RuleInfo {
	c := *r
	return &c
}

// ScheduleInfo describes when a rule runs and when it stops
type ScheduleInfo struct {
	StartTime time.Time
	// EndTime is zero for rules that never end
	EndTime      time.Time
	BaseInterval time.Duration
	// Once rules run a single time at StartTime
	Once bool
	// OneShot rules finish after their first successful activation
	OneShot         bool
	SubScheduleTime time.Time
}

// IsForever reports whether the schedule has no end time
func (s ScheduleInfo) IsForever() bool {
	return s.EndTime.IsZero()
}

// IsExecutable reports whether the rule may run at now
func (s ScheduleInfo) IsExecutable(now time.Time) bool {
	return !now.Before(s.StartTime)
}

// Expired reports whether a check starting at now lies beyond the end time.
// One-shot rules compare their trigger time instead.
func (s ScheduleInfo) Expired(now time.Time) bool {
	if s.IsForever() || s.Once {
		return false
	}
	if s.OneShot {
		return s.SubScheduleTime.After(s.EndTime)
	}
	return now.After(s.EndTime)
}

// NextExceedsEnd reports whether the activation after one ending at end would
// start past the end time.
func (s ScheduleInfo) NextExceedsEnd(end time.Time) bool {
	if s.Once {
		return true
	}
	if s.IsForever() {
		return false
	}
	return end.Add(s.BaseInterval).After(s.EndTime)
}

// TranslationResult is a rule compiled into executable statements
type TranslationResult struct {
	Statements  []string
	ResultIndex int
	Schedule    ScheduleInfo
	// Cmdlet is the template submitted once per matching file
	Cmdlet     string
	Parameters map[string][]any
	// FileFilter is an optional CEL expression over path and rule_id
	FileFilter string
}

// Clone returns a deep copy so activations never share mutable state
func (t *TranslationResult) Clone() *TranslationResult {
	if t == nil {
		return nil
	}
	c := *t
	c.Statements = append([]string(nil), t.Statements...)
	c.Parameters = make(map[string][]any, len(t.Parameters))
	for name, params := range t.Parameters {
		c.Parameters[name] = cloneParams(params)
	}
	return &c
}

func cloneParams(params []any) []any {
	out := make([]any, len(params))
	for i, p := range params {
		if nested, ok := p.([]any); ok {
			out[i] = cloneParams(nested)
			continue
		}
		out[i] = p
	}
	return out
}
