package rules

import (
	"errors"
	"testing"
	"time"
)

var allStates = []RuleState{StateNew, StateActive, StateDisabled, StateFinished, StateDeleted}

// TestStateTransitions verifies exactly the legal transitions succeed
func TestStateTransitions(t *testing.T) {
	legal := map[[2]RuleState]bool{
		{StateNew, StateActive}:       true,
		{StateDisabled, StateActive}:  true,
		{StateActive, StateDisabled}:  true,
		{StateActive, StateFinished}:  true,
		{StateNew, StateDeleted}:      true,
		{StateActive, StateDeleted}:   true,
		{StateDisabled, StateDeleted}: true,
		{StateFinished, StateDeleted}: true,
	}

	for _, from := range allStates {
		for _, to := range allStates {
			err := checkTransition(from, to)
			if legal[[2]RuleState{from, to}] {
				if err != nil {
					t.Errorf("checkTransition(%s, %s) failed: %v", from, to, err)
				}
				continue
			}
			var te *TransitionError
			if !errors.As(err, &te) {
				t.Errorf("checkTransition(%s, %s) = %v, want TransitionError", from, to, err)
				continue
			}
			if te.From != from || te.To != to {
				t.Errorf("TransitionError = (%s, %s), want (%s, %s)", te.From, te.To, from, to)
			}
		}
	}
}

// TestParseRuleState verifies names round trip
func TestParseRuleState(t *testing.T) {
	for _, s := range allStates {
		got, err := ParseRuleState(s.String())
		if err != nil {
			t.Fatalf("ParseRuleState(%q) failed: %v", s, err)
		}
		if got != s {
			t.Errorf("ParseRuleState(%q) = %s", s, got)
		}
	}
	if got, err := ParseRuleState(" active "); err != nil || got != StateActive {
		t.Errorf("ParseRuleState(\" active \") = %s, %v", got, err)
	}
	if _, err := ParseRuleState("PAUSED"); err == nil {
		t.Error("ParseRuleState(PAUSED) succeeded")
	}
}

// TestScheduleInfo verifies expiry and next-check decisions
func TestScheduleInfo(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	forever := ScheduleInfo{StartTime: base, BaseInterval: time.Minute}
	if forever.Expired(base.Add(1000*time.Hour)) || forever.NextExceedsEnd(base.Add(1000*time.Hour)) {
		t.Error("forever schedule expired")
	}
	if forever.IsExecutable(base.Add(-time.Second)) {
		t.Error("IsExecutable() before start = true")
	}

	bounded := ScheduleInfo{StartTime: base, EndTime: base.Add(time.Hour), BaseInterval: 10 * time.Minute}
	if bounded.Expired(base.Add(30 * time.Minute)) {
		t.Error("Expired() inside window = true")
	}
	if !bounded.Expired(base.Add(61 * time.Minute)) {
		t.Error("Expired() after end = false")
	}
	if bounded.NextExceedsEnd(base.Add(45 * time.Minute)) {
		t.Error("NextExceedsEnd() at 45m = true, next check at 55m is inside")
	}
	if !bounded.NextExceedsEnd(base.Add(55 * time.Minute)) {
		t.Error("NextExceedsEnd() at 55m = false")
	}

	once := ScheduleInfo{StartTime: base, EndTime: base.Add(time.Minute), Once: true}
	if once.Expired(base.Add(time.Hour)) {
		t.Error("once schedule Expired() = true")
	}
	if !once.NextExceedsEnd(base) {
		t.Error("once schedule NextExceedsEnd() = false")
	}

	oneShot := ScheduleInfo{StartTime: base, EndTime: base.Add(time.Minute), OneShot: true, SubScheduleTime: base}
	if oneShot.Expired(base.Add(time.Hour)) {
		t.Error("one-shot schedule with trigger inside window expired")
	}
	oneShot.SubScheduleTime = base.Add(2 * time.Minute)
	if !oneShot.Expired(base) {
		t.Error("one-shot schedule with trigger past end not expired")
	}
}

// TestTranslationResultClone verifies clones share no mutable state
func TestTranslationResultClone(t *testing.T) {
	orig := &TranslationResult{
		Statements: []string{"a", "b"},
		Parameters: map[string][]any{"p": {[]any{"10m", 3}, "t"}},
	}
	c := orig.Clone()
	c.Statements[0] = "changed"
	c.Parameters["p"][0].([]any)[0] = "1h"
	c.Parameters["q"] = nil

	if orig.Statements[0] != "a" {
		t.Error("Clone() shares statements")
	}
	if orig.Parameters["p"][0].([]any)[0] != "10m" {
		t.Error("Clone() shares nested parameter lists")
	}
	if _, ok := orig.Parameters["q"]; ok {
		t.Error("Clone() shares the parameter map")
	}
}

// TestExecutionContextString verifies property rendering
func TestExecutionContextString(t *testing.T) {
	c := NewExecutionContext(7)
	c.Set("s", "abc")
	c.Set("n", int64(42))
	c.Set("f", 1.5)
	c.Set("d", 90*time.Second)
	c.Set("t", time.UnixMilli(1700000000123))

	cases := map[string]string{
		"s": "abc",
		"n": "42",
		"f": "1.5",
		"d": "90000",
		"t": "1700000000123",
	}
	for name, want := range cases {
		got, ok := c.String(name)
		if !ok || got != want {
			t.Errorf("String(%q) = %q, %v, want %q", name, got, ok, want)
		}
	}
	if _, ok := c.String("missing"); ok {
		t.Error("String(missing) found a value")
	}
}
