package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Translator compiles rule text into a TranslationResult
type Translator interface {
	Translate(ruleID int64, submitTime time.Time, text string) (*TranslationResult, error)
}

// YAMLTranslator reads rules written as YAML documents:
//
//	statements:
//	  - $@genVirtualAccessCountTable(hot)
//	  - SELECT path FROM file WHERE fid IN (SELECT fid FROM hot_files)
//	result: 1
//	cmdlet: allssd
//	filter: path.startsWith("/data/")
//	schedule:
//	  every: 5s
//	parameters:
//	  hot: [[10m, "> 5"], hot_files]
type YAMLTranslator struct {
	helpers *HelperRegistry
}

// NewYAMLTranslator validates helper calls against helpers; nil means DefaultHelpers
func NewYAMLTranslator(helpers *HelperRegistry) *YAMLTranslator {
	if helpers == nil {
		helpers = DefaultHelpers()
	}
	return &YAMLTranslator{helpers: helpers}
}

type ruleDocument struct {
	Statements []string         `yaml:"statements"`
	Result     *int             `yaml:"result"`
	Cmdlet     string           `yaml:"cmdlet"`
	Filter     string           `yaml:"filter"`
	Schedule   scheduleDocument `yaml:"schedule"`
	Parameters map[string][]any `yaml:"parameters"`
}

type scheduleDocument struct {
	Every string `yaml:"every"`
	// Start and End are RFC 3339 times or "+duration" offsets from submission
	Start   string `yaml:"start"`
	End     string `yaml:"end"`
	Once    bool   `yaml:"once"`
	OneShot bool   `yaml:"one_shot"`
}

// Translate decodes and validates text
func (t *YAMLTranslator) Translate(ruleID int64, submitTime time.Time, text string) (*TranslationResult, error) {
	var doc ruleDocument
	dec := yaml.NewDecoder(bytes.NewBufferString(text))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("rule %d: empty rule", ruleID)
		}
		return nil, fmt.Errorf("rule %d: invalid rule document: %w", ruleID, err)
	}

	if len(doc.Statements) == 0 {
		return nil, fmt.Errorf("rule %d: at least one statement is required", ruleID)
	}
	result := len(doc.Statements) - 1
	if doc.Result != nil {
		result = *doc.Result
	}
	if result < 0 || result >= len(doc.Statements) {
		return nil, fmt.Errorf("rule %d: result index %d out of range [0,%d)", ruleID, result, len(doc.Statements))
	}

	if err := t.validateParameters(doc.Parameters); err != nil {
		return nil, fmt.Errorf("rule %d: %w", ruleID, err)
	}
	for i, stmt := range doc.Statements {
		if err := t.validateCalls(stmt, doc.Parameters); err != nil {
			return nil, fmt.Errorf("rule %d: statement %d: %w", ruleID, i, err)
		}
	}

	if _, err := ParseCmdlet(doc.Cmdlet); err != nil {
		return nil, fmt.Errorf("rule %d: %w", ruleID, err)
	}
	filter := strings.TrimSpace(doc.Filter)
	if filter != "" {
		if _, err := CompileFileFilter(filter); err != nil {
			return nil, fmt.Errorf("rule %d: invalid filter: %w", ruleID, err)
		}
	}

	schedule, err := doc.Schedule.build(submitTime)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", ruleID, err)
	}

	params := doc.Parameters
	if params == nil {
		params = make(map[string][]any)
	}
	return &TranslationResult{
		Statements:  doc.Statements,
		ResultIndex: result,
		Schedule:    schedule,
		Cmdlet:      strings.TrimSpace(doc.Cmdlet),
		Parameters:  params,
		FileFilter:  filter,
	}, nil
}

func (t *YAMLTranslator) validateParameters(params map[string][]any) error {
	for name, list := range params {
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("invalid parameter name %q", name)
		}
		if len(list) < 2 {
			continue
		}
		if _, ok := list[0].([]any); !ok {
			return fmt.Errorf("parameter %s: first element must be a list", name)
		}
		table, ok := list[1].(string)
		if !ok {
			return fmt.Errorf("parameter %s: table name must be a string", name)
		}
		if err := validateIdentifier(table); err != nil {
			return fmt.Errorf("parameter %s: invalid table name %q: %w", name, table, err)
		}
	}
	return nil
}

func (t *YAMLTranslator) validateCalls(stmt string, params map[string][]any) error {
	for _, m := range callPattern.FindAllStringSubmatch(stmt, -1) {
		name, param := m[1], m[2]
		if _, ok := t.helpers.Lookup(name); !ok {
			return fmt.Errorf("unknown function %s", name)
		}
		if param == "" {
			continue
		}
		if _, ok := params[param]; !ok {
			return fmt.Errorf("function %s references undeclared parameter %s", name, param)
		}
	}
	return nil
}

func (s scheduleDocument) build(submitTime time.Time) (ScheduleInfo, error) {
	info := ScheduleInfo{Once: s.Once, OneShot: s.OneShot}

	start, err := parseScheduleTime(s.Start, submitTime)
	if err != nil {
		return info, fmt.Errorf("schedule start: %w", err)
	}
	info.StartTime = start

	if s.End != "" {
		end, err := parseScheduleTime(s.End, submitTime)
		if err != nil {
			return info, fmt.Errorf("schedule end: %w", err)
		}
		if !end.After(start) {
			return info, fmt.Errorf("schedule end %s is not after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
		}
		info.EndTime = end
	}

	if s.Every != "" {
		every, err := time.ParseDuration(s.Every)
		if err != nil {
			return info, fmt.Errorf("schedule interval: %w", err)
		}
		info.BaseInterval = every
	}
	if info.BaseInterval <= 0 && !info.Once && !info.OneShot {
		return info, fmt.Errorf("schedule interval must be positive for repeating rules")
	}
	if info.OneShot {
		info.SubScheduleTime = start
	}
	return info, nil
}

func parseScheduleTime(value string, submitTime time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return submitTime, nil
	case strings.HasPrefix(value, "+"):
		d, err := time.ParseDuration(value[1:])
		if err != nil {
			return time.Time{}, err
		}
		return submitTime.Add(d), nil
	default:
		return time.Parse(time.RFC3339, value)
	}
}
