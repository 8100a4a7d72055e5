package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	// NotSubmitted is returned by a submitter that accepted but did not queue a cmdlet
	NotSubmitted int64 = -1

	FileParam   = "-file"
	RuleIDParam = "-ruleId"
)

var (
	// ErrQueueFull stops submission for the rest of an activation
	ErrQueueFull = errors.New("cmdlet queue is full")
	// ErrMalformedCmdlet skips a single file
	ErrMalformedCmdlet = errors.New("malformed cmdlet descriptor")
)

// CmdletSubmitter hands cmdlets to the execution subsystem
type CmdletSubmitter interface {
	SubmitCmdlet(ctx context.Context, desc *CmdletDescriptor) (int64, error)
}

// Action is one step of a cmdlet with its arguments
type Action struct {
	Name string
	Args map[string]string
}

// CmdletDescriptor is a parsed cmdlet template plus arguments shared by all actions
type CmdletDescriptor struct {
	Actions    []Action
	commonArgs map[string]string
}

// ParseCmdlet parses "action -k v -flag ; action2 -k v"
func ParseCmdlet(text string) (*CmdletDescriptor, error) {
	desc := &CmdletDescriptor{commonArgs: make(map[string]string)}
	for _, part := range strings.Split(text, ";") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		if strings.HasPrefix(fields[0], "-") {
			return nil, fmt.Errorf("%w: action name expected, got %q", ErrMalformedCmdlet, fields[0])
		}
		action := Action{Name: fields[0], Args: make(map[string]string)}
		for i := 1; i < len(fields); i++ {
			key := fields[i]
			if !strings.HasPrefix(key, "-") || len(key) == 1 {
				return nil, fmt.Errorf("%w: option expected, got %q", ErrMalformedCmdlet, key)
			}
			value := ""
			if i+1 < len(fields) && !strings.HasPrefix(fields[i+1], "-") {
				value = fields[i+1]
				i++
			}
			action.Args[key] = value
		}
		desc.Actions = append(desc.Actions, action)
	}
	if len(desc.Actions) == 0 {
		return nil, fmt.Errorf("%w: no action in %q", ErrMalformedCmdlet, text)
	}
	return desc, nil
}

// Clone returns an independent copy
func (d *CmdletDescriptor) Clone() *CmdletDescriptor {
	c := &CmdletDescriptor{
		Actions:    make([]Action, len(d.Actions)),
		commonArgs: make(map[string]string, len(d.commonArgs)),
	}
	for i, a := range d.Actions {
		args := make(map[string]string, len(a.Args))
		for k, v := range a.Args {
			args[k] = v
		}
		c.Actions[i] = Action{Name: a.Name, Args: args}
	}
	for k, v := range d.commonArgs {
		c.commonArgs[k] = v
	}
	return c
}

// SetCommonArg sets an argument passed to every action
func (d *CmdletDescriptor) SetCommonArg(key, value string) {
	d.commonArgs[key] = value
}

// CommonArg returns an argument shared by all actions
func (d *CmdletDescriptor) CommonArg(key string) (string, bool) {
	v, ok := d.commonArgs[key]
	return v, ok
}

func (d *CmdletDescriptor) SetRuleID(id int64) {
	d.SetCommonArg(RuleIDParam, strconv.FormatInt(id, 10))
}

// RuleID returns the owning rule or -1
func (d *CmdletDescriptor) RuleID() int64 {
	v, ok := d.commonArgs[RuleIDParam]
	if !ok {
		return -1
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return id
}

func (d *CmdletDescriptor) SetFile(path string) {
	d.SetCommonArg(FileParam, path)
}

func (d *CmdletDescriptor) File() string {
	return d.commonArgs[FileParam]
}

// ActionArgs returns the arguments of action i merged with the common ones
func (d *CmdletDescriptor) ActionArgs(i int) map[string]string {
	args := make(map[string]string, len(d.commonArgs)+len(d.Actions[i].Args))
	for k, v := range d.commonArgs {
		args[k] = v
	}
	for k, v := range d.Actions[i].Args {
		args[k] = v
	}
	return args
}

// Validate checks the descriptor can be executed
func (d *CmdletDescriptor) Validate() error {
	if len(d.Actions) == 0 {
		return fmt.Errorf("%w: no actions", ErrMalformedCmdlet)
	}
	for _, a := range d.Actions {
		if a.Name == "" {
			return fmt.Errorf("%w: empty action name", ErrMalformedCmdlet)
		}
	}
	if file, ok := d.commonArgs[FileParam]; ok && strings.ContainsAny(file, ";\n") {
		return fmt.Errorf("%w: invalid file %q", ErrMalformedCmdlet, file)
	}
	return nil
}

// CmdletString renders the descriptor in its textual form, common args
// appended to each action, keys sorted.
func (d *CmdletDescriptor) CmdletString() string {
	parts := make([]string, 0, len(d.Actions))
	for i, a := range d.Actions {
		args := d.ActionArgs(i)
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		b.WriteString(a.Name)
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(k)
			if v := args[k]; v != "" {
				b.WriteString(" ")
				b.WriteString(v)
			}
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, " ; ")
}

func (d *CmdletDescriptor) String() string {
	return d.CmdletString()
}
