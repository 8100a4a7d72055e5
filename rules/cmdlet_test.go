package rules

import (
	"errors"
	"testing"
)

// TestParseCmdlet verifies actions and their options are parsed
func TestParseCmdlet(t *testing.T) {
	desc, err := ParseCmdlet("cache -replica 2 ; compress -codec zstd -force")
	if err != nil {
		t.Fatalf("ParseCmdlet() failed: %v", err)
	}
	if len(desc.Actions) != 2 {
		t.Fatalf("Actions = %v, want 2", desc.Actions)
	}
	if desc.Actions[0].Name != "cache" || desc.Actions[0].Args["-replica"] != "2" {
		t.Errorf("Actions[0] = %+v", desc.Actions[0])
	}
	if v, ok := desc.Actions[1].Args["-force"]; !ok || v != "" {
		t.Errorf("-force = %q, %v, want empty flag", v, ok)
	}
}

// TestParseCmdletMalformed verifies bad templates return ErrMalformedCmdlet
func TestParseCmdletMalformed(t *testing.T) {
	for _, text := range []string{"", " ; ", "-file /a", "cache replica"} {
		if _, err := ParseCmdlet(text); !errors.Is(err, ErrMalformedCmdlet) {
			t.Errorf("ParseCmdlet(%q) error = %v, want ErrMalformedCmdlet", text, err)
		}
	}
}

// TestCmdletDescriptorBinding verifies clones are bound independently
func TestCmdletDescriptorBinding(t *testing.T) {
	template, err := ParseCmdlet("allssd")
	if err != nil {
		t.Fatalf("ParseCmdlet() failed: %v", err)
	}

	a := template.Clone()
	a.SetRuleID(3)
	a.SetFile("/data/a")
	b := template.Clone()
	b.SetFile("/data/b")

	if a.File() != "/data/a" || b.File() != "/data/b" {
		t.Errorf("files = %q, %q", a.File(), b.File())
	}
	if template.File() != "" {
		t.Error("binding a clone changed the template")
	}
	if a.RuleID() != 3 || b.RuleID() != -1 {
		t.Errorf("RuleID() = %d, %d, want 3, -1", a.RuleID(), b.RuleID())
	}
	if got, want := a.CmdletString(), "allssd -file /data/a -ruleId 3"; got != want {
		t.Errorf("CmdletString() = %q, want %q", got, want)
	}
	if err := a.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}

	b.SetFile("/data/x;rm")
	if err := b.Validate(); !errors.Is(err, ErrMalformedCmdlet) {
		t.Errorf("Validate() error = %v, want ErrMalformedCmdlet", err)
	}
}

// TestCmdletStringMultipleActions verifies common args are appended to every action
func TestCmdletStringMultipleActions(t *testing.T) {
	desc, err := ParseCmdlet("cache ; compress -codec zstd")
	if err != nil {
		t.Fatalf("ParseCmdlet() failed: %v", err)
	}
	desc.SetFile("/f")
	want := "cache -file /f ; compress -codec zstd -file /f"
	if got := desc.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
