package rules

import (
	"strings"
	"testing"
	"time"
)

const hotFilesRule = `
statements:
  - $@genVirtualAccessCountTable(hot)
  - SELECT path FROM file WHERE fid IN (SELECT fid FROM hot_files)
cmdlet: allssd
filter: path.startsWith("/data/")
schedule:
  every: 5s
  end: +1h
parameters:
  hot: [[10m, "> 5"], hot_files]
`

// TestYAMLTranslator verifies a complete rule document
func TestYAMLTranslator(t *testing.T) {
	submit := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr, err := NewYAMLTranslator(nil).Translate(1, submit, hotFilesRule)
	if err != nil {
		t.Fatalf("Translate() failed: %v", err)
	}

	if len(tr.Statements) != 2 || tr.ResultIndex != 1 {
		t.Errorf("statements = %v, result = %d", tr.Statements, tr.ResultIndex)
	}
	if tr.Cmdlet != "allssd" || tr.FileFilter != `path.startsWith("/data/")` {
		t.Errorf("cmdlet = %q, filter = %q", tr.Cmdlet, tr.FileFilter)
	}
	if tr.Schedule.BaseInterval != 5*time.Second {
		t.Errorf("BaseInterval = %s, want 5s", tr.Schedule.BaseInterval)
	}
	if !tr.Schedule.StartTime.Equal(submit) || !tr.Schedule.EndTime.Equal(submit.Add(time.Hour)) {
		t.Errorf("schedule window = [%s, %s]", tr.Schedule.StartTime, tr.Schedule.EndTime)
	}

	params := tr.Parameters["hot"]
	if len(params) != 2 || params[1] != "hot_files" {
		t.Fatalf("parameters = %v", params)
	}
	paraList, ok := params[0].([]any)
	if !ok || len(paraList) != 2 || paraList[0] != "10m" || paraList[1] != "> 5" {
		t.Errorf("paraList = %#v", params[0])
	}
}

// TestYAMLTranslatorOneShot verifies one-shot rules carry their trigger time
func TestYAMLTranslatorOneShot(t *testing.T) {
	submit := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	text := "statements: [\"SELECT path FROM file\"]\ncmdlet: cache\nschedule:\n  start: +10s\n  one_shot: true\n"
	tr, err := NewYAMLTranslator(nil).Translate(2, submit, text)
	if err != nil {
		t.Fatalf("Translate() failed: %v", err)
	}
	want := submit.Add(10 * time.Second)
	if !tr.Schedule.OneShot || !tr.Schedule.SubScheduleTime.Equal(want) || !tr.Schedule.StartTime.Equal(want) {
		t.Errorf("schedule = %+v", tr.Schedule)
	}
}

// TestYAMLTranslatorRejects verifies invalid documents are refused with a useful error
func TestYAMLTranslatorRejects(t *testing.T) {
	cases := map[string]struct {
		text string
		want string
	}{
		"empty":          {"", "empty rule"},
		"unknown field":  {"statement: [x]\ncmdlet: a\n", "invalid rule document"},
		"no statements":  {"cmdlet: a\nschedule: {every: 1s}\n", "at least one statement"},
		"bad result":     {"statements: [\"SELECT path FROM file\"]\nresult: 3\ncmdlet: a\nschedule: {every: 1s}\n", "out of range"},
		"unknown helper": {"statements: [\"$@nope(p)\", \"SELECT path FROM file\"]\ncmdlet: a\nschedule: {every: 1s}\nparameters: {p: [[1m], t]}\n", "unknown function nope"},
		"undeclared":     {"statements: [\"$@genVirtualAccessCountTable(p)\", \"SELECT path FROM file\"]\ncmdlet: a\nschedule: {every: 1s}\n", "undeclared parameter p"},
		"bad table":      {"statements: [\"SELECT path FROM file\"]\ncmdlet: a\nschedule: {every: 1s}\nparameters: {p: [[1m], select]}\n", "invalid table name"},
		"bad cmdlet":     {"statements: [\"SELECT path FROM file\"]\ncmdlet: -file x\nschedule: {every: 1s}\n", "malformed cmdlet"},
		"bad filter":     {"statements: [\"SELECT path FROM file\"]\ncmdlet: a\nfilter: path + 1\nschedule: {every: 1s}\n", "invalid filter"},
		"no interval":    {"statements: [\"SELECT path FROM file\"]\ncmdlet: a\n", "interval must be positive"},
		"end before":     {"statements: [\"SELECT path FROM file\"]\ncmdlet: a\nschedule: {every: 1s, start: +1h, end: +1m}\n", "not after start"},
	}

	tr := NewYAMLTranslator(nil)
	for name, tc := range cases {
		_, err := tr.Translate(9, time.Now(), tc.text)
		if err == nil {
			t.Errorf("%s: Translate() succeeded", name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: Translate() error = %v, want %q", name, err, tc.want)
		}
	}
}
