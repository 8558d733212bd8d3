package testutils

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Presence in expected JSON matches any value, as long as the key exists.
const Presence = "<<PRESENCE>>"

// TestingT is the subset of testing.T the asserter reports through.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

type OutputOptions struct {
	TrimTrailingWhitespace bool `default:"true"`
	IgnoreEmptyLines       bool `default:"false"`
	IgnoreExtraKeys        bool `default:"true"`
	EnableColors           bool `default:"false"`
}

type OutputOption func(*OutputOptions)

func WithIgnoreEmptyLines(ignore bool) OutputOption {
	return func(o *OutputOptions) { o.IgnoreEmptyLines = ignore }
}

func WithIgnoreExtraKeys(ignore bool) OutputOption {
	return func(o *OutputOptions) { o.IgnoreExtraKeys = ignore }
}

func WithEnableColors(enable bool) OutputOption {
	return func(o *OutputOptions) { o.EnableColors = enable }
}

// OutputAsserter compares command output against an expected rendering and
// reports a readable diff on mismatch.
type OutputAsserter struct {
	t       TestingT
	options OutputOptions
}

func NewOutputAsserter(t TestingT, opts ...OutputOption) *OutputAsserter {
	o := OutputOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &OutputAsserter{t: t, options: o}
}

// AssertText compares plain-text output line by line.
func (a *OutputAsserter) AssertText(actual, expected string) bool {
	if diff := a.textDiff(actual, expected); diff != "" {
		a.t.Errorf("output mismatch (-expected +actual):\n%s", diff)
		return false
	}
	return true
}

// AssertJSON compares a JSON document, or a stream of JSON lines, against
// expected. Keys only present in actual are ignored unless disabled.
func (a *OutputAsserter) AssertJSON(actual, expected string) bool {
	diff, err := a.jsonDiff(actual, expected)
	if err != nil {
		a.t.Errorf("%v", err)
		return false
	}
	if diff != "" {
		a.t.Errorf("JSON output mismatch:\n%s", diff)
		return false
	}
	return true
}

func (a *OutputAsserter) textDiff(actual, expected string) string {
	act, exp := a.normalize(actual), a.normalize(expected)
	if act == exp {
		return ""
	}
	edits := myers.ComputeEdits("", exp, act)
	return a.colorize(fmt.Sprint(gotextdiff.ToUnified("expected", "actual", exp, edits)))
}

func (a *OutputAsserter) normalize(text string) string {
	var out []string
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if a.options.TrimTrailingWhitespace {
			line = strings.TrimRight(line, " \t\r")
		}
		if a.options.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func (a *OutputAsserter) colorize(diff string) string {
	if !a.options.EnableColors {
		return diff
	}
	red, green, cyan := color.New(color.FgRed), color.New(color.FgGreen), color.New(color.FgCyan)
	for _, c := range []*color.Color{red, green, cyan} {
		c.EnableColor()
	}

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(strings.ReplaceAll(line, " ", "·"))
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(strings.ReplaceAll(line, " ", "·"))
		}
	}
	return strings.Join(lines, "\n")
}

func (a *OutputAsserter) jsonDiff(actual, expected string) (string, error) {
	exp, err := parseJSONStream(expected)
	if err != nil {
		return "", fmt.Errorf("invalid expected JSON: %w", err)
	}
	act, err := parseJSONStream(actual)
	if err != nil {
		return "", fmt.Errorf("invalid actual JSON: %w", err)
	}

	// gojsondiff only compares objects at the root
	want, got := map[string]any{"output": exp}, map[string]any{"output": act}
	fillPresence(want, got)
	if a.options.IgnoreExtraKeys {
		dropExtraKeys(got, want)
	}

	expBytes, _ := json.Marshal(want)
	actBytes, _ := json.Marshal(got)
	diff, err := gojsondiff.New().Compare(expBytes, actBytes)
	if err != nil {
		return "", fmt.Errorf("JSON comparison failed: %w", err)
	}
	if !diff.Modified() {
		return "", nil
	}
	f := formatter.NewAsciiFormatter(want, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       a.options.EnableColors,
	})
	return f.Format(diff)
}

// parseJSONStream accepts a single document or one document per line.
func parseJSONStream(s string) (any, error) {
	var single any
	if err := json.Unmarshal([]byte(s), &single); err == nil {
		return single, nil
	}

	var docs []any
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var doc any
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			return nil, fmt.Errorf("line %d: %w", len(docs)+1, err)
		}
		docs = append(docs, doc)
	}
	return docs, sc.Err()
}

// fillPresence replaces Presence placeholders with the actual value.
func fillPresence(expected, actual any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == Presence {
				if av, exists := act[k]; exists {
					exp[k] = av
				}
				continue
			}
			fillPresence(v, act[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				fillPresence(exp[i], act[i])
			}
		}
	}
}

func dropExtraKeys(actual, expected any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for k := range act {
			if _, exists := exp[k]; !exists {
				delete(act, k)
			}
		}
		for k := range exp {
			dropExtraKeys(act[k], exp[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				dropExtraKeys(act[i], exp[i])
			}
		}
	}
}
