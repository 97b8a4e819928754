package lexicon

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func ids(rules []Rule) string {
	parts := make([]string, len(rules))
	for i, r := range rules {
		parts[i] = r.ID
	}
	return strings.Join(parts, ",")
}

func TestResolve_Order(t *testing.T) {
	global := []Rule{
		{ID: "g2", Order: 2, Scope: ScopeGlobal},
		{ID: "g1", Order: 1, Scope: ScopeGlobal},
	}
	book := []Rule{
		{ID: "after", Scope: ScopeBook, BookID: "b1"},
		{ID: "before", Scope: ScopeBook, BookID: "b1", Priority: BeforeGlobal},
		{ID: "other", Scope: ScopeBook, BookID: "b2", Priority: BeforeGlobal},
	}
	system := []Rule{{ID: "sys", Scope: ScopeSystem}}

	tests := []struct {
		name  string
		prefs Preferences
		want  string
	}{
		{"system on globally", Preferences{SystemEnabled: true}, "before,g1,g2,sys,after"},
		{"system off globally", Preferences{SystemEnabled: false}, "before,g1,g2,after"},
		{"book forces on", Preferences{SystemEnabled: false, Book: PreferOn}, "before,g1,g2,sys,after"},
		{"book forces off", Preferences{SystemEnabled: true, Book: PreferOff}, "before,g1,g2,after"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(Resolve("b1", global, book, system, tt.prefs))
			if got != tt.want {
				t.Errorf("Resolve = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResolve_BookOverridesSystem(t *testing.T) {
	e := NewEngine(nil)
	rb := NewRuleBook(nil)

	if got := e.Apply("Matt. 5:15", rb.Resolve("bible")); got != "Matthew 5:15" {
		t.Errorf("Expected system rules on by default, got %q", got)
	}

	rb.SetBookPreference("bible", PreferOff)
	if got := e.Apply("Matt. 5:15", rb.Resolve("bible")); got != "Matt. 5:15" {
		t.Errorf("Expected no replacement with book preference off, got %q", got)
	}

	rb.SetSystemEnabled(false)
	rb.SetBookPreference("bible", PreferOn)
	if got := e.Apply("Matt. 5:15", rb.Resolve("bible")); got != "Matthew 5:15" {
		t.Errorf("Expected book preference to win over global toggle, got %q", got)
	}

	// an after-global book rule patches the system output
	if _, err := rb.Add(Rule{Pattern: "Matthew", Replacement: "Saint Matthew", Scope: ScopeBook, BookID: "bible"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := e.Apply("Matt. 5:15", rb.Resolve("bible")); got != "Saint Matthew 5:15" {
		t.Errorf("Expected after-global rule to patch system output, got %q", got)
	}
}

func TestRuleBook_PersistAndReorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexicon.yml")
	rb, err := OpenRuleBook(path, nil)
	if err != nil {
		t.Fatalf("OpenRuleBook: %v", err)
	}

	a, _ := rb.Add(Rule{Pattern: "alpha", Replacement: "A"})
	b, _ := rb.Add(Rule{Pattern: "beta", Replacement: "B"})
	c, _ := rb.Add(Rule{Pattern: "gamma", Replacement: "C"})
	if _, err := rb.Add(Rule{Pattern: ""}); err == nil {
		t.Error("Expected empty pattern to be rejected")
	}
	if _, err := rb.Add(Rule{Pattern: "x", Scope: ScopeBook}); err == nil {
		t.Error("Expected book rule without book id to be rejected")
	}

	if got := ids(rb.Rules(ScopeGlobal, "")); got != strings.Join([]string{a.ID, b.ID, c.ID}, ",") {
		t.Fatalf("Unexpected initial order %s", got)
	}

	if err := rb.Move(c.ID, 0); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if err := rb.Remove(b.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := rb.Remove("missing"); err == nil {
		t.Error("Expected error removing unknown rule")
	}
	rb.SetBookPreference("book-1", PreferOff)

	if err := rb.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := OpenRuleBook(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := ids(reopened.Rules(ScopeGlobal, "")); got != c.ID+","+a.ID {
		t.Errorf("Expected reordered rules to persist, got %s", got)
	}
	if p := reopened.Preferences("book-1"); p.SystemActive() {
		t.Errorf("Expected book preference to persist, got %+v", p)
	}
}

func TestRuleBook_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexicon.yml")
	rb, err := OpenRuleBook(path, nil)
	if err != nil {
		t.Fatalf("OpenRuleBook: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 4)
	if err := rb.Watch(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	content := "system_defaults: false\nrules:\n  - original: foo\n    replacement: bar\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(3 * time.Second)
	var rules []Rule
	for len(rules) == 0 {
		select {
		case <-changed:
			rules = rb.Rules(ScopeGlobal, "")
		case <-deadline:
			t.Fatal("rule book was not reloaded")
		}
	}

	if len(rules) != 1 || rules[0].Pattern != "foo" || rules[0].ID == "" {
		t.Errorf("Unexpected rules after reload: %+v", rules)
	}
}

func TestCSV(t *testing.T) {
	rules, err := ImportCSV(strings.NewReader(SampleCSV), ScopeGlobal, "")
	if err != nil {
		t.Fatalf("ImportCSV: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("Expected 3 rules, got %d", len(rules))
	}
	if rules[0].Pattern != "Dr." || rules[0].Replacement != "Doctor" || rules[0].IsRegex {
		t.Errorf("Unexpected first rule %+v", rules[0])
	}
	if !rules[2].IsRegex || rules[2].Pattern != "cat|dog" {
		t.Errorf("Expected regex rule, got %+v", rules[2])
	}

	var buf bytes.Buffer
	if err := ExportCSV(&buf, rules); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	if buf.String() != SampleCSV {
		t.Errorf("Export mismatch:\n%s", buf.String())
	}

	if _, err := ImportCSV(strings.NewReader("a,b,maybe\n"), ScopeGlobal, ""); err == nil {
		t.Error("Expected error for bad is_regex column")
	}
	headless, err := ImportCSV(strings.NewReader("API,A.P.I.\n"), ScopeBook, "b1")
	if err != nil || len(headless) != 1 || headless[0].BookID != "b1" {
		t.Errorf("Expected headless import to work, got %+v, %v", headless, err)
	}
}
