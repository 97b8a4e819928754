package lexicon

import (
	"testing"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		rules []Rule
		want  string
	}{
		{
			name:  "replaces every occurrence",
			text:  "Hello world. Hello.",
			rules: []Rule{{ID: "1", Pattern: "Hello", Replacement: "Hi"}},
			want:  "Hi world. Hi.",
		},
		{
			name:  "literal rules respect word boundaries",
			text:  "The caterpillar is a cat.",
			rules: []Rule{{ID: "1", Pattern: "cat", Replacement: "dog"}},
			want:  "The caterpillar is a dog.",
		},
		{
			name:  "case insensitive",
			text:  "hello HELLO",
			rules: []Rule{{ID: "1", Pattern: "Hello", Replacement: "Hi"}},
			want:  "Hi Hi",
		},
		{
			name:  "trailing punctuation gets no boundary",
			text:  "Dr. Who met Dr.Smith",
			rules: []Rule{{ID: "1", Pattern: "Dr.", Replacement: "Doctor "}},
			want:  "Doctor  Who met Doctor Smith",
		},
		{
			name:  "literal replacement does not expand groups",
			text:  "price",
			rules: []Rule{{ID: "1", Pattern: "price", Replacement: "$1 cost"}},
			want:  "$1 cost",
		},
		{
			name:  "regex rule with groups",
			text:  "Run 5km today",
			rules: []Rule{{ID: "1", Pattern: `(\d+)\s*km`, Replacement: "${1} kilometers", IsRegex: true}},
			want:  "Run 5 kilometers today",
		},
		{
			name:  "regex alternation",
			text:  "cat and dog",
			rules: []Rule{{ID: "1", Pattern: "cat|dog", Replacement: "pet", IsRegex: true}},
			want:  "pet and pet",
		},
		{
			name: "rules run in the given order",
			text: "Hello World",
			rules: []Rule{
				{ID: "1", Pattern: "Hello", Replacement: "Hi"},
				{ID: "2", Pattern: "Hi World", Replacement: "Greetings"},
			},
			want: "Greetings",
		},
		{
			name: "invalid regex is skipped",
			text: "one two",
			rules: []Rule{
				{ID: "bad", Pattern: "([", Replacement: "x", IsRegex: true},
				{ID: "ok", Pattern: "two", Replacement: "2"},
			},
			want: "one 2",
		},
		{
			name:  "no-break space matches a plain space",
			text:  "Mr.\u00a0Smith arrived",
			rules: []Rule{{ID: "1", Pattern: "Mr. Smith", Replacement: "Mister Smith"}},
			want:  "Mister Smith arrived",
		},
		{
			name:  "decomposed pattern matches precomposed text",
			text:  "un caf\u00e9 noir",
			rules: []Rule{{ID: "1", Pattern: "cafe\u0301", Replacement: "coffee"}},
			want:  "un coffee noir",
		},
		{
			name:  "no rules leaves text untouched",
			text:  "unchanged",
			rules: nil,
			want:  "unchanged",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(nil)
			if got := e.Apply(tt.text, tt.rules); got != tt.want {
				t.Errorf("Apply(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestEngine_CachesMatchers(t *testing.T) {
	e := NewEngine(nil)
	rules := []Rule{
		{ID: "a", Pattern: "alpha", Replacement: "A"},
		{ID: "b", Pattern: "b+", Replacement: "B", IsRegex: true},
		{ID: "c", Pattern: "(", Replacement: "C", IsRegex: true},
	}

	for i := 0; i < 3; i++ {
		e.Apply("alpha bbb", rules)
	}
	if n := e.CacheSize(); n != 3 {
		t.Errorf("Expected 3 cached matchers, got %d", n)
	}

	// same id with a new pattern is a new matcher
	e.Apply("alpha", []Rule{{ID: "a", Pattern: "alp", Replacement: "A"}})
	if n := e.CacheSize(); n != 4 {
		t.Errorf("Expected 4 cached matchers, got %d", n)
	}

	if err := e.Compile(rules[2]); err == nil {
		t.Error("Expected compile error for invalid regex")
	}
}

func TestTrace(t *testing.T) {
	e := NewEngine(nil)
	out, steps := e.Trace("Hello World", []Rule{
		{ID: "1", Pattern: "Hello", Replacement: "Hi"},
		{ID: "2", Pattern: "World", Replacement: "Earth"},
		{ID: "3", Pattern: "absent", Replacement: "x"},
	})

	if out != "Hi Earth" {
		t.Errorf("Expected %q, got %q", "Hi Earth", out)
	}
	if len(steps) != 3 {
		t.Fatalf("Expected 3 steps, got %d", len(steps))
	}
	if steps[0].After != "Hi World" || steps[0].Matches != 1 {
		t.Errorf("Unexpected first step: %+v", steps[0])
	}
	if steps[1].Before != "Hi World" || steps[1].After != "Hi Earth" {
		t.Errorf("Unexpected second step: %+v", steps[1])
	}
	if steps[2].Changed() || steps[2].Matches != 0 {
		t.Errorf("Expected untouched third step: %+v", steps[2])
	}
}

func TestSystemDefaults(t *testing.T) {
	e := NewEngine(nil)
	rules := SystemDefaults()

	tests := map[string]string{
		"Gen. 1":             "Genesis 1",
		"Matt. 5:15":         "Matthew 5:15",
		"See 1 Cor. 13:4":    "See First Corinthians 13:4",
		"Read Jn. 3:16":      "Read John 3:16",
		"2 Tim. 1":           "Second Timothy 1",
		"Ps. 23, v. 4":       "Psalm 23, verse 4",
		"The Gen. Assembly.": "The Gen. Assembly.",
	}
	for in, want := range tests {
		if got := e.Apply(in, rules); got != want {
			t.Errorf("Apply(%q) = %q, want %q", in, got, want)
		}
	}

	for _, r := range rules {
		if r.Scope != ScopeSystem {
			t.Errorf("rule %s has scope %q", r.ID, r.Scope)
		}
		if err := e.Compile(r); err != nil {
			t.Errorf("rule %s does not compile: %v", r.ID, err)
		}
	}
}

func TestHash(t *testing.T) {
	a := []Rule{{ID: "1", Pattern: "a", Replacement: "b"}, {ID: "2", Pattern: "c", Replacement: "d"}}
	b := []Rule{{ID: "2", Pattern: "c", Replacement: "d"}, {ID: "1", Pattern: "a", Replacement: "b"}}

	if Hash(a) != Hash(a) {
		t.Error("Hash should be stable")
	}
	if Hash(a) == Hash(b) {
		t.Error("Hash should depend on order")
	}
	if Hash(nil) != "" {
		t.Errorf("Expected empty hash for no rules, got %q", Hash(nil))
	}

	regex := []Rule{{ID: "1", Pattern: "a", Replacement: "b", IsRegex: true}, a[1]}
	if Hash(a) == Hash(regex) {
		t.Error("Hash should depend on the regex flag")
	}
}
