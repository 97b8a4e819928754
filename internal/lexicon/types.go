// Package lexicon rewrites text before it is synthesized so that names,
// abbreviations and jargon are pronounced correctly.
package lexicon

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRule is returned for rules that can never be applied.
	ErrInvalidRule = errors.New("invalid lexicon rule")

	// ErrRuleNotFound is returned when a rule id is unknown.
	ErrRuleNotFound = errors.New("lexicon rule not found")
)

// Scope says where a rule comes from.
type Scope string

const (
	// ScopeGlobal rules apply to every book.
	ScopeGlobal Scope = "global"

	// ScopeBook rules apply to a single book.
	ScopeBook Scope = "book"

	// ScopeSystem rules are the built-in pronunciation defaults.
	ScopeSystem Scope = "system-default"
)

// Priority places a book rule relative to the global rules.
type Priority string

const (
	// BeforeGlobal book rules run ahead of every global rule.
	BeforeGlobal Priority = "before-global"

	// AfterGlobal book rules run last. This is the default.
	AfterGlobal Priority = "after-global"
)

// Preference is a per-book override of the system-default rule toggle.
type Preference string

const (
	// PreferDefault follows the global toggle.
	PreferDefault Preference = "default"

	// PreferOn enables system-default rules for the book.
	PreferOn Preference = "on"

	// PreferOff disables system-default rules for the book.
	PreferOff Preference = "off"
)

// Rule is a single substitution. Rules are treated as immutable once they
// have been applied: compiled matchers are cached by ID, Pattern and IsRegex.
type Rule struct {
	ID          string   `yaml:"id" json:"id"`
	Pattern     string   `yaml:"original" json:"original"`
	Replacement string   `yaml:"replacement" json:"replacement"`
	IsRegex     bool     `yaml:"is_regex,omitempty" json:"is_regex,omitempty"`
	Scope       Scope    `yaml:"scope,omitempty" json:"scope,omitempty"`
	BookID      string   `yaml:"book_id,omitempty" json:"book_id,omitempty"`
	Priority    Priority `yaml:"priority,omitempty" json:"priority,omitempty"`
	Order       int      `yaml:"order" json:"order"`
	Label       string   `yaml:"label,omitempty" json:"label,omitempty"`
}

// Validate checks the fields that do not depend on compiling the pattern.
func (r Rule) Validate() error {
	if r.Pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidRule)
	}
	switch r.Scope {
	case "", ScopeGlobal, ScopeSystem:
	case ScopeBook:
		if r.BookID == "" {
			return fmt.Errorf("%w: book rule %q has no book id", ErrInvalidRule, r.Pattern)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRule, r.Scope)
	}
	switch r.Priority {
	case "", BeforeGlobal, AfterGlobal:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidRule, r.Priority)
	}
	return nil
}

// EffectivePriority returns the priority with the default applied.
func (r Rule) EffectivePriority() Priority {
	if r.Priority == "" {
		return AfterGlobal
	}
	return r.Priority
}

func (r Rule) String() string {
	if r.IsRegex {
		return fmt.Sprintf("/%s/ → %s", r.Pattern, r.Replacement)
	}
	return fmt.Sprintf("%s → %s", r.Pattern, r.Replacement)
}

// Step records what one rule did during a trace.
type Step struct {
	Rule    Rule
	Before  string
	After   string
	Matches int
	Err     error
}

// Changed reports whether the rule altered the text.
func (s Step) Changed() bool {
	return s.Before != s.After
}
