package lexicon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type matcherKey struct {
	id      string
	pattern string
	isRegex bool
}

type matcher struct {
	re  *regexp.Regexp
	err error
}

// Engine applies ordered rule lists to text. It is safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	matchers map[matcherKey]matcher
	logger   *log.Logger
}

// NewEngine returns an engine with an empty matcher cache.
func NewEngine(logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default().WithPrefix("lexicon")
	}
	return &Engine{
		matchers: make(map[matcherKey]matcher),
		logger:   logger,
	}
}

// Normalize brings text to canonical decomposed form and folds every Unicode
// space separator (no-break space, thin space, ...) to an ASCII space.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Map(func(r rune) rune {
		if r != ' ' && unicode.Is(unicode.Zs, r) {
			return ' '
		}
		return r
	}))
	out, _, err := transform.String(t, s)
	if err != nil {
		return norm.NFD.String(s)
	}
	return out
}

// Apply runs rules in order and returns the rewritten text in NFC.
// Rules whose pattern does not compile are skipped.
func (e *Engine) Apply(text string, rules []Rule) string {
	out, _ := e.apply(text, rules, false)
	return out
}

// Trace is Apply that also reports what every rule did.
func (e *Engine) Trace(text string, rules []Rule) (string, []Step) {
	return e.apply(text, rules, true)
}

func (e *Engine) apply(text string, rules []Rule, trace bool) (string, []Step) {
	if len(rules) == 0 || text == "" {
		return text, nil
	}

	var steps []Step
	if trace {
		steps = make([]Step, 0, len(rules))
	}

	cur := Normalize(text)
	for _, r := range rules {
		re, err := e.compile(r)
		if err != nil {
			if trace {
				steps = append(steps, Step{Rule: r, Before: cur, After: cur, Err: err})
			}
			continue
		}

		before := cur
		replacement := Normalize(r.Replacement)
		if r.IsRegex {
			cur = re.ReplaceAllString(cur, replacement)
		} else {
			cur = re.ReplaceAllLiteralString(cur, replacement)
		}

		if trace {
			steps = append(steps, Step{
				Rule:    r,
				Before:  norm.NFC.String(before),
				After:   norm.NFC.String(cur),
				Matches: len(re.FindAllStringIndex(before, -1)),
			})
		}
	}
	return norm.NFC.String(cur), steps
}

// Compile reports whether a rule's pattern is usable.
func (e *Engine) Compile(r Rule) error {
	_, err := e.compile(r)
	return err
}

func (e *Engine) compile(r Rule) (*regexp.Regexp, error) {
	key := matcherKey{id: r.ID, pattern: r.Pattern, isRegex: r.IsRegex}

	e.mu.RLock()
	m, ok := e.matchers[key]
	e.mu.RUnlock()
	if ok {
		return m.re, m.err
	}

	re, err := buildMatcher(r)
	if err != nil {
		e.logger.Warn("skipping lexicon rule", "id", r.ID, "pattern", r.Pattern, "error", err)
	}

	e.mu.Lock()
	e.matchers[key] = matcher{re: re, err: err}
	e.mu.Unlock()
	return re, err
}

// CacheSize returns the number of compiled matchers held.
func (e *Engine) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.matchers)
}

func buildMatcher(r Rule) (*regexp.Regexp, error) {
	pattern := Normalize(r.Pattern)
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidRule)
	}

	if r.IsRegex {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		return re, nil
	}

	var b strings.Builder
	b.WriteString("(?i)")
	first, _ := utf8.DecodeRuneInString(pattern)
	last, _ := utf8.DecodeLastRuneInString(pattern)
	if isWordRune(first) {
		b.WriteString(`\b`)
	}
	b.WriteString(regexp.QuoteMeta(pattern))
	if isWordRune(last) {
		b.WriteString(`\b`)
	}
	return regexp.Compile(b.String())
}

// isWordRune matches RE2's \w class, which is what \b tests against.
func isWordRune(r rune) bool {
	return r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// Hash fingerprints an ordered rule list. Any change to a pattern, a
// replacement, a regex flag or the order yields a different hash. An empty
// list hashes to the empty string.
func Hash(rules []Rule) string {
	if len(rules) == 0 {
		return ""
	}
	h := sha256.New()
	for _, r := range rules {
		fmt.Fprintf(h, "%s\x00%s\x00%t\x1e", Normalize(r.Pattern), Normalize(r.Replacement), r.IsRegex)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
