package lexicon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk layout of a rule book.
type ruleFile struct {
	SystemDefaults bool                  `yaml:"system_defaults"`
	Rules          []Rule                `yaml:"rules"`
	Books          map[string]bookConfig `yaml:"books,omitempty"`
}

type bookConfig struct {
	SystemDefaults Preference `yaml:"system_defaults,omitempty"`
}

// RuleBook holds user rules and preferences, persisted as YAML.
// The zero path keeps everything in memory.
type RuleBook struct {
	mu     sync.RWMutex
	path   string
	data   ruleFile
	system []Rule
	logger *log.Logger
}

// NewRuleBook creates an empty in-memory rule book with system defaults on.
func NewRuleBook(logger *log.Logger) *RuleBook {
	if logger == nil {
		logger = log.Default().WithPrefix("lexicon")
	}
	return &RuleBook{
		data:   ruleFile{SystemDefaults: true, Books: map[string]bookConfig{}},
		system: SystemDefaults(),
		logger: logger,
	}
}

// OpenRuleBook loads the rule book at path. A missing file yields an empty
// book that will be created on the first Save.
func OpenRuleBook(path string, logger *log.Logger) (*RuleBook, error) {
	rb := NewRuleBook(logger)
	rb.path = path
	if err := rb.Reload(); err != nil {
		return nil, err
	}
	return rb, nil
}

// Path returns the backing file, if any.
func (rb *RuleBook) Path() string {
	return rb.path
}

// Reload re-reads the backing file.
func (rb *RuleBook) Reload() error {
	if rb.path == "" {
		return nil
	}
	b, err := os.ReadFile(rb.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unable to read lexicon: %w", err)
	}

	data := ruleFile{SystemDefaults: true}
	if err := yaml.Unmarshal(b, &data); err != nil {
		return fmt.Errorf("unable to parse lexicon %s: %w", rb.path, err)
	}
	if data.Books == nil {
		data.Books = map[string]bookConfig{}
	}
	for i := range data.Rules {
		if data.Rules[i].ID == "" {
			data.Rules[i].ID = uuid.NewString()
		}
		if data.Rules[i].Scope == "" {
			data.Rules[i].Scope = ScopeGlobal
		}
	}

	rb.mu.Lock()
	rb.data = data
	rb.mu.Unlock()
	return nil
}

// Save writes the rule book atomically.
func (rb *RuleBook) Save() error {
	if rb.path == "" {
		return nil
	}
	rb.mu.RLock()
	b, err := yaml.Marshal(rb.data)
	rb.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("unable to encode lexicon: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(rb.path), 0o755); err != nil {
		return fmt.Errorf("unable to create lexicon directory: %w", err)
	}
	tmp := rb.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("unable to write lexicon: %w", err)
	}
	return os.Rename(tmp, rb.path)
}

// Add validates and stores a rule, assigning an id and appending it to the
// end of its scope when Order is zero.
func (rb *RuleBook) Add(r Rule) (Rule, error) {
	if r.Scope == "" {
		r.Scope = ScopeGlobal
	}
	if r.Scope == ScopeSystem {
		return Rule{}, fmt.Errorf("%w: system rules are built in", ErrInvalidRule)
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if r.Order == 0 {
		for _, existing := range rb.data.Rules {
			if sameGroup(existing, r) && existing.Order >= r.Order {
				r.Order = existing.Order + 1
			}
		}
	}
	rb.data.Rules = append(rb.data.Rules, r)
	return r, nil
}

// AddAll stores several rules, stopping at the first invalid one.
func (rb *RuleBook) AddAll(rules []Rule) (int, error) {
	for i, r := range rules {
		if _, err := rb.Add(r); err != nil {
			return i, fmt.Errorf("rule %d: %w", i+1, err)
		}
	}
	return len(rules), nil
}

// Remove deletes a rule by id.
func (rb *RuleBook) Remove(id string) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for i, r := range rb.data.Rules {
		if r.ID == id {
			rb.data.Rules = append(rb.data.Rules[:i:i], rb.data.Rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// Move places a rule at position pos within its scope group and renumbers
// the group.
func (rb *RuleBook) Move(id string, pos int) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var target *Rule
	for i := range rb.data.Rules {
		if rb.data.Rules[i].ID == id {
			target = &rb.data.Rules[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	var group []*Rule
	for i := range rb.data.Rules {
		r := &rb.data.Rules[i]
		if r.ID != id && sameGroup(*r, *target) {
			group = append(group, r)
		}
	}
	sort.SliceStable(group, func(i, j int) bool { return group[i].Order < group[j].Order })

	if pos < 0 {
		pos = 0
	}
	if pos > len(group) {
		pos = len(group)
	}
	group = append(group[:pos], append([]*Rule{target}, group[pos:]...)...)
	for i, r := range group {
		r.Order = i
	}
	return nil
}

// SetPriority changes whether a book rule runs before or after global rules.
func (rb *RuleBook) SetPriority(id string, p Priority) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for i := range rb.data.Rules {
		if rb.data.Rules[i].ID == id {
			if rb.data.Rules[i].Scope != ScopeBook {
				return fmt.Errorf("%w: priority only applies to book rules", ErrInvalidRule)
			}
			rb.data.Rules[i].Priority = p
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// SetSystemEnabled flips the global system-default toggle.
func (rb *RuleBook) SetSystemEnabled(on bool) {
	rb.mu.Lock()
	rb.data.SystemDefaults = on
	rb.mu.Unlock()
}

// SetBookPreference overrides the system-default toggle for one book.
func (rb *RuleBook) SetBookPreference(bookID string, p Preference) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if p == PreferDefault || p == "" {
		delete(rb.data.Books, bookID)
		return
	}
	rb.data.Books[bookID] = bookConfig{SystemDefaults: p}
}

// Rules returns a copy of the stored rules for a scope. An empty scope
// returns every stored rule.
func (rb *RuleBook) Rules(scope Scope, bookID string) []Rule {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	var out []Rule
	for _, r := range rb.data.Rules {
		if scope != "" && r.Scope != scope {
			continue
		}
		if scope == ScopeBook && bookID != "" && r.BookID != bookID {
			continue
		}
		out = append(out, r)
	}
	return sortedByOrder(out)
}

// Preferences returns the toggles in effect for a book.
func (rb *RuleBook) Preferences(bookID string) Preferences {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return Preferences{
		SystemEnabled: rb.data.SystemDefaults,
		Book:          rb.data.Books[bookID].SystemDefaults,
	}
}

// Resolve returns the ordered rule list for a book. It is computed fresh on
// every call since any scope input may have changed.
func (rb *RuleBook) Resolve(bookID string) []Rule {
	return Resolve(bookID,
		rb.Rules(ScopeGlobal, ""),
		rb.Rules(ScopeBook, bookID),
		rb.system,
		rb.Preferences(bookID))
}

// Watch reloads the rule book whenever its file changes until ctx ends.
// onChange, when set, runs after each successful reload.
func (rb *RuleBook) Watch(ctx context.Context, onChange func()) error {
	if rb.path == "" {
		return errors.New("rule book has no backing file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("unable to watch lexicon: %w", err)
	}
	dir := filepath.Dir(rb.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = w.Close()
		return fmt.Errorf("unable to create lexicon directory: %w", err)
	}
	// editors replace files by rename, so watch the directory
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("unable to watch %s: %w", dir, err)
	}

	go func() {
		defer w.Close() //nolint:errcheck
		name := filepath.Clean(rb.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := rb.Reload(); err != nil {
					rb.logger.Warn("lexicon reload failed", "path", rb.path, "error", err)
					continue
				}
				rb.logger.Debug("lexicon reloaded", "path", rb.path)
				if onChange != nil {
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				rb.logger.Warn("lexicon watcher error", "error", err)
			}
		}
	}()
	return nil
}

func sameGroup(a, b Rule) bool {
	if a.Scope != b.Scope {
		return false
	}
	if a.Scope != ScopeBook {
		return true
	}
	return a.BookID == b.BookID && a.EffectivePriority() == b.EffectivePriority()
}
